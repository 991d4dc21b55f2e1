package engine

import (
	"math"

	"github.com/tradewheel/autonomy/internal/decision"
)

// SizeVolume converts a risk fraction into a lot size: the amount put
// at risk is equity times riskPct, the loss per lot is the stop
// distance in pips times the pip value. The result is clamped and
// step-snapped by the symbol profile. Degenerate inputs (no risk
// budget, zero stop distance) fall back to the profile minimum so a
// parked or half-risk idea still carries a reviewable size.
func SizeVolume(p decision.Profile, equity, riskPct, entry, stop float64) float64 {
	p = p.Normalize()
	if equity <= 0 || riskPct <= 0 {
		return p.MinLot
	}
	dist := math.Abs(entry - stop)
	if dist <= 0 {
		return p.MinLot
	}
	perLot := dist / p.PipSize * p.PipValuePerLot
	if perLot <= 0 {
		return p.MinLot
	}
	return p.ClampVolume(equity * riskPct / perLot)
}
