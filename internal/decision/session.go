package decision

import (
	"math"
	"time"

	"github.com/tradewheel/autonomy/internal/strategy"
)

// Profile carries per-symbol execution constraints and the preference
// windows that feed the alignment bonus.
type Profile struct {
	PipSize        float64  `json:"pip_size" yaml:"pip_size"`
	PipValuePerLot float64  `json:"pip_value_per_lot" yaml:"pip_value_per_lot"`
	MinLot         float64  `json:"min_lot" yaml:"min_lot"`
	MaxLot         float64  `json:"max_lot" yaml:"max_lot"`
	LotStep        float64  `json:"lot_step" yaml:"lot_step"`
	BestTimeframes []string `json:"best_timeframes" yaml:"best_timeframes"`
	BestSessions   []string `json:"best_sessions" yaml:"best_sessions"`
	Tradeable      bool     `json:"tradeable" yaml:"tradeable"`
}

// Normalize fills zero lot constraints with broker-typical values.
func (p Profile) Normalize() Profile {
	if p.PipSize <= 0 {
		p.PipSize = 0.0001
	}
	if p.PipValuePerLot <= 0 {
		p.PipValuePerLot = 10
	}
	if p.MinLot <= 0 {
		p.MinLot = 0.01
	}
	if p.MaxLot <= 0 {
		p.MaxLot = 100
	}
	if p.LotStep <= 0 {
		p.LotStep = 0.01
	}
	return p
}

// ClampVolume bounds v to the profile's lot constraints, snapping down
// to the lot step.
func (p Profile) ClampVolume(v float64) float64 {
	p = p.Normalize()
	if v < p.MinLot {
		return p.MinLot
	}
	if v > p.MaxLot {
		v = p.MaxLot
	}
	steps := math.Floor(v/p.LotStep + 1e-9)
	v = steps * p.LotStep
	if v < p.MinLot {
		v = p.MinLot
	}
	return math.Round(v*100) / 100
}

// SessionAt labels t's trading session by local hour. Bands overlap;
// earlier bands win: 9-16 London, 15-22 NewYork (17-22 after London
// closes), 2-9 Tokyo, everything else Sydney.
func SessionAt(t time.Time) string {
	hour := t.Hour()
	switch {
	case hour >= 9 && hour < 17:
		return "London"
	case hour >= 15 && hour < 23:
		return "NewYork"
	case hour >= 2 && hour < 10:
		return "Tokyo"
	default:
		return "Sydney"
	}
}

// Aligned reports whether the pair's timeframe and the current session
// match the symbol profile. The session may satisfy either the
// profile's best sessions or the rule's allowed sessions.
func Aligned(timeframe, session string, p Profile, rule strategy.Rule) bool {
	if !containsString(p.BestTimeframes, timeframe) {
		return false
	}
	return containsString(p.BestSessions, session) || containsString(rule.Sessions, session)
}

func containsString(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
