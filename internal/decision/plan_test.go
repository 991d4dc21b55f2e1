package decision

import (
	"math"
	"testing"
)

func TestScheduleLadder(t *testing.T) {
	testCases := []struct {
		name       string
		score      int
		rrOK       bool
		cap        float64
		wantAction Action
		wantRisk   float64
	}{
		{"well below threshold", 0, true, 0.03, ActionObserve, 0},
		{"just below pending band", 59, true, 0.03, ActionObserve, 0},
		{"pending band lower edge", 60, false, 0.03, ActionPendingOnly, 0.015},
		{"pending band upper edge", 74, true, 0.03, ActionPendingOnly, 0.015},
		{"high score but rr short", 75, false, 0.03, ActionWaitRR, 0},
		{"high score rr satisfied", 75, true, 0.03, ActionOpenOrScale, 0.03},
		{"max score", 100, true, 0.03, ActionOpenOrScale, 0.03},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Schedule(tc.score, tc.rrOK, tc.cap)
			if got.Action != tc.wantAction {
				t.Errorf("action: got %s want %s", got.Action, tc.wantAction)
			}
			if math.Abs(got.RiskPct-tc.wantRisk) > 1e-12 {
				t.Errorf("riskPct: got %v want %v", got.RiskPct, tc.wantRisk)
			}
		})
	}
}

func TestSchedulePendingRiskCeiling(t *testing.T) {
	// half the cap, but never more than the pending ceiling
	got := Schedule(65, false, 0.06)
	if math.Abs(got.RiskPct-0.02) > 1e-12 {
		t.Errorf("cap 0.06: pending risk should top out at 0.02, got %v", got.RiskPct)
	}
	got = Schedule(65, false, 0.02)
	if math.Abs(got.RiskPct-0.01) > 1e-12 {
		t.Errorf("cap 0.02: pending risk should be half the cap, got %v", got.RiskPct)
	}
}

func TestScheduleRRIgnoredBelowHighBand(t *testing.T) {
	// rr only matters once the score clears the open threshold
	withRR := Schedule(65, true, 0.03)
	withoutRR := Schedule(65, false, 0.03)
	if withRR != withoutRR {
		t.Errorf("rr flag changed a pending-band plan: %+v vs %+v", withRR, withoutRR)
	}
}
