package decision

// Action is the scheduled posture for one evaluation.
type Action string

const (
	// ActionObserve records the evaluation only; no order artifact.
	ActionObserve Action = "observe"
	// ActionPendingOnly proposes a half-risk pending order for review.
	ActionPendingOnly Action = "pending_only"
	// ActionWaitRR keeps the idea on file until risk/reward improves.
	ActionWaitRR Action = "wait_rr"
	// ActionOpenOrScale proposes immediate entry (or scale-in) at the
	// capped risk.
	ActionOpenOrScale Action = "open_or_scale"
)

// Plan is the scheduled action plus its suggested risk fraction.
type Plan struct {
	Action  Action  `json:"action"`
	RiskPct float64 `json:"risk_pct"`
}

// pendingRiskCeiling bounds pending_only risk regardless of the rule cap.
const pendingRiskCeiling = 0.02

// Schedule maps a confidence score and RR validity to an execution
// plan. Thresholds: <60 observe, 60-74 pending_only at half cap capped
// to 2%, >=75 wait_rr until RR clears the minimum, then open_or_scale
// at the full cap. Stateless.
func Schedule(score int, rrOK bool, riskCapPct float64) Plan {
	switch {
	case score < 60:
		return Plan{Action: ActionObserve}
	case score < 75:
		half := riskCapPct / 2
		if half > pendingRiskCeiling {
			half = pendingRiskCeiling
		}
		return Plan{Action: ActionPendingOnly, RiskPct: half}
	case !rrOK:
		return Plan{Action: ActionWaitRR}
	default:
		return Plan{Action: ActionOpenOrScale, RiskPct: riskCapPct}
	}
}
