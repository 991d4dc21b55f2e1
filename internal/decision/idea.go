package decision

import (
	"time"

	"github.com/google/uuid"

	"github.com/tradewheel/autonomy/internal/strategy"
)

// IdeaStatus is the lifecycle state of a TradeIdea. Ideas are never
// deleted; cancellation and halting are status transitions.
type IdeaStatus string

const (
	StatusPendingApproval IdeaStatus = "pending_approval"
	StatusApproved        IdeaStatus = "approved"
	StatusRejected        IdeaStatus = "rejected"
	StatusAutoExecuted    IdeaStatus = "auto_executed"
	StatusExecuted        IdeaStatus = "executed"
	StatusCancelled       IdeaStatus = "cancelled"
	StatusHaltedByRisk    IdeaStatus = "halted_by_risk"
	StatusFailedExecution IdeaStatus = "failed_execution"
)

// TradeIdea is one scored, schedulable proposal for a pair. Created by
// the loop or a manual evaluation; mutated only by the gate or an
// explicit approve/reject call.
type TradeIdea struct {
	ID            string         `json:"id" db:"id"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	Symbol        string         `json:"symbol" db:"symbol"`
	Timeframe     string         `json:"timeframe" db:"timeframe"`
	Direction     string         `json:"direction" db:"direction"` // buy | sell
	Entry         float64        `json:"entry" db:"entry"`
	StopLoss      float64        `json:"stop_loss" db:"stop_loss"`
	Targets       []float64      `json:"targets" db:"-"`
	Volume        float64        `json:"volume" db:"volume"`
	RRRatio       float64        `json:"rr_ratio" db:"rr_ratio"`
	Confidence    int            `json:"confidence" db:"confidence"`
	Level         Level          `json:"confidence_level" db:"confidence_level"`
	Flags         strategy.Flags `json:"emnr_flags" db:"-"`
	Breakdown     Breakdown      `json:"score_breakdown" db:"-"`
	Plan          Plan           `json:"execution_plan" db:"-"`
	Status        IdeaStatus     `json:"status" db:"status"`
	StrategyID    string         `json:"strategy_id" db:"strategy_id"`
	SnapshotRef   string         `json:"snapshot_ref" db:"snapshot_ref"`
	Rationale     string         `json:"rationale" db:"rationale"`
	NewsBlocked   bool           `json:"news_blocked" db:"news_blocked"`
	OrderID       string         `json:"order_id,omitempty" db:"order_id"`
	FilledPrice   float64        `json:"filled_price,omitempty" db:"filled_price"`
	FailureReason string         `json:"failure_reason,omitempty" db:"failure_reason"`
}

// RecordAction classifies an audit-log entry.
type RecordAction string

const (
	RecordProposed      RecordAction = "proposed"
	RecordAutoExecuted  RecordAction = "auto_executed"
	RecordHumanApproved RecordAction = "human_approved"
	RecordHumanRejected RecordAction = "human_rejected"
	RecordRiskRejected  RecordAction = "risk_rejected"
	RecordHalted        RecordAction = "halted"
	RecordResumed       RecordAction = "resumed"
)

// Record is one append-only audit entry. The engine's contract exposes
// no update or delete for records; corrections are new records.
type Record struct {
	ID              string       `json:"id" db:"id"`
	OccurredAt      time.Time    `json:"occurred_at" db:"occurred_at"`
	Symbol          string       `json:"symbol,omitempty" db:"symbol"` // empty on global halt/resume
	Action          RecordAction `json:"action" db:"action"`
	Rationale       string       `json:"rationale" db:"rationale"`
	Confidence      *int         `json:"confidence,omitempty" db:"confidence"`
	RiskCheckResult string       `json:"risk_check_result,omitempty" db:"risk_check_result"`
	StrategyID      string       `json:"strategy_id,omitempty" db:"strategy_id"`
	TradeIdeaID     string       `json:"trade_idea_id,omitempty" db:"trade_idea_id"`
	SnapshotRef     string       `json:"snapshot_ref,omitempty" db:"snapshot_ref"`
	HumanOverride   bool         `json:"human_override" db:"human_override"`
}

// NewID mints a v4 UUID for ideas, records and snapshots.
func NewID() string { return uuid.NewString() }

// NewRecord builds a Record stamped with a fresh id and the given time.
func NewRecord(at time.Time, action RecordAction) Record {
	return Record{ID: NewID(), OccurredAt: at.UTC(), Action: action}
}
