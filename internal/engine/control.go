package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/tradewheel/autonomy/internal/decision"
	"github.com/tradewheel/autonomy/internal/loop"
	"github.com/tradewheel/autonomy/internal/portfolio"
	"github.com/tradewheel/autonomy/internal/risk"
	"github.com/tradewheel/autonomy/internal/store"
)

// RiskStatus is the operator view of the gate's state: current config,
// halt machine, and portfolio snapshot.
type RiskStatus struct {
	Config    risk.Config       `json:"config"`
	Halt      risk.HaltStatus   `json:"halt"`
	Portfolio portfolio.Summary `json:"portfolio"`
}

// KillSwitch disables autonomous trading immediately and marks every
// idea still pending approval as halted_by_risk. Orders already
// dispatched to the broker are not retracted; cancellation at the
// venue is the operator's call. Returns the halt state and the number
// of pending ideas swept.
func (e *Engine) KillSwitch(ctx context.Context, by, reason string) (risk.HaltStatus, int, error) {
	if reason == "" {
		reason = "kill switch engaged"
	}
	if by != "" {
		reason = fmt.Sprintf("%s (by %s)", reason, by)
	}
	_, haltErr := e.ctrl.Halt(ctx, risk.TriggerKillSwitch, reason)

	// The sweep proceeds even when the halt write failed: the halt
	// holds in memory and the pending queue must not survive it.
	swept := 0
	var sweepErr error
	ideas, err := e.store.ListIdeasByStatus(ctx, decision.StatusPendingApproval, 0)
	if err != nil {
		sweepErr = fmt.Errorf("list pending ideas: %w", err)
	}
	for _, stale := range ideas {
		mu := e.ideaLock(stale.ID)
		mu.Lock()
		cur, found, gerr := e.store.GetIdea(ctx, stale.ID)
		if gerr != nil || !found || cur.Status != decision.StatusPendingApproval {
			mu.Unlock()
			continue
		}
		cur.Status = decision.StatusHaltedByRisk
		cur.FailureReason = reason
		rec := e.ideaRecord(&cur, risk.GateDecision{CheckResult: risk.CheckAITradingDisabled, Reason: reason})
		rec.Action = decision.RecordRiskRejected
		if perr := e.persistIdea(ctx, cur, rec); perr != nil {
			if sweepErr == nil {
				sweepErr = perr
			}
		} else {
			swept++
		}
		mu.Unlock()
	}

	log.Warn().
		Str("by", by).
		Str("reason", reason).
		Int("swept", swept).
		Msg("kill switch engaged")
	e.publish("halted", e.ctrl.Status())
	if haltErr != nil {
		return e.ctrl.Status(), swept, haltErr
	}
	return e.ctrl.Status(), swept, sweepErr
}

// Resume re-enables autonomous trading. Only this call leaves the
// halted state; no evaluation path does.
func (e *Engine) Resume(ctx context.Context, by string) (risk.HaltStatus, error) {
	_, err := e.ctrl.Resume(ctx, by)
	status := e.ctrl.Status()
	if err == nil {
		e.publish("resumed", status)
	}
	return status, err
}

// UpdateRiskConfig applies a config mutation under the controller's
// writer lock. Disabling via config routes through the halt machine.
func (e *Engine) UpdateRiskConfig(ctx context.Context, mutate func(*risk.Config)) (risk.Config, error) {
	cfg, err := e.ctrl.UpdateConfig(ctx, mutate)
	if err == nil {
		e.publish("risk_config", cfg)
	}
	return cfg, err
}

// StartLoop starts the autonomy loop; interval 0 keeps the configured
// default.
func (e *Engine) StartLoop(interval time.Duration) error {
	return e.runner.Start(interval)
}

// StopLoop stops the loop, letting in-flight evaluations finish.
func (e *Engine) StopLoop() error {
	return e.runner.Stop()
}

// LoopStatus reports the runner snapshot.
func (e *Engine) LoopStatus() loop.Status {
	return e.runner.Status()
}

// RiskStatus reports config, halt state and portfolio in one view.
func (e *Engine) RiskStatus() RiskStatus {
	return RiskStatus{
		Config:    e.ctrl.Config(),
		Halt:      e.ctrl.Status(),
		Portfolio: e.tracker.Summary(),
	}
}

// PendingIdeas lists ideas awaiting a human decision, newest first.
func (e *Engine) PendingIdeas(ctx context.Context) ([]decision.TradeIdea, error) {
	return e.store.ListIdeasByStatus(ctx, decision.StatusPendingApproval, 200)
}

// RecentDecisions reads the audit log, optionally filtered by symbol
// or idea id. Limit 0 means 50, capped at 500.
func (e *Engine) RecentDecisions(ctx context.Context, symbol, ideaID string, limit int) ([]decision.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return e.store.ListRecords(ctx, store.RecordQuery{Symbol: symbol, IdeaID: ideaID, Limit: limit})
}
