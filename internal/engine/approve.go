package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tradewheel/autonomy/internal/decision"
	"github.com/tradewheel/autonomy/internal/risk"
)

var (
	// ErrIdeaNotFound is returned when no idea exists for the id.
	ErrIdeaNotFound = errors.New("idea not found")
	// ErrIdeaResolved is returned when the idea already left
	// pending_approval; a resolution happens at most once.
	ErrIdeaResolved = errors.New("idea already resolved")
	// ErrInvalidOverride is returned when an approval override fails
	// validation.
	ErrInvalidOverride = errors.New("invalid override")
)

// Overrides are the operator-adjustable order fields on approval. Nil
// fields keep the idea's values.
type Overrides struct {
	Volume     *float64 `json:"volume,omitempty"`
	Entry      *float64 `json:"entry,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
}

func (o Overrides) empty() bool {
	return o.Volume == nil && o.Entry == nil && o.StopLoss == nil && o.TakeProfit == nil
}

// Approve resolves a pending idea on behalf of a human. The per-trade
// risk checks are re-run against current config and account state
// before anything is sent, so an approval never acts on terms that
// went stale in the queue; a re-validation failure rejects the idea
// with the failing check and appends a fresh record, leaving the
// original proposal record untouched.
func (e *Engine) Approve(ctx context.Context, ideaID, by string, ov Overrides) (decision.TradeIdea, risk.GateDecision, error) {
	mu := e.ideaLock(ideaID)
	mu.Lock()
	defer mu.Unlock()

	idea, found, err := e.store.GetIdea(ctx, ideaID)
	if err != nil {
		return decision.TradeIdea{}, risk.GateDecision{}, fmt.Errorf("load idea %s: %w", ideaID, err)
	}
	if !found {
		return decision.TradeIdea{}, risk.GateDecision{}, fmt.Errorf("%w: %s", ErrIdeaNotFound, ideaID)
	}
	if idea.Status != decision.StatusPendingApproval {
		return idea, risk.GateDecision{}, fmt.Errorf("%w: %s is %s", ErrIdeaResolved, ideaID, idea.Status)
	}
	if err := e.applyOverrides(&idea, ov); err != nil {
		return idea, risk.GateDecision{}, err
	}

	account, err := e.accountView(ctx)
	if err != nil {
		return idea, risk.GateDecision{}, fmt.Errorf("account state: %w", err)
	}

	dec := e.gate.Revalidate(ctx, idea, account)
	rec := e.ideaRecord(&idea, dec)
	rec.HumanOverride = true

	if dec.Outcome == risk.OutcomeRejected {
		idea.Status = decision.StatusRejected
		idea.FailureReason = dec.Reason
		rec.Action = decision.RecordRiskRejected
		rec.Rationale = fmt.Sprintf("approval by %s rejected: %s", by, dec.Reason)
		if err := e.persistIdea(ctx, idea, rec); err != nil {
			return idea, dec, err
		}
		log.Warn().
			Str("idea_id", idea.ID).
			Str("by", by).
			Str("check", dec.CheckResult).
			Msg("approval rejected on re-validation")
		e.publish("idea", idea)
		return idea, dec, nil
	}

	rec.Action = decision.RecordHumanApproved
	if res, ok := e.dispatch(ctx, &idea); ok {
		if res.Status == "filled" {
			idea.Status = decision.StatusExecuted
		} else {
			// Pending order acknowledged at the venue, not yet filled.
			idea.Status = decision.StatusApproved
		}
		rec.Rationale = fmt.Sprintf("approved by %s", by)
		if !ov.empty() {
			rec.Rationale += " with overrides"
		}
	} else {
		rec.Rationale = fmt.Sprintf("approved by %s; execution failed: %s", by, idea.FailureReason)
	}
	if err := e.persistIdea(ctx, idea, rec); err != nil {
		return idea, dec, err
	}
	log.Info().
		Str("idea_id", idea.ID).
		Str("by", by).
		Str("status", string(idea.Status)).
		Msg("idea approved")
	e.publish("idea", idea)
	return idea, dec, nil
}

// Reject resolves a pending idea negatively. Terminal: a rejected idea
// cannot be re-approved.
func (e *Engine) Reject(ctx context.Context, ideaID, by, reason string) (decision.TradeIdea, error) {
	mu := e.ideaLock(ideaID)
	mu.Lock()
	defer mu.Unlock()

	idea, found, err := e.store.GetIdea(ctx, ideaID)
	if err != nil {
		return decision.TradeIdea{}, fmt.Errorf("load idea %s: %w", ideaID, err)
	}
	if !found {
		return decision.TradeIdea{}, fmt.Errorf("%w: %s", ErrIdeaNotFound, ideaID)
	}
	if idea.Status != decision.StatusPendingApproval {
		return idea, fmt.Errorf("%w: %s is %s", ErrIdeaResolved, ideaID, idea.Status)
	}

	if reason == "" {
		reason = "rejected by operator"
	}
	idea.Status = decision.StatusRejected
	idea.FailureReason = reason

	rec := e.ideaRecord(&idea, risk.GateDecision{})
	rec.Action = decision.RecordHumanRejected
	rec.HumanOverride = true
	rec.Rationale = fmt.Sprintf("rejected by %s: %s", by, reason)
	if err := e.persistIdea(ctx, idea, rec); err != nil {
		return idea, err
	}
	log.Info().Str("idea_id", idea.ID).Str("by", by).Msg("idea rejected")
	e.publish("idea", idea)
	return idea, nil
}

// applyOverrides validates and applies operator adjustments in place,
// then recomputes the risk/reward ratio from the final levels.
func (e *Engine) applyOverrides(idea *decision.TradeIdea, ov Overrides) error {
	if ov.empty() {
		return nil
	}
	if ov.Volume != nil {
		if *ov.Volume <= 0 {
			return fmt.Errorf("%w: volume %.2f must be positive", ErrInvalidOverride, *ov.Volume)
		}
		idea.Volume = e.profile(idea.Symbol).ClampVolume(*ov.Volume)
	}
	if ov.Entry != nil {
		if *ov.Entry <= 0 {
			return fmt.Errorf("%w: entry %.5f must be positive", ErrInvalidOverride, *ov.Entry)
		}
		idea.Entry = *ov.Entry
	}
	if ov.StopLoss != nil {
		if *ov.StopLoss <= 0 {
			return fmt.Errorf("%w: stop %.5f must be positive", ErrInvalidOverride, *ov.StopLoss)
		}
		idea.StopLoss = *ov.StopLoss
	}
	if ov.TakeProfit != nil {
		if *ov.TakeProfit <= 0 {
			return fmt.Errorf("%w: target %.5f must be positive", ErrInvalidOverride, *ov.TakeProfit)
		}
		idea.Targets = []float64{*ov.TakeProfit}
	}

	buy := strings.EqualFold(idea.Direction, "buy")
	if buy && idea.StopLoss >= idea.Entry {
		return fmt.Errorf("%w: buy stop %.5f must sit below entry %.5f", ErrInvalidOverride, idea.StopLoss, idea.Entry)
	}
	if !buy && idea.StopLoss <= idea.Entry {
		return fmt.Errorf("%w: sell stop %.5f must sit above entry %.5f", ErrInvalidOverride, idea.StopLoss, idea.Entry)
	}
	if len(idea.Targets) > 0 {
		target := idea.Targets[0]
		if buy && target <= idea.Entry {
			return fmt.Errorf("%w: buy target %.5f must sit above entry %.5f", ErrInvalidOverride, target, idea.Entry)
		}
		if !buy && target >= idea.Entry {
			return fmt.Errorf("%w: sell target %.5f must sit below entry %.5f", ErrInvalidOverride, target, idea.Entry)
		}
		stopDist := math.Abs(idea.Entry - idea.StopLoss)
		if stopDist > 0 {
			idea.RRRatio = math.Abs(target-idea.Entry) / stopDist
		}
	}
	return nil
}
