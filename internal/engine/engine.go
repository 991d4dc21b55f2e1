// Package engine is the orchestration facade: it owns the evaluation
// path from pipeline run through gate verdict to order dispatch and
// audit persistence, the approval/rejection entry points, and the
// autonomy loop lifecycle. All concurrency guards live here: one mutex
// per (symbol, timeframe) pair and one per trade idea.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tradewheel/autonomy/internal/adapters"
	"github.com/tradewheel/autonomy/internal/decision"
	"github.com/tradewheel/autonomy/internal/facts"
	"github.com/tradewheel/autonomy/internal/loop"
	"github.com/tradewheel/autonomy/internal/observ"
	"github.com/tradewheel/autonomy/internal/outbox"
	"github.com/tradewheel/autonomy/internal/portfolio"
	"github.com/tradewheel/autonomy/internal/risk"
	"github.com/tradewheel/autonomy/internal/store"
	"github.com/tradewheel/autonomy/internal/strategy"
)

var log = observ.Component("engine")

// ErrBusy is returned by Evaluate without force while another
// evaluation of the same pair is in flight.
var ErrBusy = errors.New("evaluation already in flight for pair")

// Pipeline runs one scoring pass for a pair. Satisfied by
// *decision.Evaluator.
type Pipeline interface {
	Evaluate(ctx context.Context, symbol, timeframe string) (*decision.Evaluation, error)
}

// Sink receives engine lifecycle events for live observers. Publish
// must not block; a nil sink drops everything.
type Sink interface {
	Publish(event string, payload interface{})
}

// AccountSource supplies broker account state. Satisfied by any
// adapters.BarProvider.
type AccountSource interface {
	GetAccountState(ctx context.Context) (adapters.AccountState, error)
}

// Deps wires the engine's collaborators. All fields are required
// except Now.
type Deps struct {
	Pipeline Pipeline
	Gate     *risk.Gate
	Ctrl     *risk.Controller
	Store    store.Store
	Rules    *strategy.Registry
	Tracker  *portfolio.Tracker
	Account  AccountSource
	Broker   adapters.Executor
	Journal  *outbox.Journal
	Profiles map[string]decision.Profile
	Loop     loop.Config
	Events   Sink
	Now      func() time.Time
}

// Engine coordinates one evaluation at a time per pair and at most one
// concurrent resolution per idea. It never retries order placement.
type Engine struct {
	pipe     Pipeline
	gate     *risk.Gate
	ctrl     *risk.Controller
	store    store.Store
	rules    *strategy.Registry
	tracker  *portfolio.Tracker
	account  AccountSource
	broker   adapters.Executor
	journal  *outbox.Journal
	profiles map[string]decision.Profile
	runner   *loop.Runner
	events   Sink
	now      func() time.Time

	pairMu    sync.Mutex
	pairLocks map[string]*sync.Mutex
	ideaMu    sync.Mutex
	ideaLocks map[string]*sync.Mutex
}

// New builds the engine and its loop runner. The loop sweeps every
// active rule pair in the registry at construction time.
func New(d Deps) *Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	e := &Engine{
		pipe:      d.Pipeline,
		gate:      d.Gate,
		ctrl:      d.Ctrl,
		store:     d.Store,
		rules:     d.Rules,
		tracker:   d.Tracker,
		account:   d.Account,
		broker:    d.Broker,
		journal:   d.Journal,
		profiles:  d.Profiles,
		events:    d.Events,
		now:       d.Now,
		pairLocks: map[string]*sync.Mutex{},
		ideaLocks: map[string]*sync.Mutex{},
	}
	keys := d.Rules.ActiveKeys()
	pairs := make([]loop.Pair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, loop.Pair{Symbol: k.Symbol, Timeframe: k.Timeframe})
	}
	e.runner = loop.New(e.loopEvaluate, pairs, d.Loop)
	return e
}

func (e *Engine) pairLock(symbol, timeframe string) *sync.Mutex {
	key := strings.ToUpper(symbol) + "|" + timeframe
	e.pairMu.Lock()
	defer e.pairMu.Unlock()
	mu, ok := e.pairLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.pairLocks[key] = mu
	}
	return mu
}

func (e *Engine) ideaLock(id string) *sync.Mutex {
	e.ideaMu.Lock()
	defer e.ideaMu.Unlock()
	mu, ok := e.ideaLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.ideaLocks[id] = mu
	}
	return mu
}

func (e *Engine) profile(symbol string) decision.Profile {
	return e.profiles[strings.ToUpper(symbol)].Normalize()
}

func (e *Engine) publish(event string, payload interface{}) {
	if e.events != nil {
		e.events.Publish(event, payload)
	}
}

// Evaluate runs one full evaluation for a pair on behalf of a caller.
// Without force it refuses to queue behind an in-flight evaluation of
// the same pair and returns ErrBusy; with force it waits its turn.
func (e *Engine) Evaluate(ctx context.Context, symbol, timeframe string, force bool) (*decision.Evaluation, error) {
	mu := e.pairLock(symbol, timeframe)
	if force {
		mu.Lock()
	} else if !mu.TryLock() {
		return nil, fmt.Errorf("%w: %s:%s", ErrBusy, strings.ToUpper(symbol), timeframe)
	}
	defer mu.Unlock()
	return e.evaluateLocked(ctx, symbol, timeframe)
}

// loopEvaluate is the loop callback. A pair whose previous evaluation
// is still running is skipped, not queued.
func (e *Engine) loopEvaluate(ctx context.Context, symbol, timeframe string) (bool, error) {
	mu := e.pairLock(symbol, timeframe)
	if !mu.TryLock() {
		return true, nil
	}
	defer mu.Unlock()
	_, err := e.evaluateLocked(ctx, symbol, timeframe)
	return false, err
}

// evaluateLocked is the single evaluation path; callers hold the pair
// lock. Order of operations: pipeline, account snapshot, sizing, gate,
// dispatch, persist. The idea and its decision record are persisted
// for every gate outcome; a persistence failure is escalated as a
// critical loop error.
func (e *Engine) evaluateLocked(ctx context.Context, symbol, timeframe string) (*decision.Evaluation, error) {
	ev, err := e.pipe.Evaluate(ctx, symbol, timeframe)
	if err != nil {
		observ.EvaluationErrors.WithLabelValues(strings.ToUpper(symbol), errKind(err)).Inc()
		return nil, err
	}
	observ.Evaluations.WithLabelValues(ev.Symbol, ev.Timeframe, string(ev.Plan.Action)).Inc()
	if ev.Idea == nil {
		return ev, nil
	}
	idea := ev.Idea

	account, err := e.accountView(ctx)
	if err != nil {
		observ.EvaluationErrors.WithLabelValues(ev.Symbol, "account").Inc()
		return nil, fmt.Errorf("account state: %w", err)
	}

	// Size before the gate so the lot cap judges the real request, not
	// the pipeline's minimum-lot placeholder.
	idea.Volume = SizeVolume(e.profile(idea.Symbol), account.Equity, idea.Plan.RiskPct, idea.Entry, idea.StopLoss)

	dec, gateErr := e.gate.Evaluate(ctx, *idea, account)

	rec := e.ideaRecord(idea, dec)
	switch dec.Outcome {
	case risk.OutcomeHalted:
		idea.Status = decision.StatusHaltedByRisk
		idea.FailureReason = dec.Reason
		rec.Action = decision.RecordRiskRejected
	case risk.OutcomeRejected:
		idea.Status = decision.StatusRejected
		idea.FailureReason = dec.Reason
		rec.Action = decision.RecordRiskRejected
	case risk.OutcomeNeedsApproval:
		idea.Status = decision.StatusPendingApproval
		rec.Action = decision.RecordProposed
		rec.Rationale = idea.Rationale
	case risk.OutcomeAutoExecute:
		rec.Action = decision.RecordAutoExecuted
		if res, ok := e.dispatch(ctx, idea); ok {
			idea.Status = decision.StatusAutoExecuted
			rec.Rationale = fmt.Sprintf("auto-executed %s %s %.2f lots at %.5f", idea.Direction, idea.Symbol, idea.Volume, res.FilledPrice)
		} else {
			rec.Rationale = "execution failed: " + idea.FailureReason
		}
	}

	if err := e.persistIdea(ctx, *idea, rec); err != nil {
		return ev, err
	}
	if gateErr != nil {
		// The halt transition holds in memory; the failed write still
		// has to stop the loop.
		return ev, fmt.Errorf("persist halt transition: %w", errors.Join(loop.ErrCritical, gateErr))
	}

	log.Info().
		Str("symbol", idea.Symbol).
		Str("timeframe", idea.Timeframe).
		Str("idea_id", idea.ID).
		Int("confidence", idea.Confidence).
		Str("outcome", string(dec.Outcome)).
		Str("check", dec.CheckResult).
		Str("status", string(idea.Status)).
		Msg("idea gated")
	e.publish("idea", *idea)
	return ev, nil
}

// accountView assembles the gate's account slice from the broker
// account snapshot and the local portfolio state. The equity mark
// feeds the drawdown high-water computation as a side effect.
func (e *Engine) accountView(ctx context.Context) (risk.AccountView, error) {
	st, err := e.account.GetAccountState(ctx)
	if err != nil {
		return risk.AccountView{}, err
	}
	if err := e.tracker.MarkEquity(st.Equity); err != nil {
		// Stale portfolio file degrades tracking, not gating.
		log.Error().Err(err).Msg("portfolio equity mark failed")
	}
	return risk.AccountView{
		Equity:         st.Equity,
		Balance:        st.Balance,
		DailyRealized:  e.tracker.DailyRealized(),
		Drawdown:       e.tracker.Drawdown(),
		OpenAutonomous: e.tracker.OpenCount(),
	}, nil
}

// dispatch sends the idea to the broker exactly once. The intent line
// goes to the journal before the call; without that evidence no order
// leaves the engine. On failure the idea is marked failed_execution
// and ok is false; the caller persists either way.
func (e *Engine) dispatch(ctx context.Context, idea *decision.TradeIdea) (res adapters.OrderResult, ok bool) {
	seen, err := e.journal.HasDispatch(idea.ID)
	if err != nil {
		return res, e.failDispatch(idea, fmt.Sprintf("outbox unreadable: %v", err))
	}
	if seen {
		// A prior intent without a recorded outcome means the order may
		// already be working at the venue. Never send it again.
		observ.OrdersSuppressed.Inc()
		return res, e.failDispatch(idea, "dispatch suppressed: outbox already holds an intent for this idea")
	}

	kind := "pending"
	if idea.Plan.Action == decision.ActionOpenOrScale {
		kind = "market"
	}
	now := e.now().UTC()
	if err := e.journal.RecordDispatch(outbox.Dispatch{
		IdeaID:    idea.ID,
		Symbol:    idea.Symbol,
		Direction: idea.Direction,
		Volume:    idea.Volume,
		Kind:      kind,
		At:        now,
	}); err != nil {
		return res, e.failDispatch(idea, fmt.Sprintf("outbox write failed: %v", err))
	}
	observ.OrdersDispatched.Inc()

	var target float64
	if len(idea.Targets) > 0 {
		target = idea.Targets[0]
	}
	res, err = e.broker.PlaceOrder(ctx, adapters.OrderSpec{
		IdeaID:     idea.ID,
		Symbol:     idea.Symbol,
		Direction:  idea.Direction,
		Volume:     idea.Volume,
		Price:      idea.Entry,
		StopLoss:   idea.StopLoss,
		TakeProfit: target,
		Kind:       kind,
		Comment:    "autonomy:" + idea.StrategyID,
	})
	if err != nil {
		observ.OrdersFailed.Inc()
		if jerr := e.journal.RecordResult(outbox.Result{
			IdeaID: idea.ID,
			Status: "failed",
			Error:  err.Error(),
			At:     e.now().UTC(),
		}); jerr != nil {
			log.Error().Err(jerr).Str("idea_id", idea.ID).Msg("outbox result write failed")
		}
		return res, e.failDispatch(idea, err.Error())
	}

	if jerr := e.journal.RecordResult(outbox.Result{
		IdeaID:      idea.ID,
		OrderID:     res.OrderID,
		FilledPrice: res.FilledPrice,
		Status:      res.Status,
		LatencyMs:   res.LatencyMs,
		At:          e.now().UTC(),
	}); jerr != nil {
		log.Error().Err(jerr).Str("idea_id", idea.ID).Msg("outbox result write failed")
	}

	idea.OrderID = res.OrderID
	idea.FilledPrice = res.FilledPrice
	if res.Status == "filled" {
		if err := e.tracker.RecordOpen(portfolio.OpenPosition{
			Ticket:     res.OrderID,
			IdeaID:     idea.ID,
			Symbol:     idea.Symbol,
			Direction:  idea.Direction,
			Volume:     idea.Volume,
			OpenPrice:  res.FilledPrice,
			StopLoss:   idea.StopLoss,
			TakeProfit: target,
			OpenedAt:   e.now().UTC(),
		}); err != nil {
			// Order is live regardless; tracking catches up on the next
			// reconcile.
			log.Error().Err(err).Str("idea_id", idea.ID).Msg("portfolio open record failed")
		}
	}
	log.Info().
		Str("idea_id", idea.ID).
		Str("order_id", res.OrderID).
		Str("status", res.Status).
		Float64("filled", res.FilledPrice).
		Int64("latency_ms", res.LatencyMs).
		Msg("order dispatched")
	return res, true
}

func (e *Engine) failDispatch(idea *decision.TradeIdea, reason string) bool {
	idea.Status = decision.StatusFailedExecution
	idea.FailureReason = reason
	log.Error().Str("idea_id", idea.ID).Str("reason", reason).Msg("dispatch failed")
	return false
}

// persistIdea writes the idea and its audit record. Failures wrap
// loop.ErrCritical: an audit trail that cannot be written stops the
// loop rather than trading blind.
func (e *Engine) persistIdea(ctx context.Context, idea decision.TradeIdea, rec decision.Record) error {
	if err := e.store.SaveIdea(ctx, idea); err != nil {
		observ.EvaluationErrors.WithLabelValues(idea.Symbol, "persistence").Inc()
		return fmt.Errorf("save idea %s: %w", idea.ID, errors.Join(loop.ErrCritical, err))
	}
	if err := e.store.AppendRecord(ctx, rec); err != nil {
		observ.EvaluationErrors.WithLabelValues(idea.Symbol, "persistence").Inc()
		return fmt.Errorf("append record for idea %s: %w", idea.ID, errors.Join(loop.ErrCritical, err))
	}
	return nil
}

func (e *Engine) ideaRecord(idea *decision.TradeIdea, dec risk.GateDecision) decision.Record {
	rec := decision.NewRecord(e.now(), decision.RecordProposed)
	rec.Symbol = idea.Symbol
	conf := idea.Confidence
	rec.Confidence = &conf
	rec.RiskCheckResult = dec.CheckResult
	rec.StrategyID = idea.StrategyID
	rec.TradeIdeaID = idea.ID
	rec.SnapshotRef = idea.SnapshotRef
	rec.Rationale = dec.Reason
	return rec
}

// errKind buckets evaluation failures for the error counter.
func errKind(err error) string {
	var perr *adapters.ProviderError
	switch {
	case errors.Is(err, decision.ErrNoStrategy):
		return "no_strategy"
	case errors.Is(err, facts.ErrInsufficientData):
		return "insufficient_data"
	case errors.As(err, &perr):
		return "provider"
	default:
		return "internal"
	}
}
