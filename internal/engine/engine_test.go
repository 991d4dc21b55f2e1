package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tradewheel/autonomy/internal/adapters"
	"github.com/tradewheel/autonomy/internal/decision"
	"github.com/tradewheel/autonomy/internal/facts"
	"github.com/tradewheel/autonomy/internal/loop"
	"github.com/tradewheel/autonomy/internal/outbox"
	"github.com/tradewheel/autonomy/internal/portfolio"
	"github.com/tradewheel/autonomy/internal/risk"
	"github.com/tradewheel/autonomy/internal/store"
	"github.com/tradewheel/autonomy/internal/strategy"
)

// stubPipeline scripts evaluations per pair. Unless fixedID is set it
// mints a fresh idea id per call, like the real pipeline.
type stubPipeline struct {
	mu      sync.Mutex
	evals   map[string]*decision.Evaluation
	errs    map[string]error
	fixedID bool
	calls   int
}

func newStubPipeline() *stubPipeline {
	return &stubPipeline{
		evals: make(map[string]*decision.Evaluation),
		errs:  make(map[string]error),
	}
}

func (s *stubPipeline) set(symbol, timeframe string, ev *decision.Evaluation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evals[strings.ToUpper(symbol)+"|"+timeframe] = ev
}

func (s *stubPipeline) fail(symbol, timeframe string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[strings.ToUpper(symbol)+"|"+timeframe] = err
}

func (s *stubPipeline) Evaluate(_ context.Context, symbol, timeframe string) (*decision.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	key := strings.ToUpper(symbol) + "|" + timeframe
	if err := s.errs[key]; err != nil {
		return nil, err
	}
	ev, ok := s.evals[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", decision.ErrNoStrategy, symbol, timeframe)
	}
	cp := *ev
	if ev.Idea != nil {
		idea := *ev.Idea
		if !s.fixedID {
			idea.ID = decision.NewID()
		}
		cp.Idea = &idea
	}
	return &cp, nil
}

type harness struct {
	eng     *Engine
	pipe    *stubPipeline
	feed    *adapters.MockFeed
	broker  *adapters.MockBroker
	journal *outbox.Journal
	store   store.Store
	tracker *portfolio.Tracker
	ctrl    *risk.Controller
}

func testRule() strategy.Rule {
	return strategy.Rule{
		ID:        "trend-eurusd-h1",
		Symbol:    "EURUSD",
		Timeframe: "H1",
		Conditions: strategy.Conditions{
			Entry: []string{"ema20_above_ema50"},
		},
		Execution: strategy.Execution{
			Direction:  "long",
			MinRR:      2.0,
			RiskCapPct: 0.03,
			RRTarget:   2.0,
		},
	}
}

// gateConfig allows autonomy with a confidence bar of 75, a 1.0 lot
// cap and two concurrent trades.
func gateConfig() risk.Config {
	cfg := risk.DefaultConfig()
	cfg.Enabled = true
	cfg.MinConfidence = 75
	cfg.MaxLotSize = 1.0
	cfg.MaxConcurrentTrades = 2
	return cfg
}

func newHarness(t *testing.T, cfg risk.Config) *harness {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	st, err := store.Open(ctx, store.Options{Backend: "jsonl", Dir: dir})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	journal, err := outbox.New(filepath.Join(dir, "outbox.jsonl"))
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}

	ctrl := risk.NewController(cfg, st, st, nil)
	rules := strategy.NewRegistry(testRule())
	gate := risk.NewGate(ctrl, rules, []string{"EURUSD", "GBPUSD"})
	tracker := portfolio.NewTracker(filepath.Join(dir, "portfolio.json"))
	pipe := newStubPipeline()
	feed := adapters.NewMockFeed()
	broker := adapters.NewMockBroker()

	eng := New(Deps{
		Pipeline: pipe,
		Gate:     gate,
		Ctrl:     ctrl,
		Store:    st,
		Rules:    rules,
		Tracker:  tracker,
		Account:  feed,
		Broker:   broker,
		Journal:  journal,
		Profiles: map[string]decision.Profile{"EURUSD": {}},
		Loop:     loop.Config{Interval: time.Hour},
	})
	return &harness{
		eng:     eng,
		pipe:    pipe,
		feed:    feed,
		broker:  broker,
		journal: journal,
		store:   st,
		tracker: tracker,
		ctrl:    ctrl,
	}
}

// buyEvaluation scripts a long EURUSD H1 idea at 1.1042 with a 22-pip
// stop and RR 2.0.
func buyEvaluation(confidence int, action decision.Action, riskPct float64) *decision.Evaluation {
	idea := &decision.TradeIdea{
		ID:          decision.NewID(),
		CreatedAt:   time.Now().UTC(),
		Symbol:      "EURUSD",
		Timeframe:   "H1",
		Direction:   "buy",
		Entry:       1.1042,
		StopLoss:    1.1020,
		Targets:     []float64{1.1086},
		Volume:      0.01,
		RRRatio:     2.0,
		Confidence:  confidence,
		Level:       decision.LevelFor(confidence),
		Plan:        decision.Plan{Action: action, RiskPct: riskPct},
		Status:      decision.StatusPendingApproval,
		StrategyID:  "trend-eurusd-h1",
		SnapshotRef: decision.NewID(),
		Rationale:   "entry conditions met",
	}
	return &decision.Evaluation{
		Symbol:      "EURUSD",
		Timeframe:   "H1",
		Confidence:  confidence,
		Plan:        idea.Plan,
		Idea:        idea,
		SnapshotRef: idea.SnapshotRef,
		EvaluatedAt: idea.CreatedAt,
	}
}

func mustEvaluate(t *testing.T, h *harness) *decision.Evaluation {
	t.Helper()
	ev, err := h.eng.Evaluate(context.Background(), "EURUSD", "H1", false)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	return ev
}

func storedIdea(t *testing.T, h *harness, id string) decision.TradeIdea {
	t.Helper()
	idea, found, err := h.store.GetIdea(context.Background(), id)
	if err != nil || !found {
		t.Fatalf("stored idea %s: found=%v err=%v", id, found, err)
	}
	return idea
}

func recordsFor(t *testing.T, h *harness, ideaID string) []decision.Record {
	t.Helper()
	recs, err := h.store.ListRecords(context.Background(), store.RecordQuery{IdeaID: ideaID})
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	return recs
}

func countAction(recs []decision.Record, action decision.RecordAction) int {
	n := 0
	for _, r := range recs {
		if r.Action == action {
			n++
		}
	}
	return n
}

func TestAutoExecutionEndToEnd(t *testing.T) {
	h := newHarness(t, gateConfig())
	// 10000 equity at 1.1% risk over a 22-pip stop sizes to 0.5 lots.
	h.pipe.set("EURUSD", "H1", buyEvaluation(80, decision.ActionOpenOrScale, 0.011))

	ev := mustEvaluate(t, h)
	if ev.Idea == nil {
		t.Fatal("expected an idea")
	}
	idea := storedIdea(t, h, ev.Idea.ID)

	if idea.Status != decision.StatusAutoExecuted {
		t.Fatalf("status = %s, want %s", idea.Status, decision.StatusAutoExecuted)
	}
	if idea.Volume != 0.5 {
		t.Errorf("sized volume = %.2f, want 0.50", idea.Volume)
	}
	if idea.OrderID != "mock-order-1" {
		t.Errorf("order id = %q", idea.OrderID)
	}

	placed := h.broker.Placed()
	if len(placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(placed))
	}
	if placed[0].Kind != "market" || placed[0].Volume != 0.5 || placed[0].Symbol != "EURUSD" {
		t.Errorf("order spec = %+v", placed[0])
	}

	if seen, err := h.journal.HasDispatch(idea.ID); err != nil || !seen {
		t.Errorf("outbox intent missing: seen=%v err=%v", seen, err)
	}
	if h.tracker.OpenCount() != 1 {
		t.Errorf("open count = %d, want 1", h.tracker.OpenCount())
	}

	recs := recordsFor(t, h, idea.ID)
	if len(recs) != 1 || recs[0].Action != decision.RecordAutoExecuted {
		t.Fatalf("records = %+v, want one auto_executed", recs)
	}
	if recs[0].RiskCheckResult != risk.CheckPass {
		t.Errorf("check result = %q, want pass", recs[0].RiskCheckResult)
	}
}

func TestConcurrencyCapRejects(t *testing.T) {
	h := newHarness(t, gateConfig())
	for i := 0; i < 2; i++ {
		if err := h.tracker.RecordOpen(portfolio.OpenPosition{
			Ticket: fmt.Sprintf("t-%d", i), Symbol: "EURUSD", Direction: "buy",
			Volume: 0.1, OpenPrice: 1.10, OpenedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("seed position: %v", err)
		}
	}
	h.pipe.set("EURUSD", "H1", buyEvaluation(80, decision.ActionOpenOrScale, 0.011))

	ev := mustEvaluate(t, h)
	idea := storedIdea(t, h, ev.Idea.ID)

	if idea.Status != decision.StatusRejected {
		t.Fatalf("status = %s, want rejected", idea.Status)
	}
	if len(h.broker.Placed()) != 0 {
		t.Error("rejected idea must not reach the broker")
	}
	recs := recordsFor(t, h, idea.ID)
	if len(recs) != 1 || recs[0].Action != decision.RecordRiskRejected {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].RiskCheckResult != risk.CheckMaxConcurrent {
		t.Errorf("check result = %q, want %q", recs[0].RiskCheckResult, risk.CheckMaxConcurrent)
	}
}

func TestDisabledGateHaltsEveryIdea(t *testing.T) {
	cfg := gateConfig()
	cfg.Enabled = false
	h := newHarness(t, cfg)
	h.pipe.set("EURUSD", "H1", buyEvaluation(95, decision.ActionOpenOrScale, 0.011))

	ev := mustEvaluate(t, h)
	idea := storedIdea(t, h, ev.Idea.ID)

	if idea.Status != decision.StatusHaltedByRisk {
		t.Fatalf("status = %s, want halted_by_risk", idea.Status)
	}
	if len(h.broker.Placed()) != 0 {
		t.Error("halted idea must not reach the broker")
	}
	recs := recordsFor(t, h, idea.ID)
	if len(recs) != 1 || recs[0].RiskCheckResult != risk.CheckAITradingDisabled {
		t.Fatalf("records = %+v", recs)
	}
}

func TestDrawdownBreachHaltsExactlyOnce(t *testing.T) {
	cfg := gateConfig()
	cfg.MaxDrawdown = 500
	h := newHarness(t, cfg)

	// Peak at 10000, then the account snapshot reports 9400: 600 down.
	if err := h.tracker.MarkEquity(10000); err != nil {
		t.Fatalf("mark equity: %v", err)
	}
	h.feed.SetAccount(adapters.AccountState{Balance: 9400, Equity: 9400, Currency: "USD"})

	h.pipe.set("EURUSD", "H1", buyEvaluation(80, decision.ActionOpenOrScale, 0.011))
	gbp := buyEvaluation(80, decision.ActionOpenOrScale, 0.011)
	gbp.Symbol = "GBPUSD"
	gbp.Idea.Symbol = "GBPUSD"
	h.pipe.set("GBPUSD", "H1", gbp)

	ev1 := mustEvaluate(t, h)
	ev2, err := h.eng.Evaluate(context.Background(), "GBPUSD", "H1", false)
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}

	if h.ctrl.Enabled() {
		t.Fatal("controller should be halted")
	}
	first := storedIdea(t, h, ev1.Idea.ID)
	second := storedIdea(t, h, ev2.Idea.ID)
	if first.Status != decision.StatusHaltedByRisk || second.Status != decision.StatusHaltedByRisk {
		t.Fatalf("statuses = %s, %s", first.Status, second.Status)
	}

	all, err := h.store.ListRecords(context.Background(), store.RecordQuery{})
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if n := countAction(all, decision.RecordHalted); n != 1 {
		t.Fatalf("halted records = %d, want exactly 1", n)
	}
	// The breach names drawdown; the idea gated after the flip sees the
	// disabled switch instead.
	if recs := recordsFor(t, h, first.ID); recs[0].RiskCheckResult != risk.CheckMaxDrawdown {
		t.Errorf("first check = %q", recs[0].RiskCheckResult)
	}
	if recs := recordsFor(t, h, second.ID); recs[0].RiskCheckResult != risk.CheckAITradingDisabled {
		t.Errorf("second check = %q", recs[0].RiskCheckResult)
	}
}

func TestLowConfidenceNeedsApproval(t *testing.T) {
	h := newHarness(t, gateConfig())
	// Confidence 65 sits under the 75 bar; the idea reaches a human
	// instead of being rejected.
	h.pipe.set("EURUSD", "H1", buyEvaluation(65, decision.ActionPendingOnly, 0.0055))

	ev := mustEvaluate(t, h)
	idea := storedIdea(t, h, ev.Idea.ID)

	if idea.Status != decision.StatusPendingApproval {
		t.Fatalf("status = %s, want pending_approval", idea.Status)
	}
	if idea.Volume != 0.25 {
		t.Errorf("half-risk volume = %.2f, want 0.25", idea.Volume)
	}
	if len(h.broker.Placed()) != 0 {
		t.Error("pending idea must not reach the broker")
	}
	recs := recordsFor(t, h, idea.ID)
	if len(recs) != 1 || recs[0].Action != decision.RecordProposed {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].RiskCheckResult != risk.CheckMinConfidence {
		t.Errorf("check result = %q, want %q", recs[0].RiskCheckResult, risk.CheckMinConfidence)
	}
}

func TestExecutionFailureIsNeverSilent(t *testing.T) {
	h := newHarness(t, gateConfig())
	h.broker.SetError(&adapters.ExecError{Op: "place_order", Symbol: "EURUSD", Cause: errors.New("terminal gone")})
	h.pipe.set("EURUSD", "H1", buyEvaluation(80, decision.ActionOpenOrScale, 0.011))

	ev := mustEvaluate(t, h)
	idea := storedIdea(t, h, ev.Idea.ID)

	if idea.Status != decision.StatusFailedExecution {
		t.Fatalf("status = %s, want failed_execution", idea.Status)
	}
	if idea.FailureReason == "" {
		t.Error("failure reason must be set")
	}
	if seen, _ := h.journal.HasDispatch(idea.ID); !seen {
		t.Error("intent must be journaled before the broker call")
	}
	recs := recordsFor(t, h, idea.ID)
	if len(recs) != 1 || recs[0].Action != decision.RecordAutoExecuted {
		t.Fatalf("records = %+v", recs)
	}
	if !strings.Contains(recs[0].Rationale, "execution failed") {
		t.Errorf("rationale = %q", recs[0].Rationale)
	}
	if h.tracker.OpenCount() != 0 {
		t.Error("failed execution must not open a position")
	}
}

func TestDuplicateDispatchIsSuppressed(t *testing.T) {
	h := newHarness(t, gateConfig())
	h.pipe.fixedID = true
	h.pipe.set("EURUSD", "H1", buyEvaluation(80, decision.ActionOpenOrScale, 0.011))

	ev := mustEvaluate(t, h)
	if got := storedIdea(t, h, ev.Idea.ID).Status; got != decision.StatusAutoExecuted {
		t.Fatalf("first pass status = %s", got)
	}

	// Same idea id resurfacing must not produce a second order.
	ev2 := mustEvaluate(t, h)
	idea := storedIdea(t, h, ev2.Idea.ID)
	if idea.Status != decision.StatusFailedExecution {
		t.Fatalf("second pass status = %s, want failed_execution", idea.Status)
	}
	if !strings.Contains(idea.FailureReason, "suppressed") {
		t.Errorf("failure reason = %q", idea.FailureReason)
	}
	if len(h.broker.Placed()) != 1 {
		t.Fatalf("placed %d orders, want 1", len(h.broker.Placed()))
	}
}

func TestObserveLeavesNoArtifacts(t *testing.T) {
	h := newHarness(t, gateConfig())
	h.pipe.set("EURUSD", "H1", &decision.Evaluation{
		Symbol: "EURUSD", Timeframe: "H1", Confidence: 40,
		Plan: decision.Plan{Action: decision.ActionObserve},
	})

	ev := mustEvaluate(t, h)
	if ev.Idea != nil {
		t.Fatal("observe must not carry an idea")
	}
	pending, err := h.eng.PendingIdeas(context.Background())
	if err != nil || len(pending) != 0 {
		t.Errorf("pending = %v err = %v", pending, err)
	}
	recs, err := h.store.ListRecords(context.Background(), store.RecordQuery{})
	if err != nil || len(recs) != 0 {
		t.Errorf("records = %v err = %v", recs, err)
	}
}

func TestEvaluateBusyPairNeedsForce(t *testing.T) {
	h := newHarness(t, gateConfig())
	h.pipe.set("EURUSD", "H1", buyEvaluation(80, decision.ActionOpenOrScale, 0.011))

	mu := h.eng.pairLock("EURUSD", "H1")
	mu.Lock()
	_, err := h.eng.Evaluate(context.Background(), "EURUSD", "H1", false)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	mu.Unlock()

	if _, err := h.eng.Evaluate(context.Background(), "EURUSD", "H1", false); err != nil {
		t.Fatalf("after unlock: %v", err)
	}
}

func TestPipelineErrorsAreClassified(t *testing.T) {
	h := newHarness(t, gateConfig())
	h.pipe.fail("EURUSD", "H1", fmt.Errorf("derive: %w", facts.ErrInsufficientData))

	_, err := h.eng.Evaluate(context.Background(), "EURUSD", "H1", false)
	if !errors.Is(err, facts.ErrInsufficientData) {
		t.Fatalf("err = %v, want insufficient data", err)
	}
	if kind := errKind(err); kind != "insufficient_data" {
		t.Errorf("kind = %q", kind)
	}
	if kind := errKind(fmt.Errorf("x: %w", decision.ErrNoStrategy)); kind != "no_strategy" {
		t.Errorf("kind = %q", kind)
	}
	if kind := errKind(&adapters.ProviderError{Type: "network", Message: "down"}); kind != "provider" {
		t.Errorf("kind = %q", kind)
	}
}
