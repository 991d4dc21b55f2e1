package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tradewheel/autonomy/internal/facts"
	"github.com/tradewheel/autonomy/internal/strategy"
)

type stubBars struct {
	bars []facts.Bar
	err  error
}

func (s stubBars) GetBars(_ context.Context, _, _ string, _ int) ([]facts.Bar, error) {
	return s.bars, s.err
}

type stubNews struct {
	penalty int
	blocked bool
	err     error
}

func (s stubNews) GetNewsPenalty(_ context.Context, _ string, _ time.Duration) (int, bool, error) {
	return s.penalty, s.blocked, s.err
}

// uptrendBars produces a steadily rising window with a constant true
// range of 0.0015, so ATR is exact and every momentum fact fires.
func uptrendBars(n int) []facts.Bar {
	bars := make([]facts.Bar, n)
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		close := 1.1 + 0.001*float64(i)
		bars[i] = facts.Bar{
			Time:  start.Add(time.Duration(i) * time.Hour),
			Open:  close - 0.0008,
			High:  close + 0.0005,
			Low:   close - 0.0005,
			Close: close,
		}
	}
	return bars
}

func testRule() strategy.Rule {
	return strategy.Rule{
		ID:        "eurusd_h1",
		Symbol:    "EURUSD",
		Timeframe: "H1",
		Indicators: facts.Params{
			EMAFast: 9, EMASlow: 21, RSIPeriod: 14,
			MACDFast: 12, MACDSlow: 26, MACDSignal: 9, ATRPeriod: 14,
		},
		Conditions: strategy.Conditions{
			Entry:  []string{"ema_fast_gt_slow", "price_above_ema_fast"},
			Strong: []string{"macd_hist_gt_0"},
			Exit:   []string{"ema_fast_lt_slow"},
		},
		Execution: strategy.Execution{
			Direction:       "long",
			MinRR:           2.0,
			RiskCapPct:      0.03,
			ATRMultiplier:   1.5,
			RRTarget:        2.0,
			NewsEmbargoMins: 30,
		},
	}
}

func testEvaluator(t *testing.T, bars BarSource, news NewsSource) *Evaluator {
	t.Helper()
	reg := strategy.NewRegistry()
	reg.Replace([]strategy.Rule{testRule()})
	return NewEvaluator(bars, news, reg, EvaluatorConfig{
		Profiles: map[string]Profile{
			"EURUSD": {BestTimeframes: []string{"H1"}, BestSessions: []string{"London"}},
		},
		Now: func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) },
	})
}

func TestEvaluateUptrendProducesPendingIdea(t *testing.T) {
	ev, err := testEvaluator(t, stubBars{bars: uptrendBars(60)}, stubNews{}).
		Evaluate(context.Background(), "EURUSD", "H1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if !ev.Flags.Entry || !ev.Flags.Strong {
		t.Fatalf("uptrend should raise entry and strong, got %+v", ev.Flags)
	}
	if ev.Flags.Exit {
		t.Error("exit flag must not fire in an uptrend")
	}
	if ev.Session != "London" || !ev.Aligned {
		t.Errorf("noon UTC should align with London, got session=%s aligned=%v", ev.Session, ev.Aligned)
	}
	if ev.Confidence != 65 {
		t.Errorf("entry+strong+aligned: got confidence %d want 65", ev.Confidence)
	}
	if ev.Plan.Action != ActionPendingOnly {
		t.Errorf("confidence 65 schedules pending_only, got %s", ev.Plan.Action)
	}
	if ev.Plan.RiskPct != 0.015 {
		t.Errorf("pending risk: got %v want 0.015", ev.Plan.RiskPct)
	}

	idea := ev.Idea
	if idea == nil {
		t.Fatal("pending_only must carry a draft idea")
	}
	if idea.Status != StatusPendingApproval {
		t.Errorf("draft status: got %s", idea.Status)
	}
	if idea.Direction != "buy" {
		t.Errorf("long rule maps to buy, got %s", idea.Direction)
	}
	if idea.Level != LevelMedium {
		t.Errorf("level: got %s", idea.Level)
	}
	if !(idea.StopLoss < idea.Entry) {
		t.Errorf("buy stop must sit below entry: stop=%v entry=%v", idea.StopLoss, idea.Entry)
	}
	if len(idea.Targets) != 1 || !(idea.Targets[0] > idea.Entry) {
		t.Errorf("buy target must sit above entry: %v", idea.Targets)
	}
	if idea.RRRatio != 2.0 {
		t.Errorf("rr should equal rr_target on symmetric levels, got %v", idea.RRRatio)
	}
	if idea.Volume != 0.01 {
		t.Errorf("draft volume is the profile min lot, got %v", idea.Volume)
	}
	if idea.ID == "" || idea.SnapshotRef == "" || idea.SnapshotRef != ev.SnapshotRef {
		t.Errorf("idea must reference the evaluation snapshot: id=%q ref=%q", idea.ID, idea.SnapshotRef)
	}
}

func TestEvaluateObserveHasNoIdea(t *testing.T) {
	reg := strategy.NewRegistry()
	rule := testRule()
	// entry list that cannot hold in an uptrend keeps the score below 60
	rule.Conditions.Entry = []string{"ema_fast_lt_slow"}
	reg.Replace([]strategy.Rule{rule})
	e := NewEvaluator(stubBars{bars: uptrendBars(60)}, stubNews{}, reg, EvaluatorConfig{
		Now: func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) },
	})

	ev, err := e.Evaluate(context.Background(), "EURUSD", "H1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.Plan.Action != ActionObserve {
		t.Fatalf("got action %s want observe", ev.Plan.Action)
	}
	if ev.Idea != nil {
		t.Error("observe evaluations must not draft an idea")
	}
}

func TestEvaluateNewsFailureBlocksWindow(t *testing.T) {
	e := testEvaluator(t, stubBars{bars: uptrendBars(60)}, stubNews{err: errors.New("calendar down")})
	ev, err := e.Evaluate(context.Background(), "EURUSD", "H1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ev.NewsBlocked {
		t.Error("provider failure must mark the window blocked")
	}
	if ev.NewsPenalty != 0 {
		t.Errorf("provider failure must not invent a penalty, got %d", ev.NewsPenalty)
	}
	if ev.Idea == nil || !ev.Idea.NewsBlocked {
		t.Error("draft idea must carry the blocked marker")
	}
}

func TestEvaluateNewsPenaltyLowersScore(t *testing.T) {
	e := testEvaluator(t, stubBars{bars: uptrendBars(60)}, stubNews{penalty: -20})
	ev, err := e.Evaluate(context.Background(), "EURUSD", "H1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.Confidence != 45 {
		t.Errorf("65 with -20 penalty: got %d", ev.Confidence)
	}
	if ev.Plan.Action != ActionObserve {
		t.Errorf("45 schedules observe, got %s", ev.Plan.Action)
	}
}

func TestEvaluateShortWindow(t *testing.T) {
	e := testEvaluator(t, stubBars{bars: uptrendBars(20)}, stubNews{})
	_, err := e.Evaluate(context.Background(), "EURUSD", "H1")
	if !errors.Is(err, facts.ErrInsufficientData) {
		t.Fatalf("want ErrInsufficientData, got %v", err)
	}
}

func TestEvaluateUnknownPair(t *testing.T) {
	e := testEvaluator(t, stubBars{bars: uptrendBars(60)}, stubNews{})
	_, err := e.Evaluate(context.Background(), "GBPJPY", "H1")
	if !errors.Is(err, ErrNoStrategy) {
		t.Fatalf("want ErrNoStrategy, got %v", err)
	}
}

func TestEvaluateDeterministicForFixedWindow(t *testing.T) {
	e := testEvaluator(t, stubBars{bars: uptrendBars(60)}, stubNews{})
	first, err := e.Evaluate(context.Background(), "EURUSD", "H1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	for i := 0; i < 5; i++ {
		got, err := e.Evaluate(context.Background(), "EURUSD", "H1")
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if got.Confidence != first.Confidence || got.Plan != first.Plan || got.Breakdown != first.Breakdown {
			t.Fatalf("run %d diverged: %+v vs %+v", i, got.Plan, first.Plan)
		}
	}
}

func TestEvaluateLowercaseSymbol(t *testing.T) {
	e := testEvaluator(t, stubBars{bars: uptrendBars(60)}, stubNews{})
	ev, err := e.Evaluate(context.Background(), "eurusd", "H1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.Symbol != "EURUSD" {
		t.Errorf("symbol should be canonicalized, got %s", ev.Symbol)
	}
}
