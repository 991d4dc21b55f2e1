package engine

import (
	"context"
	"testing"
	"time"

	"github.com/tradewheel/autonomy/internal/decision"
	"github.com/tradewheel/autonomy/internal/risk"
	"github.com/tradewheel/autonomy/internal/store"
)

func TestKillSwitchSweepsPendingIdeas(t *testing.T) {
	h := newHarness(t, gateConfig())
	first := seedPending(t, h, 80, decision.ActionOpenOrScale)
	second := seedPending(t, h, 70, decision.ActionPendingOnly)

	rejected := seedPending(t, h, 60, decision.ActionPendingOnly)
	if _, err := h.eng.Reject(context.Background(), rejected.ID, "raj", "not today"); err != nil {
		t.Fatalf("seed reject: %v", err)
	}

	status, swept, err := h.eng.KillSwitch(context.Background(), "raj", "flash crash")
	if err != nil {
		t.Fatalf("kill switch: %v", err)
	}
	if status.Enabled {
		t.Fatal("autonomy must be disabled")
	}
	if status.Trigger != risk.TriggerKillSwitch {
		t.Errorf("trigger = %s", status.Trigger)
	}
	if swept != 2 {
		t.Fatalf("swept = %d, want 2", swept)
	}

	for _, id := range []string{first.ID, second.ID} {
		if got := storedIdea(t, h, id).Status; got != decision.StatusHaltedByRisk {
			t.Errorf("idea %s status = %s, want halted_by_risk", id, got)
		}
	}
	if got := storedIdea(t, h, rejected.ID).Status; got != decision.StatusRejected {
		t.Errorf("resolved idea must stay rejected, got %s", got)
	}

	all, err := h.store.ListRecords(context.Background(), store.RecordQuery{})
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if n := countAction(all, decision.RecordHalted); n != 1 {
		t.Errorf("halted records = %d, want 1", n)
	}
}

func TestKillSwitchWhileHaltedStillSweeps(t *testing.T) {
	cfg := gateConfig()
	cfg.Enabled = false
	h := newHarness(t, cfg)
	seeded := seedPending(t, h, 80, decision.ActionOpenOrScale)

	_, swept, err := h.eng.KillSwitch(context.Background(), "raj", "")
	if err != nil {
		t.Fatalf("kill switch: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	if got := storedIdea(t, h, seeded.ID).Status; got != decision.StatusHaltedByRisk {
		t.Errorf("status = %s", got)
	}
}

func TestResumeReenablesAutonomy(t *testing.T) {
	h := newHarness(t, gateConfig())
	if _, _, err := h.eng.KillSwitch(context.Background(), "raj", ""); err != nil {
		t.Fatalf("kill switch: %v", err)
	}

	status, err := h.eng.Resume(context.Background(), "raj")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !status.Enabled {
		t.Fatal("autonomy must be enabled after resume")
	}
	if status.ResumedBy != "raj" {
		t.Errorf("resumed by = %q", status.ResumedBy)
	}

	// Post-resume the full path works again.
	h.pipe.set("EURUSD", "H1", buyEvaluation(80, decision.ActionOpenOrScale, 0.011))
	ev := mustEvaluate(t, h)
	if got := storedIdea(t, h, ev.Idea.ID).Status; got != decision.StatusAutoExecuted {
		t.Fatalf("post-resume status = %s", got)
	}
}

func TestRiskStatusComposite(t *testing.T) {
	h := newHarness(t, gateConfig())
	if err := h.tracker.MarkEquity(10500); err != nil {
		t.Fatalf("mark equity: %v", err)
	}

	rs := h.eng.RiskStatus()
	if !rs.Config.Enabled || rs.Config.MinConfidence != 75 {
		t.Errorf("config = %+v", rs.Config)
	}
	if !rs.Halt.Enabled {
		t.Error("halt status should report enabled")
	}
	if rs.Portfolio.LastEquity != 10500 {
		t.Errorf("last equity = %.2f", rs.Portfolio.LastEquity)
	}
}

func TestLoopRunsThroughEngine(t *testing.T) {
	h := newHarness(t, gateConfig())
	h.pipe.set("EURUSD", "H1", &decision.Evaluation{
		Symbol: "EURUSD", Timeframe: "H1", Confidence: 40,
		Plan: decision.Plan{Action: decision.ActionObserve},
	})

	if err := h.eng.StartLoop(50 * time.Millisecond); err != nil {
		t.Fatalf("start loop: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for h.eng.LoopStatus().EvaluationCount < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("loop never evaluated twice: %+v", h.eng.LoopStatus())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := h.eng.StopLoop(); err != nil {
		t.Fatalf("stop loop: %v", err)
	}
	if h.eng.LoopStatus().Running {
		t.Error("loop should be stopped")
	}
	if h.eng.LoopStatus().ErrorCount != 0 {
		t.Errorf("error count = %d", h.eng.LoopStatus().ErrorCount)
	}
}

func TestRecentDecisionsFilter(t *testing.T) {
	h := newHarness(t, gateConfig())
	h.pipe.set("EURUSD", "H1", buyEvaluation(65, decision.ActionPendingOnly, 0.0055))
	for i := 0; i < 3; i++ {
		mustEvaluate(t, h)
	}

	recs, err := h.eng.RecentDecisions(context.Background(), "EURUSD", "", 2)
	if err != nil {
		t.Fatalf("recent decisions: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d, want limit 2", len(recs))
	}
	for _, r := range recs {
		if r.Symbol != "EURUSD" {
			t.Errorf("symbol = %q", r.Symbol)
		}
	}

	none, err := h.eng.RecentDecisions(context.Background(), "USDJPY", "", 0)
	if err != nil || len(none) != 0 {
		t.Errorf("usdjpy records = %v err = %v", none, err)
	}
}
