package loop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pairSet() []Pair {
	return []Pair{
		{Symbol: "EURUSD", Timeframe: "H1"},
		{Symbol: "GBPUSD", Timeframe: "H1"},
	}
}

func TestStartStopLifecycle(t *testing.T) {
	r := New(func(ctx context.Context, symbol, timeframe string) (bool, error) {
		return false, nil
	}, pairSet(), Config{Interval: 10 * time.Millisecond})

	if err := r.Stop(); err == nil {
		t.Error("Stop() before Start() should fail")
	}
	if err := r.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Start(0); err == nil {
		t.Error("second Start() should fail while running")
	}
	if !r.Status().Running {
		t.Error("Status().Running = false after Start")
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if r.Status().Running {
		t.Error("Status().Running = true after Stop")
	}
	if err := r.Stop(); err == nil {
		t.Error("second Stop() should fail")
	}
}

func TestSweepCoversEveryPair(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}

	r := New(func(ctx context.Context, symbol, timeframe string) (bool, error) {
		mu.Lock()
		calls[symbol+"/"+timeframe]++
		mu.Unlock()
		return false, nil
	}, pairSet(), Config{Interval: 10 * time.Millisecond})

	if err := r.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop()

	waitFor(t, "both pairs evaluated twice", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls["EURUSD/H1"] >= 2 && calls["GBPUSD/H1"] >= 2
	})

	s := r.Status()
	if s.EvaluationCount < 4 {
		t.Errorf("EvaluationCount = %d, want >= 4", s.EvaluationCount)
	}
	if s.LastEvaluationAt.IsZero() {
		t.Error("LastEvaluationAt not recorded")
	}
}

func TestSkippedTicksAreCountedNotQueued(t *testing.T) {
	r := New(func(ctx context.Context, symbol, timeframe string) (bool, error) {
		if symbol == "EURUSD" {
			return true, nil
		}
		return false, nil
	}, pairSet(), Config{Interval: 10 * time.Millisecond})

	if err := r.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop()

	waitFor(t, "skips recorded", func() bool {
		s := r.Status()
		return s.SkippedCount >= 2 && s.EvaluationCount >= 2
	})

	s := r.Status()
	if s.ErrorCount != 0 {
		t.Errorf("ErrorCount = %d, want 0 (skips are not errors)", s.ErrorCount)
	}
}

func TestPairFailureIsIsolated(t *testing.T) {
	var healthy atomic.Int64

	r := New(func(ctx context.Context, symbol, timeframe string) (bool, error) {
		if symbol == "EURUSD" {
			return false, fmt.Errorf("provider down")
		}
		healthy.Add(1)
		return false, nil
	}, pairSet(), Config{Interval: 10 * time.Millisecond})

	if err := r.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop()

	waitFor(t, "healthy pair keeps evaluating past failures", func() bool {
		return healthy.Load() >= 3 && r.Status().ErrorCount >= 3
	})

	s := r.Status()
	if s.LastError == "" {
		t.Error("LastError not captured")
	}
	if !s.Running {
		t.Error("ordinary per-pair errors must not stop the loop")
	}
}

func TestCriticalErrorStopsLoop(t *testing.T) {
	r := New(func(ctx context.Context, symbol, timeframe string) (bool, error) {
		return false, fmt.Errorf("append decision record: %w", ErrCritical)
	}, pairSet(), Config{Interval: 10 * time.Millisecond})

	if err := r.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "loop self-stop", func() bool { return !r.Status().Running })

	if err := r.Stop(); err == nil {
		t.Error("Stop() after self-stop should report not running")
	}
}

func TestStopWaitsForInflightEvaluations(t *testing.T) {
	var inFlight, completed atomic.Int64

	r := New(func(ctx context.Context, symbol, timeframe string) (bool, error) {
		inFlight.Add(1)
		defer inFlight.Add(-1)
		time.Sleep(80 * time.Millisecond)
		completed.Add(1)
		return false, nil
	}, pairSet()[:1], Config{Interval: 20 * time.Millisecond})

	if err := r.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "evaluation in flight", func() bool { return inFlight.Load() > 0 })

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := inFlight.Load(); got != 0 {
		t.Errorf("in-flight evaluations after Stop = %d, want 0", got)
	}
	if completed.Load() == 0 {
		t.Error("in-flight evaluation was aborted instead of finishing")
	}
}

func TestStartIntervalOverride(t *testing.T) {
	r := New(func(ctx context.Context, symbol, timeframe string) (bool, error) {
		return false, nil
	}, pairSet(), Config{Interval: time.Minute})

	if err := r.Start(250 * time.Millisecond); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop()

	if got := r.Status().IntervalSeconds; got != 0 {
		// 250ms truncates to 0 whole seconds; the point is the override
		// took effect rather than the configured minute.
		t.Errorf("IntervalSeconds = %d, want 0 for sub-second override", got)
	}

	waitFor(t, "second sweep under override", func() bool {
		return r.Status().EvaluationCount >= 4
	})
}

func TestStartRequiresPairs(t *testing.T) {
	r := New(func(ctx context.Context, symbol, timeframe string) (bool, error) {
		return false, nil
	}, nil, Config{})
	if err := r.Start(0); err == nil {
		t.Error("Start() with no pairs should fail")
	}
}
