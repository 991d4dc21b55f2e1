package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tradewheel/autonomy/internal/observ"
)

var log = observ.Component("loop")

// ErrCritical wraps failures that must stop the loop instead of being
// retried next tick, such as a dead audit store. Evaluation callbacks
// wrap it; the runner cancels itself when it sees one.
var ErrCritical = errors.New("critical loop failure")

// EvaluateFunc runs one evaluation for a pair. skipped reports that the
// pair's previous evaluation was still in flight and this tick was
// dropped rather than queued.
type EvaluateFunc func(ctx context.Context, symbol, timeframe string) (skipped bool, err error)

// Pair is one (symbol, timeframe) the loop sweeps.
type Pair struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// Config tunes the runner.
type Config struct {
	Interval           time.Duration // default 60s
	EvalTimeoutSeconds int           // per-pair evaluation budget, default 45
}

// Status is a point-in-time snapshot of the runner.
type Status struct {
	Running          bool      `json:"running"`
	IntervalSeconds  int       `json:"interval_seconds"`
	Pairs            int       `json:"pairs"`
	EvaluationCount  int64     `json:"evaluation_count"`
	ErrorCount       int64     `json:"error_count"`
	SkippedCount     int64     `json:"skipped_count"`
	LastEvaluationAt time.Time `json:"last_evaluation_at,omitzero"`
	NextRunAt        time.Time `json:"next_run_at,omitzero"`
	LastError        string    `json:"last_error,omitempty"`
}

// Runner sweeps the configured pairs on a fixed interval. Pairs are
// evaluated concurrently and independently: one slow or failing pair
// never blocks the others. Stop lets in-flight evaluations finish.
type Runner struct {
	eval        EvaluateFunc
	pairs       []Pair
	evalTimeout time.Duration

	mu       sync.Mutex
	running  bool
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	nextRun  time.Time
	lastEval time.Time
	lastErr  string

	inflight sync.WaitGroup

	evaluations atomic.Int64
	errorsCount atomic.Int64
	skips       atomic.Int64

	now func() time.Time
}

func New(eval EvaluateFunc, pairs []Pair, cfg Config) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.EvalTimeoutSeconds <= 0 {
		cfg.EvalTimeoutSeconds = 45
	}
	return &Runner{
		eval:        eval,
		pairs:       append([]Pair(nil), pairs...),
		evalTimeout: time.Duration(cfg.EvalTimeoutSeconds) * time.Second,
		interval:    cfg.Interval,
		now:         time.Now,
	}
}

// Start begins sweeping. A non-zero interval replaces the configured
// one for this run. Starting a running loop is an error, not a restart.
func (r *Runner) Start(interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("loop already running")
	}
	if len(r.pairs) == 0 {
		return fmt.Errorf("no pairs to evaluate")
	}
	if interval > 0 {
		r.interval = interval
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	observ.LoopRunning.Set(1)
	log.Info().Dur("interval", r.interval).Int("pairs", len(r.pairs)).Msg("loop started")

	go r.run(ctx, r.interval, r.done)
	return nil
}

// Stop cancels the sweep schedule and waits for in-flight evaluations.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("loop not running")
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	log.Info().Msg("loop stopped")
	return nil
}

// Status reports the runner snapshot.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		Running:          r.running,
		IntervalSeconds:  int(r.interval / time.Second),
		Pairs:            len(r.pairs),
		EvaluationCount:  r.evaluations.Load(),
		ErrorCount:       r.errorsCount.Load(),
		SkippedCount:     r.skips.Load(),
		LastEvaluationAt: r.lastEval,
		LastError:        r.lastErr,
	}
	if r.running {
		s.NextRunAt = r.nextRun
	}
	return s
}

func (r *Runner) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer func() {
		r.inflight.Wait()
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		observ.LoopRunning.Set(0)
		close(done)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.sweep(ctx)
		r.mu.Lock()
		r.nextRun = r.now().Add(interval)
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) sweep(runCtx context.Context) {
	for _, pair := range r.pairs {
		if runCtx.Err() != nil {
			return
		}
		pair := pair
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			// The evaluation context is independent of the run context:
			// stopping the loop gates new sweeps, it does not abort an
			// evaluation mid-persistence.
			ctx, cancel := context.WithTimeout(context.Background(), r.evalTimeout)
			defer cancel()
			r.evalOne(ctx, pair)
		}()
	}
}

func (r *Runner) evalOne(ctx context.Context, pair Pair) {
	start := r.now()
	skipped, err := r.eval(ctx, pair.Symbol, pair.Timeframe)
	switch {
	case skipped:
		r.skips.Add(1)
		observ.EvaluationsSkipped.WithLabelValues(pair.Symbol, pair.Timeframe).Inc()
		log.Debug().Str("symbol", pair.Symbol).Str("timeframe", pair.Timeframe).
			Msg("tick skipped, previous evaluation still running")
	case err != nil:
		r.errorsCount.Add(1)
		r.mu.Lock()
		r.lastErr = err.Error()
		r.mu.Unlock()
		log.Error().Err(err).Str("symbol", pair.Symbol).Str("timeframe", pair.Timeframe).
			Msg("evaluation failed")
		if errors.Is(err, ErrCritical) {
			log.Error().Msg("critical failure, stopping loop")
			r.stopSelf()
		}
	default:
		r.evaluations.Add(1)
		r.mu.Lock()
		r.lastEval = r.now()
		r.mu.Unlock()
	}
	observ.EvaluationDuration.WithLabelValues(pair.Timeframe).Observe(r.now().Sub(start).Seconds())
}

// stopSelf cancels the run context without waiting; the run goroutine
// finishes the teardown.
func (r *Runner) stopSelf() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
