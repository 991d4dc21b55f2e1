package decision

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tradewheel/autonomy/internal/facts"
	"github.com/tradewheel/autonomy/internal/observ"
	"github.com/tradewheel/autonomy/internal/strategy"
)

var log = observ.Component("decision")

// ErrNoStrategy is returned when no rule exists for the requested pair.
var ErrNoStrategy = errors.New("no strategy for pair")

// BarSource supplies ordered bar windows, oldest first.
type BarSource interface {
	GetBars(ctx context.Context, symbol, timeframe string, count int) ([]facts.Bar, error)
}

// NewsSource supplies the macro-news penalty and embargo flag for a
// symbol over the given window around now.
type NewsSource interface {
	GetNewsPenalty(ctx context.Context, symbol string, window time.Duration) (penalty int, blocked bool, err error)
}

// EvaluatorConfig tunes the pipeline.
type EvaluatorConfig struct {
	BarCount int                // bars fetched per evaluation; 0 means 100
	Location *time.Location     // session clock; nil means UTC
	Profiles map[string]Profile // keyed by symbol
	Now      func() time.Time   // test seam; nil means time.Now
}

// Evaluator runs the 4-stage pipeline (facts, EMNR, score, schedule)
// for one pair and assembles the TradeIdea draft.
type Evaluator struct {
	bars     BarSource
	news     NewsSource
	rules    *strategy.Registry
	profiles map[string]Profile
	barCount int
	loc      *time.Location
	now      func() time.Time
}

func NewEvaluator(bars BarSource, news NewsSource, rules *strategy.Registry, cfg EvaluatorConfig) *Evaluator {
	if cfg.BarCount <= 0 {
		cfg.BarCount = 100
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Evaluator{
		bars:     bars,
		news:     news,
		rules:    rules,
		profiles: cfg.Profiles,
		barCount: cfg.BarCount,
		loc:      cfg.Location,
		now:      cfg.Now,
	}
}

// Evaluation is the full outcome of one pipeline run. Idea is nil when
// the scheduled action is observe.
type Evaluation struct {
	Symbol      string         `json:"symbol"`
	Timeframe   string         `json:"timeframe"`
	Rule        strategy.Rule  `json:"-"`
	Facts       facts.Set      `json:"facts"`
	Values      facts.Values   `json:"values"`
	Flags       strategy.Flags `json:"flags"`
	Session     string         `json:"session"`
	Aligned     bool           `json:"aligned"`
	NewsPenalty int            `json:"news_penalty"`
	NewsBlocked bool           `json:"news_blocked"`
	Confidence  int            `json:"confidence"`
	Breakdown   Breakdown      `json:"breakdown"`
	Plan        Plan           `json:"plan"`
	Idea        *TradeIdea     `json:"idea,omitempty"`
	SnapshotRef string         `json:"snapshot_ref"`
	EvaluatedAt time.Time      `json:"evaluated_at"`
}

// Evaluate runs the pipeline for one pair. Returns ErrNoStrategy when
// the pair has no rule and facts.ErrInsufficientData when the window is
// too short; both are skip conditions for the loop, not faults.
func (e *Evaluator) Evaluate(ctx context.Context, symbol, timeframe string) (*Evaluation, error) {
	symbol = strings.ToUpper(symbol)
	rule, ok := e.rules.Get(symbol, timeframe)
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", ErrNoStrategy, symbol, timeframe)
	}

	bars, err := e.bars.GetBars(ctx, symbol, timeframe, e.barCount)
	if err != nil {
		return nil, fmt.Errorf("get bars %s:%s: %w", symbol, timeframe, err)
	}

	set, values, err := facts.Derive(bars, rule.Indicators)
	if err != nil {
		return nil, err
	}

	flags := strategy.EvaluateConditions(rule.Conditions, set)

	now := e.now().In(e.loc)
	session := SessionAt(now)
	profile := e.profiles[symbol].Normalize()
	aligned := Aligned(timeframe, session, e.profiles[symbol], rule)

	embargo := time.Duration(rule.Execution.NewsEmbargoMins) * time.Minute
	penalty, blocked, err := e.news.GetNewsPenalty(ctx, symbol, embargo)
	if err != nil {
		// Fail closed: an unreadable calendar blocks autonomous entry
		// rather than silently waving it through.
		log.Warn().Err(err).Str("symbol", symbol).Msg("news provider failed, treating window as blocked")
		penalty, blocked = 0, true
	}

	score, breakdown := Score(flags, aligned, penalty)
	observ.LastConfidence.WithLabelValues(symbol, timeframe).Set(float64(score))

	direction := resolveDirection(rule, set)
	entry := values.Close
	stop, target, rr := orderLevels(direction, entry, values.ATR, rule.Execution)
	rrOK := rr >= rule.Execution.MinRR

	plan := Schedule(score, rrOK, rule.Execution.RiskCapPct)

	ev := &Evaluation{
		Symbol:      symbol,
		Timeframe:   timeframe,
		Rule:        rule,
		Facts:       set,
		Values:      values,
		Flags:       flags,
		Session:     session,
		Aligned:     aligned,
		NewsPenalty: penalty,
		NewsBlocked: blocked,
		Confidence:  score,
		Breakdown:   breakdown,
		Plan:        plan,
		SnapshotRef: NewID(),
		EvaluatedAt: now,
	}

	log.Debug().
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Int("confidence", score).
		Str("action", string(plan.Action)).
		Bool("aligned", aligned).
		Bool("news_blocked", blocked).
		Float64("rr", rr).
		Msg("pair evaluated")

	if plan.Action == ActionObserve {
		return ev, nil
	}

	ev.Idea = &TradeIdea{
		ID:          NewID(),
		CreatedAt:   now.UTC(),
		Symbol:      symbol,
		Timeframe:   timeframe,
		Direction:   direction,
		Entry:       entry,
		StopLoss:    stop,
		Targets:     []float64{target},
		Volume:      profile.MinLot,
		RRRatio:     rr,
		Confidence:  score,
		Level:       LevelFor(score),
		Flags:       flags,
		Breakdown:   breakdown,
		Plan:        plan,
		Status:      StatusPendingApproval,
		StrategyID:  rule.ID,
		SnapshotRef: ev.SnapshotRef,
		NewsBlocked: blocked,
		Rationale:   rationale(flags, aligned, penalty, score, rr, rule.Execution.MinRR),
	}
	return ev, nil
}

// resolveDirection maps the rule's direction constraint to an order
// side. A "both" rule follows the EMA ordering of the current window.
func resolveDirection(rule strategy.Rule, set facts.Set) string {
	switch rule.Execution.Direction {
	case "long":
		return "buy"
	case "short":
		return "sell"
	default:
		if set["ema_fast_gt_slow"] {
			return "buy"
		}
		return "sell"
	}
}

// orderLevels derives stop and target from ATR. Prices round to 5
// decimals, RR to 2; a degenerate zero risk yields RR 0 so the idea
// parks in wait_rr instead of dividing by zero.
func orderLevels(direction string, entry, atr float64, ex strategy.Execution) (stop, target, rr float64) {
	dist := atr * ex.ATRMultiplier
	if direction == "buy" {
		stop = entry - dist
		target = entry + dist*ex.RRTarget
	} else {
		stop = entry + dist
		target = entry - dist*ex.RRTarget
	}
	stop = round(stop, 5)
	target = round(target, 5)

	risk := math.Abs(entry - stop)
	reward := math.Abs(target - entry)
	if risk > 0 {
		rr = round(reward/risk, 2)
	}
	return stop, target, rr
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

func rationale(flags strategy.Flags, aligned bool, penalty, score int, rr, minRR float64) string {
	var parts []string
	if flags.Entry {
		parts = append(parts, "entry")
	}
	if flags.Strong {
		parts = append(parts, "strong")
	}
	if flags.Weak {
		parts = append(parts, "weak")
	}
	if flags.Exit {
		parts = append(parts, "exit")
	}
	if len(parts) == 0 {
		parts = append(parts, "none")
	}
	s := fmt.Sprintf("flags=%s aligned=%t news=%d score=%d rr=%.2f/min%.2f",
		strings.Join(parts, "+"), aligned, penalty, score, rr, minRR)
	return s
}
