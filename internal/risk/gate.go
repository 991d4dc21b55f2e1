package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/tradewheel/autonomy/internal/decision"
	"github.com/tradewheel/autonomy/internal/observ"
	"github.com/tradewheel/autonomy/internal/strategy"
)

// Check identifiers recorded as risk_check_result on every decision.
const (
	CheckPass              = "pass"
	CheckAITradingDisabled = "fail:ai_trading_disabled"
	CheckDailyProfitTarget = "fail:daily_profit_target"
	CheckMaxDrawdown       = "fail:max_drawdown"
	CheckMaxLotSize        = "fail:max_lot_size"
	CheckMaxConcurrent     = "fail:max_concurrent_trades"
	CheckMinConfidence     = "fail:min_confidence"
	CheckStrategyInactive  = "fail:strategy_inactive"
	CheckOffWatchlist      = "fail:off_watchlist"
	CheckNewsEmbargo       = "fail:news_embargo"
)

// Outcome is the gate's verdict on one proposal.
type Outcome string

const (
	OutcomeAutoExecute   Outcome = "auto_execute"
	OutcomeNeedsApproval Outcome = "needs_approval"
	OutcomeRejected      Outcome = "rejected"
	OutcomeHalted        Outcome = "halted"
)

// GateDecision carries the verdict plus the machine-readable check
// result for the audit trail. Reason is operator-facing text.
type GateDecision struct {
	Outcome     Outcome `json:"outcome"`
	CheckResult string  `json:"risk_check_result"`
	Reason      string  `json:"reason"`
}

// AccountView is the account state slice the gate checks against.
type AccountView struct {
	Equity         float64 `json:"equity"`
	Balance        float64 `json:"balance"`
	DailyRealized  float64 `json:"daily_realized"`
	Drawdown       float64 `json:"drawdown"`
	OpenAutonomous int     `json:"open_autonomous"`
}

// StrategyView resolves a strategy id to its current rule.
type StrategyView interface {
	GetByID(id string) (strategy.Rule, bool)
}

// Gate is the admission controller in front of execution. Checks run
// in a fixed order and short-circuit on the first failure; breaches of
// the profit target or drawdown limit trip the halt transition as a
// side effect.
type Gate struct {
	ctrl  *Controller
	rules StrategyView
	watch map[string]bool
}

func NewGate(ctrl *Controller, rules StrategyView, watchlist []string) *Gate {
	watch := make(map[string]bool, len(watchlist))
	for _, s := range watchlist {
		watch[strings.ToUpper(s)] = true
	}
	return &Gate{ctrl: ctrl, rules: rules, watch: watch}
}

// Evaluate runs the full check sequence against the current risk
// config and account state. The returned error reports a persistence
// failure during a halt transition; the decision itself is always
// valid and already reflects the halt.
func (g *Gate) Evaluate(ctx context.Context, idea decision.TradeIdea, account AccountView) (GateDecision, error) {
	cfg := g.ctrl.Config()

	// 1: master switch
	if !cfg.Enabled {
		return g.record(GateDecision{
			Outcome:     OutcomeHalted,
			CheckResult: CheckAITradingDisabled,
			Reason:      "autonomous trading is disabled",
		}), nil
	}

	// 2: daily profit target reached, stop for the day
	if cfg.StopAfterTarget && cfg.DailyProfitTarget > 0 && account.DailyRealized >= cfg.DailyProfitTarget {
		reason := fmt.Sprintf("daily profit target reached: %.2f >= %.2f", account.DailyRealized, cfg.DailyProfitTarget)
		_, err := g.ctrl.Halt(ctx, TriggerProfitTarget, reason)
		return g.record(GateDecision{Outcome: OutcomeHalted, CheckResult: CheckDailyProfitTarget, Reason: reason}), err
	}

	// 3: drawdown breach
	if cfg.HaltOnDrawdown && cfg.MaxDrawdown > 0 && account.Drawdown >= cfg.MaxDrawdown {
		reason := fmt.Sprintf("max drawdown breached: %.2f >= %.2f", account.Drawdown, cfg.MaxDrawdown)
		_, err := g.ctrl.Halt(ctx, TriggerDrawdown, reason)
		return g.record(GateDecision{Outcome: OutcomeHalted, CheckResult: CheckMaxDrawdown, Reason: reason}), err
	}

	if dec, ok := g.tradeChecks(idea, account, cfg, false); !ok {
		return g.record(dec), nil
	}

	// 8: embargoed macro event inside the strategy's news window
	if idea.NewsBlocked {
		return g.record(GateDecision{
			Outcome:     OutcomeNeedsApproval,
			CheckResult: CheckNewsEmbargo,
			Reason:      "macro event inside news embargo window",
		}), nil
	}

	if idea.Plan.Action == decision.ActionOpenOrScale {
		return g.record(GateDecision{Outcome: OutcomeAutoExecute, CheckResult: CheckPass, Reason: "all checks passed"}), nil
	}
	return g.record(GateDecision{
		Outcome:     OutcomeNeedsApproval,
		CheckResult: CheckPass,
		Reason:      fmt.Sprintf("plan %s is not immediately executable", idea.Plan.Action),
	}), nil
}

// Revalidate re-runs the per-trade checks (lot, concurrency, strategy
// state) for a human approval, so an approval never acts on state that
// went stale while the idea sat in the queue. Any failure rejects the
// approval. The confidence floor is not re-applied: it routes ideas
// into the approval queue, and the human resolving the queue is that
// check's answer.
func (g *Gate) Revalidate(_ context.Context, idea decision.TradeIdea, account AccountView) GateDecision {
	cfg := g.ctrl.Config()
	if dec, ok := g.tradeChecks(idea, account, cfg, true); !ok {
		dec.Outcome = OutcomeRejected
		return g.record(dec)
	}
	return g.record(GateDecision{Outcome: OutcomeAutoExecute, CheckResult: CheckPass, Reason: "revalidation passed"})
}

// tradeChecks covers checks 4 through 7. humanOverride skips the
// confidence floor. The bool is false when a check failed and dec
// holds the verdict.
func (g *Gate) tradeChecks(idea decision.TradeIdea, account AccountView, cfg Config, humanOverride bool) (dec GateDecision, ok bool) {
	// 4: lot cap
	if idea.Volume > cfg.MaxLotSize {
		return GateDecision{
			Outcome:     OutcomeRejected,
			CheckResult: CheckMaxLotSize,
			Reason:      fmt.Sprintf("lot %.2f exceeds max %.2f", idea.Volume, cfg.MaxLotSize),
		}, false
	}

	// 5: concurrency cap on autonomous positions
	if account.OpenAutonomous >= cfg.MaxConcurrentTrades {
		return GateDecision{
			Outcome:     OutcomeRejected,
			CheckResult: CheckMaxConcurrent,
			Reason:      fmt.Sprintf("%d open autonomous trades at limit %d", account.OpenAutonomous, cfg.MaxConcurrentTrades),
		}, false
	}

	// 6: confidence floor; below it a human decides, not a rejection
	if !humanOverride && float64(idea.Confidence) < cfg.MinConfidence {
		return GateDecision{
			Outcome:     OutcomeNeedsApproval,
			CheckResult: CheckMinConfidence,
			Reason:      fmt.Sprintf("confidence %d below threshold %.0f", idea.Confidence, cfg.MinConfidence),
		}, false
	}

	// 7: strategy must still be active and the symbol admissible
	rule, found := g.rules.GetByID(idea.StrategyID)
	if !found || !rule.Active() {
		return GateDecision{
			Outcome:     OutcomeRejected,
			CheckResult: CheckStrategyInactive,
			Reason:      fmt.Sprintf("strategy %s is inactive or unknown", idea.StrategyID),
		}, false
	}
	if !g.watch[strings.ToUpper(idea.Symbol)] && !cfg.AllowOffWatchlist {
		return GateDecision{
			Outcome:     OutcomeRejected,
			CheckResult: CheckOffWatchlist,
			Reason:      fmt.Sprintf("%s is off the watchlist and off-watchlist autotrade is disabled", idea.Symbol),
		}, false
	}
	return GateDecision{}, true
}

func (g *Gate) record(dec GateDecision) GateDecision {
	observ.GateOutcomes.WithLabelValues(string(dec.Outcome), dec.CheckResult).Inc()
	return dec
}
