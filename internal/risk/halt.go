package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tradewheel/autonomy/internal/decision"
	"github.com/tradewheel/autonomy/internal/observ"
)

var log = observ.Component("risk")

// Trigger identifies what tripped a halt.
type Trigger string

const (
	TriggerProfitTarget Trigger = "daily_profit_target"
	TriggerDrawdown     Trigger = "max_drawdown"
	TriggerKillSwitch   Trigger = "kill_switch"
	TriggerConfigUpdate Trigger = "config_update"
)

// ConfigStore persists the single global risk record.
type ConfigStore interface {
	SaveRiskConfig(ctx context.Context, cfg Config) error
}

// RecordAppender writes to the append-only audit log.
type RecordAppender interface {
	AppendRecord(ctx context.Context, rec decision.Record) error
}

// Notifier pushes halt and resume events to an operator channel.
// Implementations must not block the transition.
type Notifier interface {
	Notify(ctx context.Context, event, message string)
}

// HaltStatus is the externally visible transition state.
type HaltStatus struct {
	Enabled    bool      `json:"enabled"`
	Trigger    Trigger   `json:"trigger,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	HaltedAt   time.Time `json:"halted_at,omitempty"`
	ResumedAt  time.Time `json:"resumed_at,omitempty"`
	ResumedBy  string    `json:"resumed_by,omitempty"`
	HaltsToday int       `json:"halts_today"`
}

// Controller owns the global enabled/halted state machine. Exactly one
// of the two states holds at any time; all transitions run under one
// writer lock so concurrent evaluations trip a breach once. The halt
// itself applies in memory before persistence, so a failing store still
// leaves trading disabled.
type Controller struct {
	mu        sync.Mutex
	cfg       Config
	status    HaltStatus
	haltDate  string // UTC date of the most recent halt
	haltCount int    // halts on haltDate
	store     ConfigStore
	records   RecordAppender
	notify    Notifier
	now       func() time.Time
}

func NewController(cfg Config, store ConfigStore, records RecordAppender, notify Notifier) *Controller {
	c := &Controller{
		cfg:     cfg,
		store:   store,
		records: records,
		notify:  notify,
		now:     time.Now,
	}
	c.status.Enabled = cfg.Enabled
	if !cfg.Enabled && cfg.LastHaltReason != "" {
		c.status.Reason = cfg.LastHaltReason
	}
	return c
}

// Config returns a copy of the current risk record.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Enabled reports whether autonomous trading is currently allowed.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Enabled
}

// Status returns the transition state for the status endpoint.
func (c *Controller) Status() HaltStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	s.HaltsToday = c.haltsToday(c.now().UTC())
	return s
}

// Halt flips enabled to halted. The first caller to observe a breach
// performs the transition and emits exactly one audit record; later
// callers see the already-halted state and return false without side
// effects.
func (c *Controller) Halt(ctx context.Context, trigger Trigger, reason string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.Enabled {
		return false, nil
	}

	now := c.now().UTC()
	c.cfg.Enabled = false
	c.cfg.LastHaltReason = reason
	c.cfg.UpdatedAt = now
	c.bumpHaltCount(now)
	c.status = HaltStatus{
		Enabled:    false,
		Trigger:    trigger,
		Reason:     reason,
		HaltedAt:   now,
		HaltsToday: c.haltCount,
	}

	observ.Halts.WithLabelValues(string(trigger)).Inc()
	log.Warn().Str("trigger", string(trigger)).Str("reason", reason).Msg("autonomous trading halted")

	rec := decision.NewRecord(now, decision.RecordHalted)
	rec.Rationale = reason
	rec.RiskCheckResult = checkResultFor(trigger)

	err := c.persistTransition(ctx, rec)
	if c.notify != nil {
		c.notify.Notify(ctx, "halted", reason)
	}
	return true, err
}

// Resume flips halted back to enabled. Only this explicit call leaves
// the halted state; no evaluation path does. Resuming while enabled is
// a no-op.
func (c *Controller) Resume(ctx context.Context, by string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Enabled {
		return false, nil
	}

	now := c.now().UTC()
	c.cfg.Enabled = true
	c.cfg.LastHaltReason = ""
	c.cfg.UpdatedAt = now
	c.status = HaltStatus{
		Enabled:    true,
		ResumedAt:  now,
		ResumedBy:  by,
		HaltsToday: c.haltsToday(now),
	}

	log.Info().Str("by", by).Msg("autonomous trading resumed")

	rec := decision.NewRecord(now, decision.RecordResumed)
	rec.Rationale = fmt.Sprintf("resumed by %s", by)
	rec.HumanOverride = true

	err := c.persistTransition(ctx, rec)
	if c.notify != nil {
		c.notify.Notify(ctx, "resumed", rec.Rationale)
	}
	return true, err
}

// UpdateConfig applies an external edit to the risk record. A flip of
// Enabled through this path is audited exactly like a kill switch or a
// resume so the log never loses an autonomy transition.
func (c *Controller) UpdateConfig(ctx context.Context, mutate func(*Config)) (Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.cfg
	mutate(&next)
	if err := ValidateConfig(next); err != nil {
		return c.cfg, fmt.Errorf("risk config rejected: %w", err)
	}

	now := c.now().UTC()
	wasEnabled := c.cfg.Enabled
	next.UpdatedAt = now

	var rec *decision.Record
	switch {
	case wasEnabled && !next.Enabled:
		next.LastHaltReason = "disabled via config update"
		r := decision.NewRecord(now, decision.RecordHalted)
		r.Rationale = next.LastHaltReason
		r.RiskCheckResult = checkResultFor(TriggerConfigUpdate)
		rec = &r
		c.bumpHaltCount(now)
		c.status = HaltStatus{Enabled: false, Trigger: TriggerConfigUpdate, Reason: next.LastHaltReason, HaltedAt: now, HaltsToday: c.haltCount}
		observ.Halts.WithLabelValues(string(TriggerConfigUpdate)).Inc()
	case !wasEnabled && next.Enabled:
		next.LastHaltReason = ""
		r := decision.NewRecord(now, decision.RecordResumed)
		r.Rationale = "enabled via config update"
		r.HumanOverride = true
		rec = &r
		c.status = HaltStatus{Enabled: true, ResumedAt: now, ResumedBy: "config_update", HaltsToday: c.status.HaltsToday}
	}

	c.cfg = next
	if rec == nil {
		if err := c.store.SaveRiskConfig(ctx, c.cfg); err != nil {
			return c.cfg, fmt.Errorf("save risk config: %w", err)
		}
		return c.cfg, nil
	}
	return c.cfg, c.persistTransition(ctx, *rec)
}

// persistTransition saves the config then appends the audit record.
// Caller holds the lock. Errors are reported but never roll back the
// in-memory transition.
func (c *Controller) persistTransition(ctx context.Context, rec decision.Record) error {
	if err := c.store.SaveRiskConfig(ctx, c.cfg); err != nil {
		return fmt.Errorf("save risk config: %w", err)
	}
	if err := c.records.AppendRecord(ctx, rec); err != nil {
		return fmt.Errorf("append %s record: %w", rec.Action, err)
	}
	return nil
}

// haltsToday reads the per-date halt counter, which resets implicitly
// when the UTC date changes. Caller holds the lock.
func (c *Controller) haltsToday(now time.Time) int {
	if c.haltDate != now.Format("2006-01-02") {
		return 0
	}
	return c.haltCount
}

func (c *Controller) bumpHaltCount(now time.Time) {
	today := now.Format("2006-01-02")
	if c.haltDate != today {
		c.haltDate = today
		c.haltCount = 0
	}
	c.haltCount++
}

func checkResultFor(trigger Trigger) string {
	switch trigger {
	case TriggerProfitTarget:
		return CheckDailyProfitTarget
	case TriggerDrawdown:
		return CheckMaxDrawdown
	default:
		return CheckAITradingDisabled
	}
}
