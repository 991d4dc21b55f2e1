// Package strategy holds the rule-as-data model: per-(symbol,timeframe)
// condition lists over the fact vocabulary, plus execution settings.
// Rules are immutable during an evaluation; mutation happens only via
// registry reload from the strategy-management side.
package strategy

import (
	"fmt"
	"strings"

	"github.com/tradewheel/autonomy/internal/facts"
)

// Conditions are the four EMNR lists. Every name must exist in the fact
// vocabulary; each list is AND-combined and an empty list never asserts
// its flag.
type Conditions struct {
	Entry  []string `yaml:"entry" json:"entry"`
	Exit   []string `yaml:"exit" json:"exit"`
	Strong []string `yaml:"strong" json:"strong"`
	Weak   []string `yaml:"weak" json:"weak"`
}

// Execution carries the order-shaping settings of a rule.
type Execution struct {
	Direction       string   `yaml:"direction" json:"direction" default:"both" validate:"oneof=long short both"`
	MinRR           float64  `yaml:"min_rr" json:"min_rr" default:"2.0" validate:"gt=0"`
	RiskCapPct      float64  `yaml:"risk_cap_pct" json:"risk_cap_pct" default:"0.03" validate:"gt=0,lte=0.05"`
	ATRMultiplier   float64  `yaml:"atr_multiplier" json:"atr_multiplier" default:"1.5" validate:"gt=0"`
	RRTarget        float64  `yaml:"rr_target" json:"rr_target" default:"2.0" validate:"gt=0"`
	NewsEmbargoMins int      `yaml:"news_embargo_minutes" json:"news_embargo_minutes" default:"30" validate:"gte=0"`
	Invalidation    []string `yaml:"invalidation" json:"invalidation"`
}

// Rule is one strategy: exactly one per (symbol, timeframe).
type Rule struct {
	ID         string       `yaml:"id" json:"id"`
	Symbol     string       `yaml:"symbol" json:"symbol" validate:"required"`
	Timeframe  string       `yaml:"timeframe" json:"timeframe" validate:"required"`
	Sessions   []string     `yaml:"sessions" json:"sessions"`
	Enabled    *bool        `yaml:"enabled" json:"enabled"`
	Indicators facts.Params `yaml:"indicators" json:"indicators"`
	Conditions Conditions   `yaml:"conditions" json:"conditions"`
	Execution  Execution    `yaml:"execution" json:"execution"`
}

// Key identifies the (symbol, timeframe) pair a rule governs.
type Key struct {
	Symbol    string
	Timeframe string
}

func (k Key) String() string { return k.Symbol + ":" + k.Timeframe }

// Key returns the rule's pair key with the symbol uppercased.
func (r Rule) Key() Key {
	return Key{Symbol: strings.ToUpper(r.Symbol), Timeframe: r.Timeframe}
}

// Active reports whether the rule participates in evaluation. A rule
// with no explicit enabled field is active.
func (r Rule) Active() bool { return r.Enabled == nil || *r.Enabled }

// ValidationError is a ConfigurationInvalid outcome for one rule. The
// owning symbol is excluded from the loop; other symbols are unaffected.
type ValidationError struct {
	Source string // file path or rule id
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid strategy %s: %s: %s", e.Source, e.Field, e.Reason)
}

// Validate checks structural constraints and the fact vocabulary.
// Returns a *ValidationError on the first violation.
func Validate(r Rule) error {
	if err := validate.Struct(r); err != nil {
		return &ValidationError{Source: r.ID, Field: firstFieldError(err), Reason: err.Error()}
	}
	lists := map[string][]string{
		"conditions.entry":       r.Conditions.Entry,
		"conditions.exit":        r.Conditions.Exit,
		"conditions.strong":      r.Conditions.Strong,
		"conditions.weak":        r.Conditions.Weak,
		"execution.invalidation": r.Execution.Invalidation,
	}
	for field, names := range lists {
		for _, name := range names {
			if !facts.IsKnown(name) {
				return &ValidationError{
					Source: r.ID,
					Field:  field,
					Reason: fmt.Sprintf("unknown fact %q", name),
				}
			}
		}
	}
	for _, s := range r.Sessions {
		if !validSession(s) {
			return &ValidationError{
				Source: r.ID,
				Field:  "sessions",
				Reason: fmt.Sprintf("unknown session %q", s),
			}
		}
	}
	if r.Indicators.MACDFast >= r.Indicators.MACDSlow {
		return &ValidationError{
			Source: r.ID,
			Field:  "indicators",
			Reason: "macd_fast must be below macd_slow",
		}
	}
	return nil
}

func validSession(s string) bool {
	switch s {
	case "London", "NewYork", "Tokyo", "Sydney":
		return true
	}
	return false
}
