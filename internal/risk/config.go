package risk

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the single global risk record. It is mutated only through
// the Controller's halt and resume transitions or an explicit config
// update; every flip of Enabled leaves an audit record behind.
type Config struct {
	Enabled             bool      `yaml:"ai_trading_enabled" json:"ai_trading_enabled" db:"ai_trading_enabled"`
	MinConfidence       float64   `yaml:"min_confidence_threshold" json:"min_confidence_threshold" db:"min_confidence_threshold" validate:"gte=0,lte=100"`
	MaxLotSize          float64   `yaml:"max_lot_size" json:"max_lot_size" db:"max_lot_size" validate:"gt=0"`
	MaxConcurrentTrades int       `yaml:"max_concurrent_trades" json:"max_concurrent_trades" db:"max_concurrent_trades" validate:"gt=0"`
	DailyProfitTarget   float64   `yaml:"daily_profit_target" json:"daily_profit_target" db:"daily_profit_target" validate:"gte=0"`
	StopAfterTarget     bool      `yaml:"stop_after_target" json:"stop_after_target" db:"stop_after_target"`
	MaxDrawdown         float64   `yaml:"max_drawdown_amount" json:"max_drawdown_amount" db:"max_drawdown_amount" validate:"gte=0"`
	HaltOnDrawdown      bool      `yaml:"halt_on_drawdown" json:"halt_on_drawdown" db:"halt_on_drawdown"`
	AllowOffWatchlist   bool      `yaml:"allow_off_watchlist_autotrade" json:"allow_off_watchlist_autotrade" db:"allow_off_watchlist_autotrade"`
	LastHaltReason      string    `yaml:"-" json:"last_halt_reason,omitempty" db:"last_halt_reason"`
	UpdatedAt           time.Time `yaml:"-" json:"updated_at" db:"updated_at"`
}

// DefaultConfig is the bootstrap record written when no risk config
// exists yet. Autonomous trading starts disabled and the confidence
// bar starts high; an operator widens it deliberately.
func DefaultConfig() Config {
	return Config{
		Enabled:             false,
		MinConfidence:       90,
		MaxLotSize:          1.0,
		MaxConcurrentTrades: 3,
		DailyProfitTarget:   500,
		StopAfterTarget:     true,
		MaxDrawdown:         1000,
		HaltOnDrawdown:      true,
		AllowOffWatchlist:   false,
	}
}

var validate = validator.New()

// ValidateConfig rejects out-of-range limits before they are persisted.
func ValidateConfig(c Config) error {
	return validate.Struct(c)
}
