package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/tradewheel/autonomy/internal/facts"
	"github.com/tradewheel/autonomy/internal/observ"
)

var log = observ.Component("adapters")

// BarProvider supplies chart history and the account snapshot from the
// market-data collaborator.
type BarProvider interface {
	GetBars(ctx context.Context, symbol, timeframe string, count int) ([]facts.Bar, error)
	GetAccountState(ctx context.Context) (AccountState, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// NewsProvider answers macro-news penalty and embargo queries.
type NewsProvider interface {
	GetNewsPenalty(ctx context.Context, symbol string, window time.Duration) (penalty int, blocked bool, err error)
	Close() error
}

// Executor dispatches orders to the execution collaborator.
type Executor interface {
	PlaceOrder(ctx context.Context, spec OrderSpec) (OrderResult, error)
	Close() error
}

// AccountState is the broker-side account snapshot used for position
// sizing and drawdown tracking.
type AccountState struct {
	Balance    float64   `json:"balance"`
	Equity     float64   `json:"equity"`
	Margin     float64   `json:"margin"`
	FreeMargin float64   `json:"free_margin"`
	Currency   string    `json:"currency"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OrderSpec is a dispatch request for one approved or auto-executed idea.
type OrderSpec struct {
	IdeaID     string  `json:"idea_id"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"` // "buy" | "sell"
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Kind       string  `json:"kind"` // "market" | "pending"
	Comment    string  `json:"comment,omitempty"`
}

// OrderResult is the broker acknowledgement for a dispatched order.
type OrderResult struct {
	OrderID     string    `json:"order_id"`
	Status      string    `json:"status"` // "filled" | "placed"
	FilledPrice float64   `json:"filled_price"`
	ExecutedAt  time.Time `json:"executed_at"`
	LatencyMs   int64     `json:"latency_ms"`
}

// ValidateBars checks a bar window fail-closed before it reaches the
// indicator pipeline: non-empty, strictly ascending timestamps, sane
// OHLC ranges. A provider returning garbage is an error, not a signal.
func ValidateBars(symbol string, bars []facts.Bar) error {
	if len(bars) == 0 {
		return NewProviderError(symbol, "empty bar window", nil)
	}
	for i, b := range bars {
		if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
			return NewProviderError(symbol, fmt.Sprintf("non-positive price in bar %d", i), nil)
		}
		if b.High < b.Low {
			return NewProviderError(symbol, fmt.Sprintf("high < low in bar %d", i), nil)
		}
		if b.High < b.Open || b.High < b.Close || b.Low > b.Open || b.Low > b.Close {
			return NewProviderError(symbol, fmt.Sprintf("open/close outside range in bar %d", i), nil)
		}
		if i > 0 && !bars[i-1].Time.Before(b.Time) {
			return NewProviderError(symbol, fmt.Sprintf("bars out of order at %d", i), nil)
		}
	}
	return nil
}

// ProviderError classifies collaborator fetch failures so callers can
// distinguish retryable transport trouble from bad requests.
type ProviderError struct {
	Type    string // "network" | "rate_limit" | "provider" | "bad_symbol"
	Symbol  string
	Message string
	Cause   error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Symbol, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

func NewNetworkError(symbol, message string, cause error) *ProviderError {
	return &ProviderError{Type: "network", Symbol: symbol, Message: message, Cause: cause}
}

func NewRateLimitError(symbol, message string) *ProviderError {
	return &ProviderError{Type: "rate_limit", Symbol: symbol, Message: message}
}

func NewProviderError(symbol, message string, cause error) *ProviderError {
	return &ProviderError{Type: "provider", Symbol: symbol, Message: message, Cause: cause}
}

func NewBadSymbolError(symbol, message string) *ProviderError {
	return &ProviderError{Type: "bad_symbol", Symbol: symbol, Message: message}
}

// ExecError marks a failed order dispatch. The order may or may not
// have reached the venue; callers mark the idea failed and never retry
// silently.
type ExecError struct {
	Op     string // "place_order" | "breaker_open"
	Symbol string
	Cause  error
}

func (e *ExecError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("execution failed (%s) for %s: %v", e.Op, e.Symbol, e.Cause)
	}
	return fmt.Sprintf("execution failed (%s) for %s", e.Op, e.Symbol)
}

func (e *ExecError) Unwrap() error { return e.Cause }
