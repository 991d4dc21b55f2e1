package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// BrokerConfig holds execution bridge configuration.
type BrokerConfig struct {
	BaseURL                string `yaml:"base_url"`
	TimeoutSeconds         int    `yaml:"timeout_seconds"`
	BreakerFailures        uint32 `yaml:"breaker_failures"`
	BreakerCooldownSeconds int    `yaml:"breaker_cooldown_seconds"`
}

// HTTPBroker dispatches orders to the execution collaborator. Every
// call is single-shot: a timeout or transport failure is an ExecError,
// never a silent retry, because the order may already be working at the
// venue. A circuit breaker fails fast once the bridge looks down.
type HTTPBroker struct {
	config  BrokerConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPBroker(config BrokerConfig) (*HTTPBroker, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("broker base URL required")
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 15
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 3
	}
	if config.BreakerCooldownSeconds <= 0 {
		config.BreakerCooldownSeconds = 30
	}

	settings := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 1,
		Timeout:     time.Duration(config.BreakerCooldownSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("execution breaker state change")
		},
	}

	return &HTTPBroker{
		config:  config,
		client:  &http.Client{Timeout: time.Duration(config.TimeoutSeconds) * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}, nil
}

// PlaceOrder sends one order and waits for the acknowledgement.
func (b *HTTPBroker) PlaceOrder(ctx context.Context, spec OrderSpec) (OrderResult, error) {
	out, err := b.breaker.Execute(func() (any, error) {
		return b.placeOnce(ctx, spec)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return OrderResult{}, &ExecError{Op: "breaker_open", Symbol: spec.Symbol, Cause: err}
		}
		if execErr, ok := err.(*ExecError); ok {
			return OrderResult{}, execErr
		}
		return OrderResult{}, &ExecError{Op: "place_order", Symbol: spec.Symbol, Cause: err}
	}
	return out.(OrderResult), nil
}

func (b *HTTPBroker) placeOnce(ctx context.Context, spec OrderSpec) (OrderResult, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return OrderResult{}, &ExecError{Op: "place_order", Symbol: spec.Symbol, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.BaseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return OrderResult{}, &ExecError{Op: "place_order", Symbol: spec.Symbol, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return OrderResult{}, &ExecError{Op: "place_order", Symbol: spec.Symbol, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return OrderResult{}, &ExecError{
			Op:     "place_order",
			Symbol: spec.Symbol,
			Cause:  fmt.Errorf("broker status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)),
		}
	}

	var result OrderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return OrderResult{}, &ExecError{Op: "place_order", Symbol: spec.Symbol, Cause: err}
	}
	if result.OrderID == "" {
		return OrderResult{}, &ExecError{Op: "place_order", Symbol: spec.Symbol, Cause: fmt.Errorf("broker returned empty order id")}
	}
	return result, nil
}

// BreakerState reports the execution breaker state for health surfaces.
func (b *HTTPBroker) BreakerState() string {
	return b.breaker.State().String()
}

func (b *HTTPBroker) Close() error { return nil }
