package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tradewheel/autonomy/internal/facts"
)

// FeedConfig holds HTTP market-data feed configuration.
type FeedConfig struct {
	BaseURL             string `yaml:"base_url"`
	RateLimitPerMinute  int    `yaml:"rate_limit_per_minute"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	MaxRetries          int    `yaml:"max_retries"`
	BackoffBaseMs       int    `yaml:"backoff_base_ms"`
	CacheTTLSeconds     int    `yaml:"cache_ttl_seconds"`
	StaleCeilingSeconds int    `yaml:"stale_ceiling_seconds"`
}

type cachedWindow struct {
	bars      []facts.Bar
	fetchedAt time.Time
}

// HTTPFeed fetches bar windows and account state from the collaborator
// REST endpoint, with client-side rate limiting, bounded retries and a
// short TTL cache so repeated evaluations of the same pair inside one
// tick do not hammer the provider.
type HTTPFeed struct {
	config  FeedConfig
	client  *http.Client
	limiter *rate.Limiter

	cacheMu sync.RWMutex
	cache   map[string]cachedWindow
}

// NewHTTPFeed creates a feed client. Defaults are applied for any
// zero-valued tuning field.
func NewHTTPFeed(config FeedConfig) (*HTTPFeed, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("feed base URL required")
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 120
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 10
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BackoffBaseMs <= 0 {
		config.BackoffBaseMs = 250
	}
	if config.CacheTTLSeconds <= 0 {
		config.CacheTTLSeconds = 10
	}
	if config.StaleCeilingSeconds <= 0 {
		config.StaleCeilingSeconds = 120
	}

	return &HTTPFeed{
		config:  config,
		client:  &http.Client{Timeout: time.Duration(config.TimeoutSeconds) * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60.0), 1),
		cache:   make(map[string]cachedWindow),
	}, nil
}

type barsResponse struct {
	Symbol    string      `json:"symbol"`
	Timeframe string      `json:"timeframe"`
	Bars      []facts.Bar `json:"bars"`
}

// GetBars returns an ordered bar window, oldest first. Fresh cache hits
// skip the provider entirely; on provider failure a stale window inside
// the stale ceiling is served with a warning rather than failing the
// evaluation.
func (f *HTTPFeed) GetBars(ctx context.Context, symbol, timeframe string, count int) ([]facts.Bar, error) {
	key := symbol + "|" + timeframe + "|" + strconv.Itoa(count)

	f.cacheMu.RLock()
	cached, ok := f.cache[key]
	f.cacheMu.RUnlock()
	if ok && time.Since(cached.fetchedAt) < time.Duration(f.config.CacheTTLSeconds)*time.Second {
		return append([]facts.Bar(nil), cached.bars...), nil
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("timeframe", timeframe)
	q.Set("count", strconv.Itoa(count))

	var resp barsResponse
	err := f.getJSON(ctx, f.config.BaseURL+"/bars?"+q.Encode(), symbol, &resp)
	if err != nil {
		if ok && time.Since(cached.fetchedAt) < time.Duration(f.config.StaleCeilingSeconds)*time.Second {
			log.Warn().Str("symbol", symbol).Str("timeframe", timeframe).
				Dur("age", time.Since(cached.fetchedAt)).Err(err).
				Msg("serving stale bars after provider failure")
			return append([]facts.Bar(nil), cached.bars...), nil
		}
		return nil, err
	}
	if err := ValidateBars(symbol, resp.Bars); err != nil {
		return nil, err
	}

	f.cacheMu.Lock()
	f.cache[key] = cachedWindow{bars: resp.Bars, fetchedAt: time.Now()}
	f.cacheMu.Unlock()

	return append([]facts.Bar(nil), resp.Bars...), nil
}

// GetAccountState fetches the current account snapshot. Never cached:
// sizing and drawdown decisions want the live number.
func (f *HTTPFeed) GetAccountState(ctx context.Context) (AccountState, error) {
	var state AccountState
	if err := f.getJSON(ctx, f.config.BaseURL+"/account", "", &state); err != nil {
		return AccountState{}, err
	}
	if state.Equity <= 0 || state.Balance <= 0 {
		return AccountState{}, NewProviderError("", fmt.Sprintf("implausible account state: balance=%.2f equity=%.2f", state.Balance, state.Equity), nil)
	}
	return state, nil
}

// HealthCheck probes the collaborator's health endpoint.
func (f *HTTPFeed) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.config.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return NewNetworkError("", "health check failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return NewProviderError("", fmt.Sprintf("health check status %d", resp.StatusCode), nil)
	}
	return nil
}

func (f *HTTPFeed) Close() error { return nil }

// getJSON performs a rate-limited GET with bounded retries. Transient
// failures (network, 429, 5xx) back off exponentially; request errors
// (4xx) fail immediately.
func (f *HTTPFeed) getJSON(ctx context.Context, rawURL, symbol string, out any) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return NewNetworkError(symbol, "rate limiter wait cancelled", err)
	}
	return getJSONWithRetry(ctx, f.client, rawURL, symbol, f.config.MaxRetries, f.config.BackoffBaseMs, out)
}

func getJSONWithRetry(ctx context.Context, client *http.Client, rawURL, symbol string, maxRetries, backoffBaseMs int, out any) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(backoffBaseMs*(1<<uint(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return NewNetworkError(symbol, "cancelled during backoff", ctx.Err())
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return NewNetworkError(symbol, "building request", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = NewNetworkError(symbol, fmt.Sprintf("request failed (attempt %d)", attempt+1), err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return NewProviderError(symbol, "decoding response", err)
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			lastErr = NewRateLimitError(symbol, "provider rate limit")
			continue
		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = NewProviderError(symbol, fmt.Sprintf("status %d (attempt %d)", resp.StatusCode, attempt+1), nil)
			continue
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
			resp.Body.Close()
			return NewBadSymbolError(symbol, fmt.Sprintf("provider rejected request: status %d", resp.StatusCode))
		default:
			resp.Body.Close()
			return NewProviderError(symbol, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
		}
	}
	return lastErr
}
