package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// NewsConfig holds HTTP news/calendar provider configuration.
type NewsConfig struct {
	BaseURL            string `yaml:"base_url"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	MaxRetries         int    `yaml:"max_retries"`
	BackoffBaseMs      int    `yaml:"backoff_base_ms"`
}

// HTTPNews asks the calendar collaborator for the macro-news confidence
// penalty and embargo flag around now. A failed lookup is reported as an
// error so the caller can treat the window as blocked rather than
// assuming calm.
type HTTPNews struct {
	config  NewsConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPNews(config NewsConfig) (*HTTPNews, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("news base URL required")
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 60
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 5
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.BackoffBaseMs <= 0 {
		config.BackoffBaseMs = 250
	}

	return &HTTPNews{
		config:  config,
		client:  &http.Client{Timeout: time.Duration(config.TimeoutSeconds) * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60.0), 1),
	}, nil
}

type newsResponse struct {
	Symbol  string `json:"symbol"`
	Penalty int    `json:"penalty"`
	Blocked bool   `json:"blocked"`
}

func (n *HTTPNews) GetNewsPenalty(ctx context.Context, symbol string, window time.Duration) (int, bool, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return 0, false, NewNetworkError(symbol, "rate limiter wait cancelled", err)
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("window_mins", strconv.Itoa(int(window.Minutes())))

	var resp newsResponse
	err := getJSONWithRetry(ctx, n.client, n.config.BaseURL+"/news?"+q.Encode(), symbol,
		n.config.MaxRetries, n.config.BackoffBaseMs, &resp)
	if err != nil {
		return 0, false, err
	}
	if resp.Penalty > 0 {
		return 0, false, NewProviderError(symbol, fmt.Sprintf("positive news penalty %d", resp.Penalty), nil)
	}
	return resp.Penalty, resp.Blocked, nil
}

func (n *HTTPNews) Close() error { return nil }
