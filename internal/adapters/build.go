package adapters

import (
	"fmt"
	"os"
	"strings"
)

// Config selects adapter implementations and carries their provider
// settings.
type Config struct {
	Feed   string `yaml:"feed" default:"sim"`    // "http" | "sim" | "mock"
	News   string `yaml:"news" default:"mock"`   // "http" | "mock"
	Broker string `yaml:"broker" default:"sim"`  // "http" | "sim" | "mock"
	Seed   int64  `yaml:"seed" default:"42"`

	FeedHTTP   FeedConfig   `yaml:"feed_http"`
	NewsHTTP   NewsConfig   `yaml:"news_http"`
	BrokerHTTP BrokerConfig `yaml:"broker_http"`
}

// Bundle groups the three collaborator adapters one process wires.
type Bundle struct {
	Bars   BarProvider
	News   NewsProvider
	Broker Executor
}

// Close closes every adapter, returning the first failure.
func (b Bundle) Close() error {
	var first error
	for _, c := range []interface{ Close() error }{b.Bars, b.News, b.Broker} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build creates the configured adapters. FEED_ADAPTER, NEWS_ADAPTER and
// BROKER_ADAPTER env vars override the config selection. Data-side
// adapters fall back to local implementations with a warning when an
// HTTP endpoint is not configured; the broker never falls back
// silently, since "live" must mean live.
func Build(cfg Config) (Bundle, error) {
	feedKind := pick(cfg.Feed, "FEED_ADAPTER", "sim")
	newsKind := pick(cfg.News, "NEWS_ADAPTER", "mock")
	brokerKind := pick(cfg.Broker, "BROKER_ADAPTER", "sim")

	var bundle Bundle
	var err error

	if bundle.Bars, err = buildFeed(feedKind, cfg); err != nil {
		return Bundle{}, err
	}
	if bundle.News, err = buildNews(newsKind, cfg); err != nil {
		return Bundle{}, err
	}
	if bundle.Broker, err = buildBroker(brokerKind, cfg); err != nil {
		return Bundle{}, err
	}

	log.Info().Str("feed", feedKind).Str("news", newsKind).Str("broker", brokerKind).
		Msg("adapters built")
	return bundle, nil
}

func buildFeed(kind string, cfg Config) (BarProvider, error) {
	switch kind {
	case "http":
		if cfg.FeedHTTP.BaseURL == "" {
			log.Warn().Msg("feed http requested without base URL, falling back to sim")
			return NewSimFeed(cfg.Seed), nil
		}
		return NewHTTPFeed(cfg.FeedHTTP)
	case "sim":
		return NewSimFeed(cfg.Seed), nil
	case "mock":
		return NewMockFeed(), nil
	default:
		log.Warn().Str("requested", kind).Msg("unknown feed adapter, falling back to sim")
		return NewSimFeed(cfg.Seed), nil
	}
}

func buildNews(kind string, cfg Config) (NewsProvider, error) {
	switch kind {
	case "http":
		if cfg.NewsHTTP.BaseURL == "" {
			log.Warn().Msg("news http requested without base URL, falling back to mock")
			return NewMockNews(), nil
		}
		return NewHTTPNews(cfg.NewsHTTP)
	case "mock":
		return NewMockNews(), nil
	default:
		log.Warn().Str("requested", kind).Msg("unknown news adapter, falling back to mock")
		return NewMockNews(), nil
	}
}

func buildBroker(kind string, cfg Config) (Executor, error) {
	switch kind {
	case "http":
		if cfg.BrokerHTTP.BaseURL == "" {
			return nil, fmt.Errorf("broker http requested without base URL")
		}
		return NewHTTPBroker(cfg.BrokerHTTP)
	case "sim":
		return NewSimBroker(cfg.Seed), nil
	case "mock":
		return NewMockBroker(), nil
	default:
		return nil, fmt.Errorf("unknown broker adapter %q", kind)
	}
}

func pick(configured, envVar, fallback string) string {
	kind := strings.ToLower(strings.TrimSpace(configured))
	if env := os.Getenv(envVar); env != "" {
		override := strings.ToLower(strings.TrimSpace(env))
		log.Info().Str("config", kind).Str("override", override).Str("var", envVar).
			Msg("adapter selection overridden by environment")
		kind = override
	}
	if kind == "" {
		kind = fallback
	}
	return kind
}
