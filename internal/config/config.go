package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tradewheel/autonomy/internal/adapters"
	"github.com/tradewheel/autonomy/internal/decision"
	"github.com/tradewheel/autonomy/internal/risk"
)

var validate = validator.New()

type Logging struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

type Server struct {
	Addr                 string `yaml:"addr" default:":8080"`
	ShutdownGraceSeconds int    `yaml:"shutdown_grace_seconds" default:"10" validate:"gte=1"`
}

type Loop struct {
	IntervalSeconds int  `yaml:"interval_seconds" default:"60" validate:"gte=1"`
	AutoStart       bool `yaml:"auto_start"`
}

type Evaluation struct {
	BarCount int    `yaml:"bar_count" default:"100" validate:"gte=35,lte=1000"`
	Timezone string `yaml:"timezone" default:"UTC"`
}

// Location resolves the session-clock timezone.
func (e Evaluation) Location() (*time.Location, error) {
	return time.LoadLocation(e.Timezone)
}

type Store struct {
	Backend string `yaml:"backend" default:"jsonl" validate:"oneof=jsonl postgres"`
	Dir     string `yaml:"dir" default:"data"`
	DSN     string `yaml:"dsn"`
	DSNEnv  string `yaml:"dsn_env" default:"DATABASE_URL"`
}

type Alerts struct {
	Enabled        bool   `yaml:"enabled"`
	WebhookURL     string `yaml:"webhook_url"`
	WebhookURLEnv  string `yaml:"webhook_url_env" default:"ALERT_WEBHOOK_URL"`
	TimeoutSeconds int    `yaml:"timeout_seconds" default:"5" validate:"gte=1"`
}

type Root struct {
	Logging     Logging                     `yaml:"logging"`
	Server      Server                      `yaml:"server"`
	DataDir     string                      `yaml:"data_dir" default:"data"`
	StrategyDir string                      `yaml:"strategy_dir" default:"config/strategies"`
	Watchlist   []string                    `yaml:"watchlist" validate:"min=1"`
	Profiles    map[string]decision.Profile `yaml:"profiles"`
	Evaluation  Evaluation                  `yaml:"evaluation"`
	Loop        Loop                        `yaml:"loop"`
	Store       Store                       `yaml:"store"`
	Adapters    adapters.Config             `yaml:"adapters"`
	Alerts      Alerts                      `yaml:"alerts"`

	// Risk seeds the persisted risk configuration on first boot only;
	// after that the store's copy wins. Nil means library defaults.
	Risk *risk.Config `yaml:"risk"`
}

// RiskBootstrap returns the initial risk configuration for an empty
// store.
func (c Root) RiskBootstrap() risk.Config {
	if c.Risk == nil {
		return risk.DefaultConfig()
	}
	return *c.Risk
}

// Load reads, defaults, env-resolves and validates the root config.
// Secrets never live in the file: the DSN and webhook URL resolve from
// the named environment variables when unset.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := defaults.Set(&c); err != nil {
		return c, fmt.Errorf("config defaults: %w", err)
	}

	if c.Store.DSN == "" && c.Store.DSNEnv != "" {
		c.Store.DSN = os.Getenv(c.Store.DSNEnv)
	}
	if c.Alerts.WebhookURL == "" && c.Alerts.WebhookURLEnv != "" {
		c.Alerts.WebhookURL = os.Getenv(c.Alerts.WebhookURLEnv)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	for i, s := range c.Watchlist {
		c.Watchlist[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	profiles := make(map[string]decision.Profile, len(c.Profiles))
	for symbol, p := range c.Profiles {
		profiles[strings.ToUpper(strings.TrimSpace(symbol))] = p.Normalize()
	}
	c.Profiles = profiles

	if err := validate.Struct(c); err != nil {
		return c, fmt.Errorf("config %s invalid: %w", path, err)
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return c, fmt.Errorf("config %s: postgres backend needs a DSN (set %s)", path, c.Store.DSNEnv)
	}
	if c.Risk != nil {
		if err := risk.ValidateConfig(*c.Risk); err != nil {
			return c, fmt.Errorf("config %s risk bootstrap: %w", path, err)
		}
	}
	if _, err := c.Evaluation.Location(); err != nil {
		return c, fmt.Errorf("config %s timezone: %w", path, err)
	}
	return c, nil
}
