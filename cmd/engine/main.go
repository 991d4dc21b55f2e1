package main

import (
	"context"
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tradewheel/autonomy/internal/adapters"
	"github.com/tradewheel/autonomy/internal/alerts"
	"github.com/tradewheel/autonomy/internal/config"
	"github.com/tradewheel/autonomy/internal/decision"
	"github.com/tradewheel/autonomy/internal/engine"
	"github.com/tradewheel/autonomy/internal/loop"
	"github.com/tradewheel/autonomy/internal/observ"
	"github.com/tradewheel/autonomy/internal/outbox"
	"github.com/tradewheel/autonomy/internal/portfolio"
	"github.com/tradewheel/autonomy/internal/risk"
	"github.com/tradewheel/autonomy/internal/store"
	"github.com/tradewheel/autonomy/internal/strategy"
	"github.com/tradewheel/autonomy/internal/transport"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", envOr("CONFIG_PATH", "config/config.yaml"), "config path")
	flag.Parse()

	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stdlog.Fatalf("load config: %v (did you copy config/config.example.yaml?)", err)
	}

	observ.Setup(cfg.Logging.Level, cfg.Logging.Pretty)
	observ.Register()
	logger := observ.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Options{
		Backend: cfg.Store.Backend,
		Dir:     cfg.Store.Dir,
		DSN:     cfg.Store.DSN,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("open store")
	}
	defer st.Close()

	riskCfg, found, err := st.LoadRiskConfig(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load risk config")
	}
	if !found {
		riskCfg = cfg.RiskBootstrap()
		if err := st.SaveRiskConfig(ctx, riskCfg); err != nil {
			logger.Fatal().Err(err).Msg("bootstrap risk config")
		}
		logger.Info().
			Bool("ai_trading_enabled", riskCfg.Enabled).
			Float64("min_confidence", riskCfg.MinConfidence).
			Msg("risk config bootstrapped from file config")
	}

	webhook := alerts.New(cfg.Alerts)
	defer webhook.Close()

	ctrl := risk.NewController(riskCfg, st, st, webhook)

	rules, loadErrs := strategy.LoadDir(cfg.StrategyDir)
	for _, lerr := range loadErrs {
		logger.Warn().Err(lerr).Msg("strategy file skipped")
	}
	if len(rules) == 0 {
		logger.Fatal().Str("dir", cfg.StrategyDir).Msg("no loadable strategy files")
	}
	registry := strategy.NewRegistry(rules...)
	logger.Info().Int("rules", registry.Len()).Str("dir", cfg.StrategyDir).Msg("strategies loaded")

	bundle, err := adapters.Build(cfg.Adapters)
	if err != nil {
		logger.Fatal().Err(err).Msg("build adapters")
	}
	defer bundle.Close()

	loc, err := cfg.Evaluation.Location()
	if err != nil {
		logger.Fatal().Err(err).Str("timezone", cfg.Evaluation.Timezone).Msg("resolve session timezone")
	}
	pipeline := decision.NewEvaluator(bundle.Bars, bundle.News, registry, decision.EvaluatorConfig{
		BarCount: cfg.Evaluation.BarCount,
		Location: loc,
		Profiles: cfg.Profiles,
	})

	tracker := portfolio.NewTracker(filepath.Join(cfg.DataDir, "portfolio.json"))
	if err := tracker.Load(); err != nil {
		logger.Fatal().Err(err).Msg("load portfolio state")
	}

	journal, err := outbox.New(filepath.Join(cfg.DataDir, "outbox.jsonl"))
	if err != nil {
		logger.Fatal().Err(err).Msg("open order outbox")
	}

	gate := risk.NewGate(ctrl, registry, cfg.Watchlist)
	stream := transport.NewStream()

	eng := engine.New(engine.Deps{
		Pipeline: pipeline,
		Gate:     gate,
		Ctrl:     ctrl,
		Store:    st,
		Rules:    registry,
		Tracker:  tracker,
		Account:  bundle.Bars,
		Broker:   bundle.Broker,
		Journal:  journal,
		Profiles: cfg.Profiles,
		Loop:     loop.Config{Interval: time.Duration(cfg.Loop.IntervalSeconds) * time.Second},
		Events:   stream,
	})

	if cfg.Loop.AutoStart {
		if err := eng.StartLoop(0); err != nil {
			logger.Error().Err(err).Msg("loop auto-start failed; API still serves manual evaluations")
		}
	}

	api := transport.New(eng, stream, transport.Config{
		Addr:                 cfg.Server.Addr,
		ShutdownGraceSeconds: cfg.Server.ShutdownGraceSeconds,
	})

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("store", cfg.Store.Backend).
		Str("feed", cfg.Adapters.Feed).
		Str("broker", cfg.Adapters.Broker).
		Strs("watchlist", cfg.Watchlist).
		Bool("loop_auto_start", cfg.Loop.AutoStart).
		Msg("engine up")

	serveErr := make(chan error, 1)
	go func() { serveErr <- api.Start() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	// Stop sweeping first so no evaluation is mid-flight when the API
	// and adapters go away.
	if eng.LoopStatus().Running {
		if err := eng.StopLoop(); err != nil {
			logger.Error().Err(err).Msg("loop stop failed")
		}
	}
	if err := api.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("engine down")
}
