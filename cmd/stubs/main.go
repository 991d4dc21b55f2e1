// Command stubs serves the local provider bundle: bars, account state,
// news sentiment and a paper broker behind the same REST contract the
// live adapters speak. Point the engine's http adapters at it for a
// full rehearsal without a terminal bridge.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tradewheel/autonomy/internal/observ"
	"github.com/tradewheel/autonomy/internal/stubs"
)

func main() {
	var (
		addr    string
		seed    int64
		equity  float64
		latency int
		level   string
	)
	flag.StringVar(&addr, "addr", ":8090", "listen address")
	flag.Int64Var(&seed, "seed", 0, "price walk seed (0 = time-based)")
	flag.Float64Var(&equity, "equity", 10000, "starting account equity")
	flag.IntVar(&latency, "latency-ms", 0, "artificial order latency")
	flag.StringVar(&level, "log-level", "info", "log level")
	flag.Parse()

	observ.Setup(level, true)
	logger := observ.Component("main")

	srv := stubs.New(stubs.Options{Addr: addr, Seed: seed, Equity: equity, LatencyMs: latency})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Fatal().Err(err).Msg("stub server failed")
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
	}
}
