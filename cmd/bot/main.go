// Kalshi LIP Market Maker — an automated market-making bot for Kalshi's
// binary prediction markets, quoting to qualify for the Liquidity
// Incentive Program (LIP) rebate.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — main scheduler: single-threaded per-tick loop over tracked markets
//	strategy/machine.go  — per-market state machine: idle/tracked/quoting/blocked/exiting/closed
//	strategy/inventory.go — tracks signed position, avg entry price, realized PnL
//	strategy/flow_tracker.go — local fill-flow toxicity detector
//	market/discovery.go  — polls the valid-markets endpoint, filters toxic markets
//	market/book.go        — local order book mirror fed by WebSocket snapshots + deltas
//	exchange/client.go   — REST client for the exchange API (place/cancel orders, fetch book)
//	exchange/ws.go       — WebSocket feeds (order book + fills) with auto-reconnect
//	risk/volatility.go   — background EWMA volatility engine
//	risk/score.go        — combines time-to-expiry and volatility into a risk score
//	risk/breaker.go      — circuit breaker: trips on errors, PnL, or inventory imbalance
//	risk/manager.go      — portfolio-level monitor feeding the circuit breaker
//	store/store.go       — JSON file persistence for inventory snapshots (survives restarts)
//
// How it makes money:
//
//	The bot posts resting bid/ask quotes sized to qualify for the LIP
//	rebate on markets where a risk score (time-to-expiry and recent
//	volatility) stays below threshold. It earns the rebate plus the
//	captured spread when quotes fill, while a circuit breaker and
//	inventory caps bound the downside.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"kalshi-lip-mm/internal/config"
	"kalshi-lip-mm/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KALSHI_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		eng.Run(ctx)
	}()

	logger.Info("kalshi lip market maker started",
		"markets_max", cfg.Loop.MaxMarketsWithOrders,
		"max_position", cfg.Risk.MaxPosition,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
	<-runDone
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
