// Polymarket Lab — a paper-trading bot that tests prediction-market
// strategies against live Polymarket and crypto price data without
// risking funds.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM or kill
//	engine/engine.go     — orchestrator: drives the scan cycle across sources, detectors, gate, ledgers
//	strategy/manager.go  — runs the five detectors, routes fills and exits per strategy book
//	strategy/selector.go — weekly review: scores strategies and proposes capital weights
//	market/scanner.go    — polls the market query API, filters and ranks tracked markets
//	price/aggregator.go  — folds multi-source crypto quotes into an outlier-filtered consensus
//	source/…             — REST and websocket clients with per-source rate limits and health
//	gate/gate.go         — execution gate: every simulated order passes its checks or dies
//	paper/engine.go      — fill simulation against virtual per-strategy ledgers
//	health/monitor.go    — auto-disables strategies that breach loss limits
//	journal/…            — append-only trade, opportunity, and activity streams
//	store/store.go       — crash-safe JSON snapshot so state survives restarts
//	api/…                — dashboard REST + websocket fan-out for observers
//
// How it tests strategies:
//
//	Every cycle the bot scans Polymarket for mispriced binary markets,
//	lets each enabled strategy propose trades, and fills the survivors
//	at real quoted prices into a virtual ledger. Exits run through the
//	same execution gate as entries. Weekly, the selector compares the
//	books and proposes where real capital would have been best placed.
//
// Exit codes: 0 after a clean shutdown (including the kill switch),
// 2 for invalid config, 3 when a startup dependency fails, 130 on an
// operator signal.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLYLAB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(2)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, cfgPath, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(3)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		eng.Stop()
		os.Exit(3)
	}

	logger.Info("polymarket lab started",
		"paper_trading", cfg.PaperTrading,
		"strategies", cfg.Strategies.Enabled,
		"scan_interval_s", cfg.ScanIntervalSeconds,
		"dashboard", cfg.Dashboard.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		eng.Stop()
		os.Exit(130)
	case <-eng.Killed():
		logger.Warn("kill switch engaged, shutting down")
		eng.Stop()
	}
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
