// Pollscan indexes the polls of an epoch-indexed prediction oracle, maps
// them to their AMM and pari-mutuel markets and values a wallet's holdings.
//
// Architecture:
//
//	main.go                 entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go        orchestrator: refresh loop, event fan-out, api.Provider
//	market/aggregator.go    epoch scan + cache replay, keeps the poll collection
//	market/scanner.go       newest-first chunked range scan with adaptive retry
//	market/index.go         poll -> markets index, reloaded after each poll refresh
//	portfolio/scanner.go    wallet positions and their value
//	chain/*                 eth_call client, multicall batching, ABI bindings, head watcher
//	store/*                 epoch cache on files, sqlite or redis
//	api/*                   read-only dashboard: JSON endpoints + WebSocket stream
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"pollscan/internal/api"
	"pollscan/internal/config"
	"pollscan/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLLSCAN_CONFIG"); p != "" {
		cfgPath = p
	}
	flag.StringVar(&cfgPath, "config", cfgPath, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg.Logging, os.Stdout)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg, eng, logger)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("pollscan started",
		"chain_id", cfg.Chain.ChainID,
		"oracle", cfg.Chain.OracleAddress,
		"cache", cfg.Cache.Backend,
		"wallet", cfg.Positions.Wallet,
	)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	// Stop dashboard first
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
}

// newLogger builds the process logger. With cfg.File set, output is tee'd
// into a size-rotated file.
func newLogger(cfg config.LoggingConfig, stdout io.Writer) (*slog.Logger, func(), error) {
	w := stdout
	closeFn := func() {}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		w = io.MultiWriter(stdout, file)
		closeFn = func() { _ = file.Close() }
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closeFn, nil
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
