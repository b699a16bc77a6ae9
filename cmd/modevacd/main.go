// Package main — cmd/modevacd/main.go
//
// MOD-EVAC coordinator entrypoint.
//
// Startup sequence:
//  1. Load and validate config.
//  2. Initialise structured logger (zap).
//  3. Construct the Coordinator (opens storage, binds fleet + API ports).
//  4. Run until SIGINT/SIGTERM.
//
// Exit codes: 0 normal; 1 fatal (config unreadable, persistence open
// failed, or a port bind failed).

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nexora/modevac/internal/config"
	"github.com/nexora/modevac/internal/coordinator"
)

func main() {
	configPath := flag.String("config", "modevac.yaml", "Path to the coordinator config file")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("modevacd %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("MOD-EVAC coordinator starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("config", *configPath))

	coord, err := coordinator.New(cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coord.Run(ctx); err != nil {
		log.Error("coordinator failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
