// Command bridge runs the agent bridge: a long-lived broker between the
// user-facing server and local CLI coding agents.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/bridgekit/bridgekit/internal/bridge/supervisor"
	"github.com/bridgekit/bridgekit/internal/common/config"
	"github.com/bridgekit/bridgekit/internal/common/logger"
	"github.com/bridgekit/bridgekit/internal/tracing"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingShutdown, err := tracing.Init(ctx, "agent-bridge", version)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
		tracingShutdown = func(context.Context) error { return nil }
	}

	sup, err := supervisor.New(cfg, log)
	if err != nil {
		log.Error("failed to build bridge", zap.Error(err))
		os.Exit(1)
	}

	runErr := sup.Run(ctx)

	if err := tracingShutdown(context.Background()); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}

	if runErr != nil {
		log.Error("bridge exited with error", zap.Error(runErr))
		os.Exit(1)
	}
}
