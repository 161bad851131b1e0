package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/iago/reporting-back/internal/app"
	"github.com/iago/reporting-back/internal/config"
)

// The worker only consumes the report queue. Generators are registered in the
// same way as in the API so both processes resolve the same kinds.
func main() {
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		slog.Warn("failed loading .env files", "error", err)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg).With("role", "worker")

	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not configured, this worker only sees its own in-process queue")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(ctx, cfg, logger, app.StandaloneWorker())
	if err != nil {
		logger.Error("failed to start runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	logger.Info("worker started",
		"concurrency", cfg.WorkerConcurrency,
		"queue", cfg.ReportsQueue,
		"kinds", len(rt.Registry.Kinds()),
	)
	rt.Processor.Start(ctx)
	logger.Info("worker stopped")
}
