// Package main implements a checkpoint participant process: it joins the
// collective group, simulates training on its shard, and saves checkpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"

	apppkg "github.com/i-melnichenko/checkpoint-lab/internal/app"
	"github.com/i-melnichenko/checkpoint-lab/internal/checkpoint"
	"github.com/i-melnichenko/checkpoint-lab/internal/observability/metrics"
	"github.com/i-melnichenko/checkpoint-lab/internal/shard"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := apppkg.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	logger := slog.Default()

	prom, err := metrics.NewPrometheus(nil)
	if err != nil {
		return err
	}

	saver, err := checkpoint.NewSaver(logger, otel.Tracer("checkpoint"), prom)
	if err != nil {
		return err
	}

	store := shard.NewStore(cfg.Rank)
	store.Seed([]string{"weights", "bias", "optimizer.momentum"}, 64)

	app, err := apppkg.New(cfg, logger, saver, store)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
