package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kansoku-dev/kansoku"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	hub, err := kansoku.New(
		kansoku.WithVersion(version),
		kansoku.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	logger.Info("kansoku starting", "version", version)
	return hub.Run(ctx)
}
