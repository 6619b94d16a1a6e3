package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"nvis/internal/cli"
	"nvis/internal/config"
	"nvis/internal/logging"
	"nvis/internal/pipeline"
	"nvis/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nvis:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", config.Path(), err)
	}

	logger, err := logging.Setup(cfg, cli.VerboseRequested(os.Args[1:]))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// a broken database only disables history
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("run history disabled", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	}
	defer store.Close()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store)
	defer pipe.Stop()

	err = cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info("interrupted")
		return nil
	}
	return err
}
