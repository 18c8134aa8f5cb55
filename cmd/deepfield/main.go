package main

import (
	"context"
	"fmt"
	"os"

	"deepfield/internal/cli"
	"deepfield/internal/config"
	"deepfield/internal/logging"
	"deepfield/internal/pipeline"
	"deepfield/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "deepfield:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	dbPath, err := config.ExpandUser(cfg.Paths.DatabasePath)
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Database.Driver, dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe := pipeline.New(ctx, 1, logger, store, cfg)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx)
}
