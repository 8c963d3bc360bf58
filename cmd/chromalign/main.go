package main

import (
	"context"
	"fmt"
	"os"

	"chromalign/internal/cli"
	"chromalign/internal/config"
	"chromalign/internal/fsutil"
	"chromalign/internal/logging"
	"chromalign/internal/pipeline"
	"chromalign/internal/storage"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return err
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return err
	}

	dbPath := fsutil.ExpandUser(cfg.Paths.DatabasePath)
	store, err := storage.New(dbPath)
	if err != nil {
		// history is optional; the store methods are no-ops on nil
		logger.Warn("job history disabled", "path", dbPath, "error", err)
		store = nil
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe := pipeline.New(ctx, logger, store, cfg)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx)
}
