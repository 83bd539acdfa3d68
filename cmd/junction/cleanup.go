package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/junctionhq/junction/internal/config"
	"github.com/junctionhq/junction/internal/sync"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Expire stale authorization flows and prune aged rows once.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCleanup()
	},
}

func runCleanup() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	logger := slog.Default()

	svc, err := buildServices(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}

	runner := sync.NewCleanupRunner(svc.Flows, svc.Store, logger, sync.CleanupConfig{})
	if err := runner.RunOnce(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return &exitError{code: 130, err: err, silent: true}
		}
		return &exitError{code: 1, err: err}
	}
	return nil
}
