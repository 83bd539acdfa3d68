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
	"github.com/junctionhq/junction/internal/metrics"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background sync, cleanup, and health loops without the HTTP API.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.SyncInterval <= 0 {
		return errors.New("SYNC_INTERVAL must be > 0 to run the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	lanes := buildLaneRunners(cfg, svc, logger)

	logger.Info("worker started",
		"sync_interval", cfg.SyncInterval,
		"sync_workers", cfg.SyncWorkers,
		"resync_enabled", cfg.ResyncEnabled)
	startBackgroundLoops(ctx, cfg, pool, svc, lanes, logger)

	_, metricsErrCh := metrics.StartServer(ctx, cfg.MetricsAddr, logger)

	select {
	case <-ctx.Done():
		return nil
	case err := <-metricsErrCh:
		return err
	}
}
