package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/junctionhq/junction/internal/config"
	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/sync"
)

// laneRunners is the pair of due runners behind the two sync lanes.
// Both share one syncer and lock manager; the lanes only differ in the
// mode passed down and the run-once scope that serializes them.
type laneRunners struct {
	Full        sync.Runner
	Incremental sync.Runner
}

func syncRunPolicy(cfg config.Config) sync.RunPolicy {
	backoffMax := cfg.SyncFailureBackoffMax
	if backoffMax <= 0 {
		backoffMax = cfg.SyncInterval * 10
	}
	return sync.RunPolicy{
		DefaultInterval:    cfg.SyncInterval,
		FailureBackoffBase: cfg.SyncInterval,
		FailureBackoffMax:  backoffMax,
	}
}

func buildLaneRunners(cfg config.Config, svc *serviceSet, logger *slog.Logger) laneRunners {
	policy := syncRunPolicy(cfg)
	build := func(mode registry.SyncMode) sync.Runner {
		return sync.NewDueRunner(svc.Store, svc.Syncer, svc.Locks, logger, sync.DueRunnerConfig{
			Policy:  policy,
			Mode:    mode,
			Workers: cfg.SyncWorkers,
		})
	}
	return laneRunners{
		Full:        build(registry.SyncModeFull),
		Incremental: build(registry.SyncModeIncremental),
	}
}

// startBackgroundLoops launches the periodic passes and, when resync is
// enabled, the per-lane trigger consumers. Scheduled catch-up runs in
// the incremental lane; the full lane only moves when an operator or the
// API asks for it. All loops stop with ctx.
func startBackgroundLoops(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, svc *serviceSet, lanes laneRunners, logger *slog.Logger) {
	scheduled := sync.NewTryRunOnceLockRunner(pool, sync.RunOnceScopeNameIncremental, lanes.Incremental)
	go (&sync.Scheduler{Runner: scheduled, Interval: cfg.SyncInterval, Logger: logger}).Run(ctx)

	cleanup := sync.NewCleanupRunner(svc.Flows, svc.Store, logger, sync.CleanupConfig{})
	go (&sync.Scheduler{Runner: cleanup, Interval: cfg.CleanupInterval, Logger: logger}).Run(ctx)

	if cfg.HealthCheckInterval > 0 {
		sweep := sync.NewHealthRunner(svc.Checks, svc.Store, logger)
		go (&sync.Scheduler{Runner: sweep, Interval: cfg.HealthCheckInterval, Logger: logger}).Run(ctx)
	}

	if !cfg.ResyncEnabled {
		return
	}
	go (&sync.TriggerLoop{Pool: pool, Mode: registry.SyncModeFull, Lane: lanes.Full, Logger: logger}).Run(ctx)
	go (&sync.TriggerLoop{Pool: pool, Mode: registry.SyncModeIncremental, Lane: lanes.Incremental, Logger: logger}).Run(ctx)
}
