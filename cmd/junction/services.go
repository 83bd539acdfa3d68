package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/junctionhq/junction/internal/config"
	"github.com/junctionhq/junction/internal/health"
	"github.com/junctionhq/junction/internal/oauth"
	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/store"
	"github.com/junctionhq/junction/internal/sync"
	"github.com/junctionhq/junction/internal/vault"
	"github.com/junctionhq/junction/internal/webhooks"
)

// serviceSet is everything a DB-backed command wires once: the provider
// registry, the credential keyring, and the domain services on top.
type serviceSet struct {
	Store      *store.Store
	Registry   *registry.Registry
	Secrets    *vault.Service
	Flows      *oauth.Orchestrator
	Checks     *health.Service
	Rotator    *vault.Rotator
	Verifier   *webhooks.Verifier
	Dispatcher *webhooks.Dispatcher
	Syncer     *sync.Service
	Locks      sync.LockManager
}

func buildServices(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*serviceSet, error) {
	st := store.New(pool)
	reg := buildProviderRegistry(cfg)

	secrets, err := loadCredentialService(ctx, cfg)
	if err != nil {
		return nil, err
	}

	locks, err := sync.NewLockManager(pool, st, sync.LockManagerConfig{Mode: cfg.SyncLockMode})
	if err != nil {
		return nil, err
	}

	syncer := sync.NewService(reg, st, secrets, logger)
	syncer.SetReporter(&sync.LogReporter{Logger: logger})

	return &serviceSet{
		Store:    st,
		Registry: reg,
		Secrets:  secrets,
		Flows:    oauth.NewOrchestrator(reg, st, secrets, logger),
		Checks: health.NewService(reg, st, secrets, logger, health.Config{
			ChunkWidth: cfg.HealthChunkSize,
			BatchDelay: cfg.HealthBatchDelay,
		}),
		Rotator:  vault.NewRotator(secrets, st, logger),
		Verifier: webhooks.NewVerifier(reg, st, logger),
		Dispatcher: webhooks.NewDispatcher(st, secrets, logger, webhooks.DispatcherConfig{
			AllowPrivateTargets: cfg.WebhookAllowPrivate,
		}),
		Syncer: syncer,
		Locks:  locks,
	}, nil
}
