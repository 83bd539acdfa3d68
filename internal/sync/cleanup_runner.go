package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/junctionhq/junction/internal/oauth"
)

const (
	defaultLogRetention      = 90 * 24 * time.Hour
	defaultDeliveryRetention = 30 * 24 * time.Hour
	defaultFlowRetention     = 7 * 24 * time.Hour
)

// FlowSweeper expires stale authorization flows. *oauth.Orchestrator
// implements it.
type FlowSweeper interface {
	CleanupExpiredStates(ctx context.Context) (oauth.CleanupReport, error)
}

type cleanupStore interface {
	PruneIntegrationLogs(ctx context.Context, cutoff time.Time) (int64, error)
	PrunePendingAuthorizations(ctx context.Context, cutoff time.Time) (int64, error)
	PruneWebhookDeliveries(ctx context.Context, cutoff time.Time) (int64, error)
	PruneSyncLeases(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupConfig sets how long finished rows stay queryable before the
// periodic sweep removes them.
type CleanupConfig struct {
	LogRetention      time.Duration
	DeliveryRetention time.Duration
	FlowRetention     time.Duration
}

func (c CleanupConfig) withDefaults() CleanupConfig {
	if c.LogRetention <= 0 {
		c.LogRetention = defaultLogRetention
	}
	if c.DeliveryRetention <= 0 {
		c.DeliveryRetention = defaultDeliveryRetention
	}
	if c.FlowRetention <= 0 {
		c.FlowRetention = defaultFlowRetention
	}
	return c
}

// CleanupRunner is the periodic maintenance pass: it expires stale
// authorization flows, then prunes finished audit logs, authorization
// rows, webhook deliveries, and dead sync leases past their retention
// windows. Each step runs even when an earlier one fails; the errors
// are joined at the end.
type CleanupRunner struct {
	flows  FlowSweeper
	store  cleanupStore
	logger *slog.Logger
	cfg    CleanupConfig
	now    func() time.Time
}

func NewCleanupRunner(flows FlowSweeper, st cleanupStore, logger *slog.Logger, cfg CleanupConfig) *CleanupRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupRunner{
		flows:  flows,
		store:  st,
		logger: logger,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

func (r *CleanupRunner) RunOnce(ctx context.Context) error {
	if r.store == nil {
		return errors.New("sync: cleanup runner has no store")
	}

	now := r.now().UTC()
	var errs []error

	var report oauth.CleanupReport
	if r.flows != nil {
		var err error
		report, err = r.flows.CleanupExpiredStates(ctx)
		if err != nil {
			errs = append(errs, err)
		}
	}

	logs, err := r.store.PruneIntegrationLogs(ctx, now.Add(-r.cfg.LogRetention))
	if err != nil {
		errs = append(errs, err)
	}
	flows, err := r.store.PrunePendingAuthorizations(ctx, now.Add(-r.cfg.FlowRetention))
	if err != nil {
		errs = append(errs, err)
	}
	deliveries, err := r.store.PruneWebhookDeliveries(ctx, now.Add(-r.cfg.DeliveryRetention))
	if err != nil {
		errs = append(errs, err)
	}
	// A lease whose expiry has passed is already inert; pruning just
	// keeps the table from growing with instances that never came back.
	leases, err := r.store.PruneSyncLeases(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}

	r.logger.Info("cleanup pass finished",
		"expired_states", report.ExpiredStates,
		"expired_integrations", report.ExpiredIntegrations,
		"pruned_logs", logs,
		"pruned_flows", flows,
		"pruned_deliveries", deliveries,
		"pruned_leases", leases)

	return errors.Join(errs...)
}
