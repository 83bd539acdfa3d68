package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/junctionhq/junction/internal/health"
	"github.com/junctionhq/junction/internal/store"
)

// HealthChecker sweeps one organization's connections. *health.Service
// implements it.
type HealthChecker interface {
	RunHealthChecks(ctx context.Context, orgID uuid.UUID) (health.CheckReport, error)
}

type healthRunnerStore interface {
	ListIntegrations(ctx context.Context) ([]store.Integration, error)
}

// HealthRunner runs the periodic connection health sweep across every
// organization that has integrations configured.
type HealthRunner struct {
	checks HealthChecker
	store  healthRunnerStore
	logger *slog.Logger
}

func NewHealthRunner(checks HealthChecker, st healthRunnerStore, logger *slog.Logger) *HealthRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthRunner{checks: checks, store: st, logger: logger}
}

func (r *HealthRunner) RunOnce(ctx context.Context) error {
	if r.checks == nil || r.store == nil {
		return errors.New("sync: health runner is not configured")
	}

	integrations, err := r.store.ListIntegrations(ctx)
	if err != nil {
		return fmt.Errorf("list integrations: %w", err)
	}

	orgs := distinctOrganizations(integrations)
	if len(orgs) == 0 {
		return ErrNoEnabledIntegrations
	}

	var (
		tested, passed, failed int
		errs                   []error
	)
	for _, orgID := range orgs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report, err := r.checks.RunHealthChecks(ctx, orgID)
		if err != nil {
			errs = append(errs, fmt.Errorf("health sweep for organization %s: %w", orgID, err))
			continue
		}
		tested += report.Tested
		passed += report.Passed
		failed += report.Failed
	}

	r.logger.Info("health pass finished",
		"organizations", len(orgs), "tested", tested, "passed", passed, "failed", failed)

	return errors.Join(errs...)
}

// distinctOrganizations keeps first-seen order so sweep logs stay
// stable run to run.
func distinctOrganizations(integrations []store.Integration) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(integrations))
	var orgs []uuid.UUID
	for _, integration := range integrations {
		if _, ok := seen[integration.OrganizationID]; ok {
			continue
		}
		seen[integration.OrganizationID] = struct{}{}
		orgs = append(orgs, integration.OrganizationID)
	}
	return orgs
}
