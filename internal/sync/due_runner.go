package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/store"
)

const (
	integrationScopeKind = "integration"

	defaultSyncWorkers          = 4
	defaultTimeoutRetryAttempts = 2
	defaultTimeoutRetryDelay    = 2 * time.Second
)

var errSyncLockLost = errors.New("sync lock lost")

// dueStore is the slice of the persistence layer the due runner needs.
type dueStore interface {
	ListActiveIntegrations(ctx context.Context) ([]store.Integration, error)
}

// IntegrationSyncer runs one integration's sync pass. *Service
// implements it.
type IntegrationSyncer interface {
	SyncIntegration(ctx context.Context, integrationID uuid.UUID, mode registry.SyncMode) (registry.SyncResult, error)
}

// DueRunnerConfig tunes selection and fan-out.
type DueRunnerConfig struct {
	Policy  RunPolicy
	Mode    registry.SyncMode
	Workers int
	// TimeoutRetryAttempts bounds how often a timed-out pass is retried
	// within one tick; zero means the default of two attempts total.
	TimeoutRetryAttempts int
	TimeoutRetryDelay    time.Duration
}

// DueRunner syncs every active integration whose schedule has come up.
// Each integration runs under its own distributed lock so overlapping
// ticks, other instances, and targeted runs never write the same
// integration twice at once. Consecutive failures are tracked in memory
// per integration and feed the policy's backoff.
type DueRunner struct {
	store  dueStore
	syncer IntegrationSyncer
	locks  LockManager
	logger *slog.Logger

	policy        RunPolicy
	mode          registry.SyncMode
	workers       int
	retryAttempts int
	retryDelay    time.Duration
	now           func() time.Time

	mu       sync.Mutex
	failures map[uuid.UUID]int
}

// NewDueRunner wires a due runner. A zero-valued cfg gets full mode,
// policy defaults, four workers, and one timeout retry.
func NewDueRunner(st dueStore, syncer IntegrationSyncer, locks LockManager, logger *slog.Logger, cfg DueRunnerConfig) *DueRunner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultSyncWorkers
	}
	attempts := cfg.TimeoutRetryAttempts
	if attempts <= 0 {
		attempts = defaultTimeoutRetryAttempts
	}
	delay := cfg.TimeoutRetryDelay
	if delay < 0 {
		delay = 0
	} else if delay == 0 {
		delay = defaultTimeoutRetryDelay
	}
	mode := cfg.Mode
	if mode == "" {
		mode = registry.SyncModeFull
	}
	return &DueRunner{
		store:         st,
		syncer:        syncer,
		locks:         locks,
		logger:        logger,
		policy:        cfg.Policy,
		mode:          mode,
		workers:       workers,
		retryAttempts: attempts,
		retryDelay:    delay,
		now:           time.Now,
		failures:      make(map[uuid.UUID]int),
	}
}

// RunOnce selects the due integrations and syncs them with bounded
// parallelism. A context scoped to one integration restricts the pass to
// it; a forced context skips the due check. Hard failures are joined and
// returned; a pass where every provider merely reported sync errors is
// not a runner failure.
func (r *DueRunner) RunOnce(ctx context.Context) error {
	if r == nil || r.store == nil || r.syncer == nil || r.locks == nil {
		return errors.New("sync runner is not configured")
	}

	integrations, err := r.store.ListActiveIntegrations(ctx)
	if err != nil {
		return err
	}

	if scopeID, ok := IntegrationScopeFromContext(ctx); ok {
		integrations = filterByID(integrations, scopeID)
	}
	if len(integrations) == 0 {
		return ErrNoEnabledIntegrations
	}

	due := integrations
	if !IsForcedSync(ctx) {
		due = r.dueIntegrations(integrations)
	}
	if len(due) == 0 {
		return ErrNoIntegrationsDue
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(r.workers)

	for _, integration := range due {
		g.Go(func() error {
			if err := r.runOne(ctx, integration); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s sync: %w", integration.Provider, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// runOne syncs a single integration under its lock. A scope that is
// already held elsewhere is skipped silently: whoever holds it is doing
// the same work.
func (r *DueRunner) runOne(ctx context.Context, integration store.Integration) error {
	lock, ok, err := r.locks.TryAcquire(ctx, integrationScopeKind, integration.ID.String())
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Debug("integration already locked, skipping",
			"integration_id", integration.ID, "provider", integration.Provider)
		return nil
	}

	runErr, lost := runWithManagedLock(ctx, lock, r.logger, func(lockCtx context.Context) error {
		return r.syncWithRetry(lockCtx, integration)
	})
	if lost != nil {
		return errors.Join(runErr, fmt.Errorf("%w: %w", errSyncLockLost, lost))
	}
	if errors.Is(runErr, ErrNoSyncableConnection) {
		// Nothing to pull until somebody re-authorizes; the due check
		// will bring the integration back every tick, so stay quiet.
		r.logger.Debug("integration has no syncable connection",
			"integration_id", integration.ID, "provider", integration.Provider)
		return nil
	}
	if runErr != nil {
		r.logger.Error("integration sync failed",
			"integration_id", integration.ID, "provider", integration.Provider, "err", runErr)
	}
	return runErr
}

// syncWithRetry runs the pass, retrying once more after a timeout. Other
// failures are not retried: the next scheduled tick is the retry, with
// backoff applied.
func (r *DueRunner) syncWithRetry(ctx context.Context, integration store.Integration) error {
	var runErr error
	for attempt := 1; attempt <= r.retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > 1 {
			r.logger.Warn("retrying integration sync after timeout",
				"integration_id", integration.ID,
				"provider", integration.Provider,
				"attempt", attempt,
				"max_attempts", r.retryAttempts,
				"retry_delay", r.retryDelay,
				"err", runErr)
			if err := sleepWithContext(ctx, r.retryDelay); err != nil {
				return errors.Join(runErr, err)
			}
		}

		var result registry.SyncResult
		result, runErr = r.syncer.SyncIntegration(ctx, integration.ID, r.mode)
		r.recordOutcome(integration.ID, runErr == nil && result.Success)
		if runErr == nil {
			return nil
		}
		if !isRetryableTimeoutError(runErr) {
			return runErr
		}
	}
	return runErr
}

func (r *DueRunner) dueIntegrations(integrations []store.Integration) []store.Integration {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	due := make([]store.Integration, 0, len(integrations))
	for _, integration := range integrations {
		if r.policy.Due(integration, r.failures[integration.ID], now) {
			due = append(due, integration)
		}
	}
	return due
}

// recordOutcome maintains the per-integration failure streak the backoff
// feeds on. Partial sync failures count: a provider limping through
// every tick deserves the same spacing as one that errors outright.
func (r *DueRunner) recordOutcome(id uuid.UUID, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		delete(r.failures, id)
		return
	}
	r.failures[id]++
}

func filterByID(integrations []store.Integration, id uuid.UUID) []store.Integration {
	for _, integration := range integrations {
		if integration.ID == id {
			return []store.Integration{integration}
		}
	}
	return nil
}

func isRetryableTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Lock-loss errors may wrap context.DeadlineExceeded; do not retry them.
	if errors.Is(err, errSyncLockLost) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if os.IsTimeout(err) {
		return true
	}

	var timeoutErr interface {
		Timeout() bool
	}
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
