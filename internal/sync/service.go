package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/junctionhq/junction/internal/metrics"
	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/store"
	"github.com/junctionhq/junction/internal/vault"
)

// Service errors surfaced to callers. Provider-level failures are not
// errors: they come back inside the SyncResult.
var (
	// ErrUnknownProvider means the integration names a provider kind that
	// is not registered.
	ErrUnknownProvider = errors.New("sync: unknown provider")
	// ErrNoSyncableConnection means the integration has no connected
	// connection with stored credentials.
	ErrNoSyncableConnection = errors.New("sync: no syncable connection")
)

// syncStore is the slice of the persistence layer a sync pass needs.
type syncStore interface {
	GetIntegration(ctx context.Context, id uuid.UUID) (store.Integration, error)
	ListConnectionsByIntegration(ctx context.Context, integrationID uuid.UUID) ([]store.Connection, error)
	MarkIntegrationSynced(ctx context.Context, id uuid.UUID, at time.Time, lastError string) error
	StartIntegrationLog(ctx context.Context, p store.StartIntegrationLogParams) (store.IntegrationLog, error)
	CompleteIntegrationLog(ctx context.Context, id uuid.UUID, status string, responseData []byte, errorDetail string, durationMS int64) error
}

// Service runs one integration's sync pass: resolve the provider,
// decrypt the connection credentials, let the provider pull its enabled
// resources, then write the outcome back to the integration and its
// audit log. Resource-level failures stay inside the result; the pass
// keeps going so one broken resource cannot hide the rest.
type Service struct {
	registry *registry.Registry
	store    syncStore
	secrets  *vault.Service
	logger   *slog.Logger
	reporter registry.Reporter
	now      func() time.Time
}

// NewService wires a sync service.
func NewService(reg *registry.Registry, st syncStore, secrets *vault.Service, logger *slog.Logger) *Service {
	return &Service{
		registry: reg,
		store:    st,
		secrets:  secrets,
		logger:   logger,
		reporter: registry.NopReporter(),
		now:      time.Now,
	}
}

// SetReporter routes provider progress events to r.
func (s *Service) SetReporter(r registry.Reporter) {
	s.reporter = registry.EnsureReporter(r)
}

// SyncIntegration pulls the integration's enabled resources in the given
// mode. Incremental runs use the integration's last successful sync as
// the watermark; an integration that has never synced gets a full pull
// regardless of mode.
//
// The returned error covers resolution and persistence failures only.
// Once the provider is reached, failures are recorded in the result, the
// integration's last_error, and the audit log, and the error return is
// nil.
func (s *Service) SyncIntegration(ctx context.Context, integrationID uuid.UUID, mode registry.SyncMode) (registry.SyncResult, error) {
	integration, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return registry.SyncResult{}, err
	}
	provider, ok := s.registry.Get(integration.Provider)
	if !ok {
		return registry.SyncResult{}, fmt.Errorf("%w: %s", ErrUnknownProvider, integration.Provider)
	}
	cfg, err := registry.DecodeConfig(integration.Config)
	if err != nil {
		return registry.SyncResult{}, fmt.Errorf("decode integration config: %w", err)
	}
	conn, err := s.syncableConnection(ctx, integrationID)
	if err != nil {
		return registry.SyncResult{}, err
	}

	var since *time.Time
	if mode == registry.SyncModeIncremental {
		since = integration.LastSyncAt
	}

	start := s.now()
	request, _ := json.Marshal(map[string]any{"mode": mode, "since": since})
	logRow, err := s.store.StartIntegrationLog(ctx, store.StartIntegrationLogParams{
		IntegrationID: integrationID,
		ConnectionID:  &conn.ID,
		Action:        "sync",
		RequestData:   request,
	})
	if err != nil {
		return registry.SyncResult{}, err
	}

	var result registry.SyncResult
	creds, err := s.secrets.DecryptCredentials(conn.Credentials)
	if err != nil {
		// A top-level failure before the provider is reached fails the
		// whole run with a single synthetic entry and zero counts.
		result.AddError("sync", fmt.Errorf("decrypt credentials: %w", err))
		result = result.Finalize()
	} else {
		result = provider.Sync(ctx, creds, cfg, registry.SyncRequest{
			Mode:     mode,
			Since:    since,
			Reporter: s.reporter,
		})
	}

	s.finish(ctx, integration, logRow.ID, result, start)
	return result, nil
}

// syncableConnection picks the integration's first connected connection
// that still holds credentials.
func (s *Service) syncableConnection(ctx context.Context, integrationID uuid.UUID) (store.Connection, error) {
	conns, err := s.store.ListConnectionsByIntegration(ctx, integrationID)
	if err != nil {
		return store.Connection{}, err
	}
	for _, conn := range conns {
		if conn.Status == store.ConnectionStatusConnected && conn.HasCredentials() {
			return conn, nil
		}
	}
	return store.Connection{}, ErrNoSyncableConnection
}

// finish writes the run outcome to the integration row, the audit log,
// and the process metrics. Persistence failures here are downgraded to
// warnings: the sync itself already happened and its result is what
// callers get back.
func (s *Service) finish(ctx context.Context, integration store.Integration, logID uuid.UUID, result registry.SyncResult, start time.Time) {
	finished := s.now()
	elapsed := finished.Sub(start)
	lastError := summarizeSyncErrors(result.Errors)

	if err := s.store.MarkIntegrationSynced(ctx, integration.ID, finished, lastError); err != nil {
		s.logger.Warn("sync outcome write failed",
			"integration_id", integration.ID, "error", err)
	}

	response, _ := json.Marshal(result)
	if err := s.store.CompleteIntegrationLog(ctx, logID, logStatusForRun(ctx, result), response, lastError, elapsed.Milliseconds()); err != nil {
		s.logger.Warn("sync log completion failed",
			"integration_id", integration.ID, "error", err)
	}

	status := "success"
	if !result.Success {
		status = "failure"
	}
	metrics.SyncDuration.WithLabelValues(integration.Provider, integration.Name).Observe(elapsed.Seconds())
	metrics.SyncRunsTotal.WithLabelValues(integration.Provider, integration.Name, status).Inc()
	if result.Success {
		metrics.SyncLastSuccessTimestamp.WithLabelValues(integration.Provider, integration.Name).Set(float64(finished.Unix()))
	}
	for resource, count := range result.Resources {
		metrics.SyncResourcesTotal.WithLabelValues(integration.Provider, integration.Name, resource).Set(float64(count))
	}

	s.logger.Info("sync finished",
		"integration_id", integration.ID,
		"provider", integration.Provider,
		"success", result.Success,
		"processed", result.Processed,
		"errors", len(result.Errors),
		"duration", elapsed)
}

// logStatusForRun maps a finished run onto the audit log's status enum.
// Cancellation and deadline expiry show up as their own statuses so a
// killed worker is distinguishable from a provider failure.
func logStatusForRun(ctx context.Context, result registry.SyncResult) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return store.LogStatusTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return store.LogStatusCancelled
	case result.Success:
		return store.LogStatusSuccess
	default:
		return store.LogStatusError
	}
}

// summarizeSyncErrors flattens the per-resource errors into the
// integration's last_error column.
func summarizeSyncErrors(errs []registry.SyncError) string {
	switch len(errs) {
	case 0:
		return ""
	case 1:
		return errs[0].Resource + ": " + errs[0].Message
	default:
		return fmt.Sprintf("%s: %s (+%d more errors)", errs[0].Resource, errs[0].Message, len(errs)-1)
	}
}
