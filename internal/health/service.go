// Package health tests stored connections against their providers and
// writes the outcomes back, batching work so no third party sees an
// unbounded burst of probe traffic.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/junctionhq/junction/internal/metrics"
	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/store"
	"github.com/junctionhq/junction/internal/vault"
)

// ErrUnknownProvider means the connection's integration names a
// provider kind that is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

const (
	// defaultChunkWidth bounds how many connections are tested at once.
	defaultChunkWidth = 5
	// defaultBatchDelay spaces consecutive chunks in a full sweep.
	defaultBatchDelay = time.Second
)

// healthStore is the slice of the persistence layer health checks need.
type healthStore interface {
	GetConnection(ctx context.Context, id uuid.UUID) (store.Connection, error)
	GetIntegration(ctx context.Context, id uuid.UUID) (store.Integration, error)
	ListConnectionsWithCredentialsByOrganization(ctx context.Context, orgID uuid.UUID) ([]store.Connection, error)
	MarkConnectionTested(ctx context.Context, id uuid.UUID, status, lastError string, at time.Time, rateLimit []byte) error
	UpdateIntegrationStatus(ctx context.Context, id uuid.UUID, status, lastError string) error
	AppendIntegrationLog(ctx context.Context, p store.AppendIntegrationLogParams) (store.IntegrationLog, error)
}

// Config tunes batching. Zero values select the defaults.
type Config struct {
	// ChunkWidth is how many connections are tested concurrently.
	ChunkWidth int
	// BatchDelay is the pause between chunks in RunHealthChecks, there
	// to respect provider rate limits during full sweeps.
	BatchDelay time.Duration
}

// Service runs connection tests and capability probes.
type Service struct {
	registry *registry.Registry
	store    healthStore
	secrets  *vault.Service
	logger   *slog.Logger
	width    int
	delay    time.Duration
	now      func() time.Time
}

// NewService wires a health service.
func NewService(reg *registry.Registry, st healthStore, secrets *vault.Service, logger *slog.Logger, cfg Config) *Service {
	if cfg.ChunkWidth <= 0 {
		cfg.ChunkWidth = defaultChunkWidth
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = defaultBatchDelay
	}
	return &Service{
		registry: reg,
		store:    st,
		secrets:  secrets,
		logger:   logger,
		width:    cfg.ChunkWidth,
		delay:    cfg.BatchDelay,
		now:      time.Now,
	}
}

// Result is the outcome of testing one connection.
type Result struct {
	ConnectionID uuid.UUID           `json:"connection_id"`
	Provider     string              `json:"provider,omitempty"`
	Success      bool                `json:"success"`
	Status       string              `json:"status,omitempty"`
	Message      string              `json:"message,omitempty"`
	Details      map[string]any      `json:"details,omitempty"`
	RateLimit    *registry.RateLimit `json:"rate_limit,omitempty"`
	CheckedAt    time.Time           `json:"checked_at"`
	DurationMS   int64               `json:"duration_ms"`
}

// TestOne tests a single connection against its provider and writes the
// resulting status back to both the connection and its integration. The
// attempt lands in the audit log either way. A failing test is a Result
// with Success false, not an error; errors mean the connection could
// not be resolved at all.
func (s *Service) TestOne(ctx context.Context, connectionID uuid.UUID) (Result, error) {
	start := s.now()

	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return Result{}, err
	}
	integration, err := s.store.GetIntegration(ctx, conn.IntegrationID)
	if err != nil {
		return Result{}, err
	}
	provider, ok := s.registry.Get(integration.Provider)
	if !ok {
		return Result{}, ErrUnknownProvider
	}
	cfg, err := registry.DecodeConfig(integration.Config)
	if err != nil {
		return Result{}, err
	}

	out := Result{
		ConnectionID: conn.ID,
		Provider:     integration.Provider,
		CheckedAt:    start.UTC(),
	}
	if !conn.HasCredentials() {
		out.Status = conn.Status
		out.Message = "connection has no stored credentials"
		return out, nil
	}

	var result registry.TestResult
	creds, err := s.secrets.DecryptCredentials(conn.Credentials)
	if err != nil {
		result = registry.FailedTest(err)
	} else {
		result = provider.TestConnection(ctx, creds, cfg)
	}

	status := store.ConnectionStatusError
	lastError := result.Message
	if result.Success {
		status = store.ConnectionStatusConnected
		lastError = ""
	}
	var rateLimit []byte
	if result.RateLimit != nil {
		rateLimit, _ = json.Marshal(result.RateLimit)
	}

	checkedAt := s.now().UTC()
	if err := s.store.MarkConnectionTested(ctx, conn.ID, status, lastError, checkedAt, rateLimit); err != nil {
		s.logger.Warn("could not record test outcome", "connection_id", conn.ID, "error", err)
	}
	integStatus := store.IntegrationStatusActive
	if !result.Success {
		integStatus = store.IntegrationStatusError
	}
	if err := s.store.UpdateIntegrationStatus(ctx, integration.ID, integStatus, lastError); err != nil {
		s.logger.Warn("could not record integration status", "integration_id", integration.ID, "error", err)
	}

	out.Success = result.Success
	out.Status = status
	out.Message = result.Message
	out.Details = result.Details
	out.RateLimit = result.RateLimit
	out.DurationMS = s.now().Sub(start).Milliseconds()

	outcome := "success"
	if !result.Success {
		outcome = "error"
	}
	metrics.ConnectionTestsTotal.WithLabelValues(integration.Provider, outcome).Inc()
	s.audit(ctx, integration.ID, conn.ID, result, out.DurationMS)

	return out, nil
}

// TestMany tests the given connections a chunk at a time: each chunk
// runs concurrently, and the next chunk starts only when the previous
// one has settled. Resolution failures fold into the result map so one
// bad id never aborts the batch.
func (s *Service) TestMany(ctx context.Context, ids []uuid.UUID) map[uuid.UUID]Result {
	return s.runChunks(ctx, ids, 0)
}

func (s *Service) runChunks(ctx context.Context, ids []uuid.UUID, delay time.Duration) map[uuid.UUID]Result {
	results := make(map[uuid.UUID]Result, len(ids))
	var mu sync.Mutex

	for start := 0; start < len(ids); start += s.width {
		if start > 0 && delay > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return results
			}
		}
		if ctx.Err() != nil {
			return results
		}

		chunk := ids[start:min(start+s.width, len(ids))]
		var wg sync.WaitGroup
		for _, id := range chunk {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := s.TestOne(ctx, id)
				if err != nil {
					result = Result{ConnectionID: id, Message: err.Error(), CheckedAt: s.now().UTC()}
				}
				mu.Lock()
				results[id] = result
				mu.Unlock()
			}()
		}
		wg.Wait()
	}
	return results
}

// audit records one test attempt.
func (s *Service) audit(ctx context.Context, integrationID, connectionID uuid.UUID, result registry.TestResult, elapsed int64) {
	status := store.LogStatusSuccess
	detail := ""
	if !result.Success {
		status = store.LogStatusError
		detail = result.Message
	}
	response, _ := json.Marshal(map[string]any{"success": result.Success, "message": result.Message})
	connID := connectionID
	_, err := s.store.AppendIntegrationLog(ctx, store.AppendIntegrationLogParams{
		IntegrationID: integrationID,
		ConnectionID:  &connID,
		Action:        "connection_tested",
		Status:        status,
		ResponseData:  response,
		ErrorDetail:   detail,
		DurationMS:    &elapsed,
	})
	if err != nil {
		s.logger.Warn("could not log connection test", "connection_id", connectionID, "error", err)
	}
}

// sleepCtx waits for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
