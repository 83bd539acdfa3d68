// Package oauth drives the authorization lifecycle for integrations:
// issuing consent URLs, finishing callbacks, refreshing and revoking
// stored tokens, and sweeping flows that never came back.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/store"
	"github.com/junctionhq/junction/internal/vault"
)

// StateTTL is how long an issued authorization state stays consumable.
// Flows older than this are rejected at the callback and swept by
// CleanupExpiredStates.
const StateTTL = 30 * time.Minute

// Flow errors surfaced to the API layer.
var (
	// ErrUnknownProvider means the integration names a provider kind
	// that is not registered.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrStateMismatch covers every way a callback state can be wrong:
	// never issued, forged, expired, or already consumed. The cases are
	// deliberately indistinguishable to the caller.
	ErrStateMismatch = errors.New("authorization state missing, expired or already used")
	// ErrTestFailed means the exchanged credentials did not pass the
	// connection test, so nothing was stored.
	ErrTestFailed = errors.New("credentials failed the connection test")
	// ErrNoRefreshToken means the stored credentials cannot be renewed.
	ErrNoRefreshToken = errors.New("connection has no refresh token")
)

// flowStore is the slice of the persistence layer the orchestrator
// needs.
type flowStore interface {
	GetIntegration(ctx context.Context, id uuid.UUID) (store.Integration, error)
	UpdateIntegrationStatus(ctx context.Context, id uuid.UUID, status, lastError string) error
	ExpirePendingIntegrations(ctx context.Context, ids []uuid.UUID) (int64, error)

	CreatePendingAuthorization(ctx context.Context, p store.CreatePendingAuthorizationParams) (store.PendingAuthorization, error)
	ConsumePendingAuthorization(ctx context.Context, integrationID uuid.UUID, stateHash string, now time.Time, ttl time.Duration) (store.PendingAuthorization, error)
	SetPendingAuthorizationStatus(ctx context.Context, id uuid.UUID, status string) error
	ExpirePendingAuthorizations(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)

	GetConnection(ctx context.Context, id uuid.UUID) (store.Connection, error)
	CreateConnection(ctx context.Context, p store.CreateConnectionParams) (store.Connection, error)
	ListConnectionsByIntegration(ctx context.Context, integrationID uuid.UUID) ([]store.Connection, error)
	StoreConnectionTokens(ctx context.Context, id uuid.UUID, credentials string, meta []byte, tokenExpiresAt *time.Time, scopes []string) error
	UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status, lastError string) error
	IncrementConnectionRetry(ctx context.Context, id uuid.UUID) (int, error)
	RetireConnection(ctx context.Context, id uuid.UUID) error

	AppendIntegrationLog(ctx context.Context, p store.AppendIntegrationLogParams) (store.IntegrationLog, error)
}

// Orchestrator runs OAuth flows against the provider registry. The
// issued state never touches storage in the clear: only its SHA-256
// digest is persisted, and the callback re-derives the digest before
// the conditional consume.
type Orchestrator struct {
	registry *registry.Registry
	store    flowStore
	secrets  *vault.Service
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(reg *registry.Registry, st flowStore, secrets *vault.Service, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry: reg,
		store:    st,
		secrets:  secrets,
		logger:   logger,
		now:      time.Now,
	}
}

// AuthorizationGrant is an issued consent redirect. State goes to the
// provider and comes back on the callback; it is never stored.
type AuthorizationGrant struct {
	IntegrationID uuid.UUID `json:"integration_id"`
	URL           string    `json:"url"`
	State         string    `json:"state"`
}

// BeginAuthorization starts an OAuth flow for the integration: a fresh
// random state, a pending authorization row holding its digest, and the
// provider's consent URL. Providers without an OAuth flow surface
// registry.ErrNotSupported before anything is persisted.
func (o *Orchestrator) BeginAuthorization(ctx context.Context, integrationID uuid.UUID, requestedBy *uuid.UUID) (*AuthorizationGrant, error) {
	integration, err := o.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	provider, ok := o.registry.Get(integration.Provider)
	if !ok {
		return nil, ErrUnknownProvider
	}
	cfg, err := registry.DecodeConfig(integration.Config)
	if err != nil {
		return nil, err
	}

	state, err := newState()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	auth, err := provider.AuthorizationURL(cfg, state)
	if err != nil {
		return nil, fmt.Errorf("authorization url: %w", err)
	}

	if _, err := o.store.CreatePendingAuthorization(ctx, store.CreatePendingAuthorizationParams{
		IntegrationID: integrationID,
		StateHash:     hashState(state),
		RequestedBy:   requestedBy,
	}); err != nil {
		return nil, err
	}

	request, _ := json.Marshal(map[string]any{"provider": integration.Provider})
	o.audit(ctx, store.AppendIntegrationLogParams{
		IntegrationID: integrationID,
		Action:        "oauth_initiated",
		Status:        store.LogStatusSuccess,
		RequestData:   request,
		ActorID:       requestedBy,
	})
	o.logger.Info("authorization started",
		"integration_id", integrationID, "provider", integration.Provider)

	return &AuthorizationGrant{IntegrationID: integrationID, URL: auth.URL, State: state}, nil
}

// CleanupReport summarizes one expiry sweep.
type CleanupReport struct {
	ExpiredStates       int   `json:"expired_states"`
	ExpiredIntegrations int64 `json:"expired_integrations"`
}

// CleanupExpiredStates expires authorization flows past the state TTL,
// and with them any integration still parked in pending. This is what
// keeps half-finished connection attempts from accumulating; the
// scheduler runs it periodically.
func (o *Orchestrator) CleanupExpiredStates(ctx context.Context) (CleanupReport, error) {
	cutoff := o.now().UTC().Add(-StateTTL)
	ids, err := o.store.ExpirePendingAuthorizations(ctx, cutoff)
	if err != nil {
		return CleanupReport{}, err
	}
	report := CleanupReport{ExpiredStates: len(ids)}
	if len(ids) == 0 {
		return report, nil
	}
	expired, err := o.store.ExpirePendingIntegrations(ctx, ids)
	if err != nil {
		return report, err
	}
	report.ExpiredIntegrations = expired
	o.logger.Info("expired stale authorization flows",
		"states", report.ExpiredStates, "integrations", report.ExpiredIntegrations)
	return report, nil
}

// audit writes one log row, downgrading write failures to a warning so
// the flow outcome itself is never lost to a logging problem.
func (o *Orchestrator) audit(ctx context.Context, p store.AppendIntegrationLogParams) {
	if _, err := o.store.AppendIntegrationLog(ctx, p); err != nil {
		o.logger.Warn("audit log write failed",
			"integration_id", p.IntegrationID, "action", p.Action, "error", err)
	}
}

// newState issues a 32-byte random state token, hex encoded.
func newState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// hashState is the stored form of a state token. Persisting only the
// digest means a database read never yields a replayable state.
func hashState(state string) string {
	sum := sha256.Sum256([]byte(state))
	return hex.EncodeToString(sum[:])
}
