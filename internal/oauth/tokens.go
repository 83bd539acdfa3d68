package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/store"
)

// RefreshTokens renews a connection's credentials through the
// provider's refresh grant and stores the re-encrypted result. Success
// returns the connection to connected with its retry counter cleared;
// a provider failure bumps the counter and marks the connection
// errored so health checks and operators can see it.
func (o *Orchestrator) RefreshTokens(ctx context.Context, connectionID uuid.UUID) (store.Connection, error) {
	start := o.now()

	conn, err := o.store.GetConnection(ctx, connectionID)
	if err != nil {
		return store.Connection{}, err
	}
	integration, err := o.store.GetIntegration(ctx, conn.IntegrationID)
	if err != nil {
		return store.Connection{}, err
	}
	provider, ok := o.registry.Get(integration.Provider)
	if !ok {
		return store.Connection{}, ErrUnknownProvider
	}
	cfg, err := registry.DecodeConfig(integration.Config)
	if err != nil {
		return store.Connection{}, err
	}

	creds, err := o.secrets.DecryptCredentials(conn.Credentials)
	if err != nil {
		o.auditToken(ctx, conn, store.LogStatusError, err.Error(), start)
		return store.Connection{}, fmt.Errorf("decrypt credentials: %w", err)
	}
	if creds.RefreshToken == "" {
		o.auditToken(ctx, conn, store.LogStatusError, ErrNoRefreshToken.Error(), start)
		return store.Connection{}, ErrNoRefreshToken
	}

	fresh, err := provider.RefreshTokens(ctx, creds.RefreshToken, cfg)
	if err != nil {
		retries, retryErr := o.store.IncrementConnectionRetry(ctx, conn.ID)
		if retryErr != nil {
			o.logger.Warn("could not bump retry counter", "connection_id", conn.ID, "error", retryErr)
		}
		if statusErr := o.store.UpdateConnectionStatus(ctx, conn.ID, store.ConnectionStatusError, err.Error()); statusErr != nil {
			o.logger.Warn("could not mark connection errored", "connection_id", conn.ID, "error", statusErr)
		}
		o.auditToken(ctx, conn, store.LogStatusError, err.Error(), start)
		o.logger.Error("token refresh failed",
			"connection_id", conn.ID, "provider", integration.Provider, "retries", retries, "error", err)
		return store.Connection{}, fmt.Errorf("refresh tokens: %w", err)
	}
	if fresh.RefreshToken == "" {
		// A provider that does not roll the refresh token keeps the
		// old one, or the connection could never be renewed again.
		fresh.RefreshToken = creds.RefreshToken
	}

	payload, meta, err := o.secrets.EncryptCredentials(fresh)
	if err != nil {
		return store.Connection{}, err
	}
	rawMeta, err := meta.Encode()
	if err != nil {
		return store.Connection{}, err
	}
	if err := o.store.StoreConnectionTokens(ctx, conn.ID, payload, rawMeta, tokenExpiry(fresh), splitScopes(fresh.Scope)); err != nil {
		return store.Connection{}, err
	}

	o.auditToken(ctx, conn, store.LogStatusSuccess, "", start)
	o.logger.Info("tokens refreshed", "connection_id", conn.ID, "provider", integration.Provider)
	return o.store.GetConnection(ctx, conn.ID)
}

// RevokeConnection invalidates a connection with the provider where the
// API offers that, then always retires the local record: the ciphertext
// is zeroed and the row moves to disconnected. When the integration is
// left without a connected credential set it moves to suspended.
func (o *Orchestrator) RevokeConnection(ctx context.Context, connectionID uuid.UUID) error {
	conn, err := o.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	integration, err := o.store.GetIntegration(ctx, conn.IntegrationID)
	if err != nil {
		return err
	}

	// Provider-side revocation is best effort: a dead token upstream
	// must not keep credentials alive locally.
	if provider, ok := o.registry.Get(integration.Provider); ok && conn.HasCredentials() {
		if err := o.revokeUpstream(ctx, provider, conn, integration); err != nil {
			o.logger.Warn("provider-side revocation failed",
				"connection_id", conn.ID, "provider", integration.Provider, "error", err)
		}
	}

	if err := o.store.RetireConnection(ctx, conn.ID); err != nil {
		return err
	}
	connID := conn.ID
	o.audit(ctx, store.AppendIntegrationLogParams{
		IntegrationID: conn.IntegrationID,
		ConnectionID:  &connID,
		Action:        "connection_revoked",
		Status:        store.LogStatusSuccess,
	})
	o.logger.Info("connection revoked", "connection_id", conn.ID, "integration_id", conn.IntegrationID)

	remaining, err := o.store.ListConnectionsByIntegration(ctx, conn.IntegrationID)
	if err != nil {
		return err
	}
	for _, c := range remaining {
		if c.ID != conn.ID && c.Status == store.ConnectionStatusConnected {
			return nil
		}
	}
	return o.store.UpdateIntegrationStatus(ctx, conn.IntegrationID, store.IntegrationStatusSuspended, "")
}

func (o *Orchestrator) revokeUpstream(ctx context.Context, provider registry.Provider, conn store.Connection, integration store.Integration) error {
	cfg, err := registry.DecodeConfig(integration.Config)
	if err != nil {
		return err
	}
	creds, err := o.secrets.DecryptCredentials(conn.Credentials)
	if err != nil {
		return err
	}
	if err := provider.RevokeCredentials(ctx, creds, cfg); err != nil && !errors.Is(err, registry.ErrNotSupported) {
		return err
	}
	return nil
}

func (o *Orchestrator) auditToken(ctx context.Context, conn store.Connection, status, detail string, start time.Time) {
	connID := conn.ID
	elapsed := o.now().Sub(start).Milliseconds()
	o.audit(ctx, store.AppendIntegrationLogParams{
		IntegrationID: conn.IntegrationID,
		ConnectionID:  &connID,
		Action:        "token_refreshed",
		Status:        status,
		ErrorDetail:   detail,
		DurationMS:    &elapsed,
	})
}
