package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/junctionhq/junction/internal/metrics"
	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/store"
)

// HandleCallback finishes an authorization flow. The pending state is
// consumed in a single conditional update, so a replayed or raced
// callback loses cleanly; the code is then exchanged and the returned
// credentials must pass a connection test before anything is stored.
// Only then does the connection row appear and the integration flip to
// active. Every branch lands in the audit log.
func (o *Orchestrator) HandleCallback(ctx context.Context, integrationID uuid.UUID, code, state string) (store.Connection, error) {
	start := o.now()

	integration, err := o.store.GetIntegration(ctx, integrationID)
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

	auth, err := o.store.ConsumePendingAuthorization(ctx, integrationID, hashState(state), start, StateTTL)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Anyone can hit the callback URL, so a failed consume
			// must not move the integration.
			o.audit(ctx, store.AppendIntegrationLogParams{
				IntegrationID: integrationID,
				Action:        "oauth_failed",
				Status:        store.LogStatusError,
				ErrorDetail:   ErrStateMismatch.Error(),
			})
			o.logger.Warn("callback rejected, state did not consume",
				"integration_id", integrationID, "provider", integration.Provider)
			metrics.OAuthCallbacksTotal.WithLabelValues(integration.Provider, "rejected").Inc()
			return store.Connection{}, ErrStateMismatch
		}
		return store.Connection{}, err
	}

	fail := func(action, detail string) {
		metrics.OAuthCallbacksTotal.WithLabelValues(integration.Provider, "error").Inc()
		if err := o.store.SetPendingAuthorizationStatus(ctx, auth.ID, store.AuthorizationStatusFailed); err != nil {
			o.logger.Warn("could not mark authorization failed", "authorization_id", auth.ID, "error", err)
		}
		if err := o.store.UpdateIntegrationStatus(ctx, integrationID, store.IntegrationStatusError, detail); err != nil {
			o.logger.Warn("could not mark integration errored", "integration_id", integrationID, "error", err)
		}
		elapsed := o.now().Sub(start).Milliseconds()
		o.audit(ctx, store.AppendIntegrationLogParams{
			IntegrationID: integrationID,
			Action:        action,
			Status:        store.LogStatusError,
			ErrorDetail:   detail,
			ActorID:       auth.RequestedBy,
			DurationMS:    &elapsed,
		})
	}

	creds, err := provider.ExchangeCode(ctx, code, state, cfg)
	if err != nil {
		fail("oauth_error", err.Error())
		return store.Connection{}, fmt.Errorf("exchange code: %w", err)
	}

	result := provider.TestConnection(ctx, creds, cfg)
	if !result.Success {
		fail("oauth_failed", result.Message)
		return store.Connection{}, fmt.Errorf("%w: %s", ErrTestFailed, result.Message)
	}

	payload, meta, err := o.secrets.EncryptCredentials(creds)
	if err != nil {
		fail("oauth_error", err.Error())
		return store.Connection{}, err
	}
	rawMeta, err := meta.Encode()
	if err != nil {
		fail("oauth_error", err.Error())
		return store.Connection{}, err
	}

	conn, err := o.store.CreateConnection(ctx, store.CreateConnectionParams{
		IntegrationID:  integrationID,
		Name:           provider.DisplayName() + " connection",
		ConnectionType: registry.ConnectionTypeOAuth,
		Status:         store.ConnectionStatusConnected,
		Credentials:    payload,
		CredentialMeta: rawMeta,
		TokenExpiresAt: tokenExpiry(creds),
		Scopes:         splitScopes(creds.Scope),
	})
	if err != nil {
		fail("oauth_error", err.Error())
		return store.Connection{}, err
	}
	if err := o.store.UpdateIntegrationStatus(ctx, integrationID, store.IntegrationStatusActive, ""); err != nil {
		return conn, err
	}

	connID := conn.ID
	elapsed := o.now().Sub(start).Milliseconds()
	response, _ := json.Marshal(map[string]any{
		"connection_id": conn.ID,
		"scopes":        conn.Scopes,
	})
	o.audit(ctx, store.AppendIntegrationLogParams{
		IntegrationID: integrationID,
		ConnectionID:  &connID,
		Action:        "oauth_completed",
		Status:        store.LogStatusSuccess,
		ResponseData:  response,
		ActorID:       auth.RequestedBy,
		DurationMS:    &elapsed,
	})
	o.logger.Info("authorization completed",
		"integration_id", integrationID, "connection_id", conn.ID, "provider", integration.Provider)
	metrics.OAuthCallbacksTotal.WithLabelValues(integration.Provider, "success").Inc()

	return conn, nil
}

// tokenExpiry converts a credential expiry to the stored timestamp.
func tokenExpiry(creds registry.Credentials) *time.Time {
	if creds.ExpiresAt == nil {
		return nil
	}
	t := time.Unix(*creds.ExpiresAt, 0).UTC()
	return &t
}

// splitScopes normalizes a provider scope string. Providers disagree on
// the separator: Slack returns commas, most others spaces.
func splitScopes(scope string) []string {
	fields := strings.FieldsFunc(scope, func(r rune) bool {
		return r == ' ' || r == ','
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}
