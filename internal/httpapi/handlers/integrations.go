package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/junctionhq/junction/internal/httpapi/authn"
	"github.com/junctionhq/junction/internal/oauth"
	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/store"
)

// integrationResponse is an integration row plus the fields the model
// keeps out of plain JSON: the config in masked form and, on detail
// reads, the integration's connections.
type integrationResponse struct {
	store.Integration
	Config      registry.Config    `json:"config"`
	Connections []store.Connection `json:"connections,omitempty"`
}

func newIntegrationResponse(integration store.Integration, conns []store.Connection) integrationResponse {
	cfg, err := registry.DecodeConfig(integration.Config)
	if err != nil {
		// An undecodable stored config must not make the row unreadable.
		cfg = registry.Config{}
	}
	return integrationResponse{Integration: integration, Config: cfg.Masked(), Connections: conns}
}

type createIntegrationRequest struct {
	OrganizationID string          `json:"organization_id"`
	Provider       string          `json:"provider"`
	Name           string          `json:"name,omitempty"`
	Config         registry.Config `json:"config"`
}

// HandleCreateIntegration registers a new integration in pending status.
// The submitted config is merged over the provider's defaults and must
// validate before anything is stored.
func (h *Handlers) HandleCreateIntegration(c *echo.Context) error {
	var req createIntegrationRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	orgID, err := organizationID(req.OrganizationID)
	if err != nil {
		return err
	}

	kind := strings.ToLower(strings.TrimSpace(req.Provider))
	provider, ok := h.Registry.Get(kind)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown provider %q", req.Provider))
	}

	cfg := registry.MergeConfig(provider.DefaultConfig(), req.Config)
	if err := provider.ValidateConfig(cfg); err != nil {
		return h.RespondError(c, err)
	}
	raw, err := registry.EncodeConfig(cfg)
	if err != nil {
		return h.RespondError(c, err)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = provider.DisplayName()
	}

	integration, err := h.Store.CreateIntegration(c.Request().Context(), store.CreateIntegrationParams{
		OrganizationID: orgID,
		Provider:       kind,
		Category:       provider.Category(),
		Name:           name,
		Config:         raw,
		CreatedBy:      actorID(c),
	})
	if err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusCreated, newIntegrationResponse(integration, nil))
}

// HandleListIntegrations lists an organization's integrations.
func (h *Handlers) HandleListIntegrations(c *echo.Context) error {
	orgID, err := organizationID(c.QueryParam("organization_id"))
	if err != nil {
		return err
	}
	integrations, err := h.Store.ListIntegrationsByOrganization(c.Request().Context(), orgID)
	if err != nil {
		return h.RespondError(c, err)
	}
	out := make([]integrationResponse, 0, len(integrations))
	for _, integration := range integrations {
		out = append(out, newIntegrationResponse(integration, nil))
	}
	return c.JSON(http.StatusOK, map[string]any{"integrations": out})
}

// HandleGetIntegration returns one integration with its connections.
func (h *Handlers) HandleGetIntegration(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	integration, err := h.Store.GetIntegration(ctx, id)
	if err != nil {
		return h.RespondError(c, err)
	}
	conns, err := h.Store.ListConnectionsByIntegration(ctx, id)
	if err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, newIntegrationResponse(integration, conns))
}

type updateConfigRequest struct {
	Config registry.Config `json:"config"`
}

// HandleUpdateIntegrationConfig merges a config update over the stored
// config. Masked or blank secrets in the update keep the stored values,
// so clients can round-trip what the API returned.
func (h *Handlers) HandleUpdateIntegrationConfig(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	var req updateConfigRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	integration, err := h.Store.GetIntegration(ctx, id)
	if err != nil {
		return h.RespondError(c, err)
	}
	provider, ok := h.Registry.Get(integration.Provider)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown provider %q", integration.Provider))
	}
	existing, err := registry.DecodeConfig(integration.Config)
	if err != nil {
		return h.RespondError(c, err)
	}

	merged := registry.MergeConfig(existing, req.Config)
	if err := provider.ValidateConfig(merged); err != nil {
		return h.RespondError(c, err)
	}
	raw, err := registry.EncodeConfig(merged)
	if err != nil {
		return h.RespondError(c, err)
	}

	updated, err := h.Store.UpdateIntegrationConfig(ctx, id, raw)
	if err != nil {
		return h.RespondError(c, err)
	}

	masked, _ := registry.EncodeConfig(merged.Masked())
	h.audit(c, store.AppendIntegrationLogParams{
		IntegrationID: id,
		Action:        "config_updated",
		Status:        store.LogStatusSuccess,
		RequestData:   masked,
	})
	return c.JSON(http.StatusOK, newIntegrationResponse(updated, nil))
}

// HandleDeleteIntegration removes an integration; its connections,
// pending authorizations, logs and deliveries cascade in the schema.
func (h *Handlers) HandleDeleteIntegration(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.Store.DeleteIntegration(c.Request().Context(), id); err != nil {
		return h.RespondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleListIntegrationLogs returns the newest audit rows for an
// integration, most recent first.
func (h *Handlers) HandleListIntegrationLogs(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := h.Store.GetIntegration(ctx, id); err != nil {
		return h.RespondError(c, err)
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	logs, err := h.Store.ListIntegrationLogs(ctx, id, limit)
	if err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"logs": logs})
}

// HandleAuthorizeIntegration starts the OAuth flow and hands back the
// provider consent URL. The browser session is stamped so the callback
// can verify it comes from the session that started the flow.
func (h *Handlers) HandleAuthorizeIntegration(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	grant, err := h.Flows.BeginAuthorization(c.Request().Context(), id, actorID(c))
	if err != nil {
		return h.RespondError(c, err)
	}
	if h.Sessions != nil {
		if err := authn.BindAuthorization(c, h.Sessions, id); err != nil {
			return h.RenderError(c, err)
		}
	}
	return c.JSON(http.StatusOK, grant)
}

type createConnectionRequest struct {
	Name           string               `json:"name,omitempty"`
	ConnectionType string               `json:"connection_type"`
	Credentials    registry.Credentials `json:"credentials"`
}

// HandleCreateConnection attaches credentials submitted directly, the
// non-OAuth path for API keys and tokens. Credentials must pass shape
// checks and a live connection test before they are encrypted and
// stored; a failed test stores nothing.
func (h *Handlers) HandleCreateConnection(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	var req createConnectionRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	integration, err := h.Store.GetIntegration(ctx, id)
	if err != nil {
		return h.RespondError(c, err)
	}
	provider, ok := h.Registry.Get(integration.Provider)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown provider %q", integration.Provider))
	}

	connType := strings.ToLower(strings.TrimSpace(req.ConnectionType))
	if !provider.Metadata().SupportsConnectionType(connType) {
		return h.RespondError(c, registry.NewValidationError(
			"provider %q does not accept %q connections", integration.Provider, connType))
	}
	if err := registry.ValidateCredentialShape(req.Credentials, connType); err != nil {
		return h.RespondError(c, err)
	}
	if err := provider.ValidateCredentials(req.Credentials, connType); err != nil {
		return h.RespondError(c, err)
	}

	cfg, err := registry.DecodeConfig(integration.Config)
	if err != nil {
		return h.RespondError(c, err)
	}
	result := provider.TestConnection(ctx, req.Credentials, cfg)
	if !result.Success {
		h.audit(c, store.AppendIntegrationLogParams{
			IntegrationID: id,
			Action:        "credentials_stored",
			Status:        store.LogStatusError,
			ErrorDetail:   result.Message,
		})
		return h.RespondError(c, fmt.Errorf("%w: %s", oauth.ErrTestFailed, result.Message))
	}

	payload, meta, err := h.Secrets.EncryptCredentials(req.Credentials)
	if err != nil {
		return h.RespondError(c, err)
	}
	rawMeta, err := meta.Encode()
	if err != nil {
		return h.RespondError(c, err)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = provider.DisplayName() + " connection"
	}
	conn, err := h.Store.CreateConnection(ctx, store.CreateConnectionParams{
		IntegrationID:  id,
		Name:           name,
		ConnectionType: connType,
		Status:         store.ConnectionStatusConnected,
		Credentials:    payload,
		CredentialMeta: rawMeta,
		TokenExpiresAt: connectionExpiry(req.Credentials),
		Scopes:         splitScopes(req.Credentials.Scope),
	})
	if err != nil {
		return h.RespondError(c, err)
	}
	if err := h.Store.UpdateIntegrationStatus(ctx, id, store.IntegrationStatusActive, ""); err != nil {
		return h.RespondError(c, err)
	}

	h.audit(c, store.AppendIntegrationLogParams{
		IntegrationID: id,
		ConnectionID:  &conn.ID,
		Action:        "credentials_stored",
		Status:        store.LogStatusSuccess,
	})
	return c.JSON(http.StatusCreated, conn)
}

// HandleSyncIntegration runs one integration's sync inline and returns
// the result. Mode defaults to full; scheduled passes are where
// incremental catch-up normally happens.
func (h *Handlers) HandleSyncIntegration(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	mode := registry.ParseSyncMode(c.QueryParam("mode"))
	result, err := h.Syncer.SyncIntegration(c.Request().Context(), id, mode)
	if err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

type executeActionRequest struct {
	ConnectionID string         `json:"connection_id,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}

// HandleExecuteAction dispatches a named provider action, e.g.
// "send_message", over one of the integration's connections. Every
// invocation lands in the audit log with its duration.
func (h *Handlers) HandleExecuteAction(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	action := strings.TrimSpace(c.Param("action"))
	if action == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing action")
	}
	var req executeActionRequest
	if err := decodeOptionalJSON(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	integration, err := h.Store.GetIntegration(ctx, id)
	if err != nil {
		return h.RespondError(c, err)
	}
	provider, ok := h.Registry.Get(integration.Provider)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown provider %q", integration.Provider))
	}
	conn, err := h.actionConnection(ctx, id, req.ConnectionID)
	if err != nil {
		return h.RespondError(c, err)
	}

	cfg, err := registry.DecodeConfig(integration.Config)
	if err != nil {
		return h.RespondError(c, err)
	}
	creds, err := h.Secrets.DecryptCredentials(conn.Credentials)
	if err != nil {
		return h.RespondError(c, err)
	}

	requestData, _ := json.Marshal(req.Params)
	start := time.Now()
	out, err := provider.ExecuteAction(ctx, action, creds, cfg, req.Params)
	elapsed := time.Since(start).Milliseconds()

	logStatus := store.LogStatusSuccess
	detail := ""
	if err != nil {
		logStatus = store.LogStatusError
		if errors.Is(err, registry.ErrRateLimited) {
			logStatus = store.LogStatusRateLimited
		}
		detail = err.Error()
	}
	h.audit(c, store.AppendIntegrationLogParams{
		IntegrationID: id,
		ConnectionID:  &conn.ID,
		Action:        action,
		Status:        logStatus,
		RequestData:   requestData,
		ErrorDetail:   detail,
		DurationMS:    &elapsed,
	})
	if err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"action": action, "result": out})
}

// actionConnection resolves which connection an action runs over: the
// one named in the request, or the integration's first connected one
// with stored credentials.
func (h *Handlers) actionConnection(ctx context.Context, integrationID uuid.UUID, rawConnID string) (store.Connection, error) {
	if raw := strings.TrimSpace(rawConnID); raw != "" {
		connID, err := uuid.Parse(raw)
		if err != nil {
			return store.Connection{}, echo.NewHTTPError(http.StatusBadRequest, "invalid connection_id")
		}
		conn, err := h.Store.GetConnection(ctx, connID)
		if err != nil {
			return store.Connection{}, err
		}
		if conn.IntegrationID != integrationID {
			return store.Connection{}, store.ErrNotFound
		}
		return conn, nil
	}

	conns, err := h.Store.ListConnectionsByIntegration(ctx, integrationID)
	if err != nil {
		return store.Connection{}, err
	}
	for _, conn := range conns {
		if conn.Status == store.ConnectionStatusConnected && conn.HasCredentials() {
			return conn, nil
		}
	}
	return store.Connection{}, echo.NewHTTPError(http.StatusConflict, "integration has no connected credentialed connection")
}

// audit best-effort appends a log row attributed to the calling
// operator; failures are logged, never surfaced.
func (h *Handlers) audit(c *echo.Context, p store.AppendIntegrationLogParams) {
	if p.ActorID == nil {
		p.ActorID = actorID(c)
	}
	if _, err := h.Store.AppendIntegrationLog(c.Request().Context(), p); err != nil {
		c.Logger().Warn("audit log append failed", "integration_id", p.IntegrationID, "action", p.Action, "error", err)
	}
}

// actorID identifies the acting operator when the request carries an
// X-Actor-ID header, for audit attribution.
func actorID(c *echo.Context) *uuid.UUID {
	raw := strings.TrimSpace(c.Request().Header.Get("X-Actor-ID"))
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

// connectionExpiry converts a credential expiry to the stored form.
func connectionExpiry(creds registry.Credentials) *time.Time {
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
