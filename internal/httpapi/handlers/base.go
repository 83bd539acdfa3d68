// Package handlers contains HTTP handler logic split by domain.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/junctionhq/junction/internal/config"
	"github.com/junctionhq/junction/internal/health"
	"github.com/junctionhq/junction/internal/oauth"
	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/store"
	"github.com/junctionhq/junction/internal/sync"
	"github.com/junctionhq/junction/internal/vault"
	"github.com/junctionhq/junction/internal/webhooks"
)

const (
	// ContextKeyRequestID stores the request id (X-Request-ID) for logging and client error references.
	ContextKeyRequestID = "request_id"

	// InternalErrorCode is a stable error code safe to return to clients.
	InternalErrorCode = "INTERNAL_ERROR"
)

// Store is the slice of the persistence layer the HTTP API touches.
type Store interface {
	Ping(ctx context.Context) error

	CreateIntegration(ctx context.Context, p store.CreateIntegrationParams) (store.Integration, error)
	GetIntegration(ctx context.Context, id uuid.UUID) (store.Integration, error)
	ListIntegrationsByOrganization(ctx context.Context, orgID uuid.UUID) ([]store.Integration, error)
	UpdateIntegrationConfig(ctx context.Context, id uuid.UUID, config []byte) (store.Integration, error)
	UpdateIntegrationStatus(ctx context.Context, id uuid.UUID, status, lastError string) error
	DeleteIntegration(ctx context.Context, id uuid.UUID) error

	CreateConnection(ctx context.Context, p store.CreateConnectionParams) (store.Connection, error)
	GetConnection(ctx context.Context, id uuid.UUID) (store.Connection, error)
	ListConnectionsByIntegration(ctx context.Context, integrationID uuid.UUID) ([]store.Connection, error)

	AppendIntegrationLog(ctx context.Context, p store.AppendIntegrationLogParams) (store.IntegrationLog, error)
	ListIntegrationLogs(ctx context.Context, integrationID uuid.UUID, limit int) ([]store.IntegrationLog, error)

	CreateWebhook(ctx context.Context, p store.CreateWebhookParams) (store.Webhook, error)
	GetWebhook(ctx context.Context, id uuid.UUID) (store.Webhook, error)
	ListWebhooksByOrganization(ctx context.Context, orgID uuid.UUID) ([]store.Webhook, error)
	SetWebhookEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	DeleteWebhook(ctx context.Context, id uuid.UUID) error
	ListWebhookDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]store.WebhookDelivery, error)
}

// AuthFlows is the OAuth orchestrator surface the API exposes.
type AuthFlows interface {
	BeginAuthorization(ctx context.Context, integrationID uuid.UUID, requestedBy *uuid.UUID) (*oauth.AuthorizationGrant, error)
	HandleCallback(ctx context.Context, integrationID uuid.UUID, code, state string) (store.Connection, error)
	RefreshTokens(ctx context.Context, connectionID uuid.UUID) (store.Connection, error)
	RevokeConnection(ctx context.Context, connectionID uuid.UUID) error
}

// HealthChecks runs connection tests on demand.
type HealthChecks interface {
	RunHealthChecks(ctx context.Context, orgID uuid.UUID) (health.CheckReport, error)
	TestOne(ctx context.Context, connectionID uuid.UUID) (health.Result, error)
	TestMany(ctx context.Context, ids []uuid.UUID) map[uuid.UUID]health.Result
	TestCapabilities(ctx context.Context, connectionID uuid.UUID) *health.CapabilityReport
}

// CredentialRotator re-encrypts stored credentials under the current key.
type CredentialRotator interface {
	Rotate(ctx context.Context, connectionID uuid.UUID) bool
	BulkRotate(ctx context.Context, orgID uuid.UUID) (vault.Report, error)
	CredentialHealth(ctx context.Context, orgID uuid.UUID) (vault.Health, error)
}

// SecretCipher seals and opens secret material for handlers that accept
// credentials or signing secrets directly.
type SecretCipher interface {
	Encrypt(plaintext []byte) (string, vault.Metadata, error)
	EncryptCredentials(creds registry.Credentials) (string, vault.Metadata, error)
	DecryptCredentials(payload string) (registry.Credentials, error)
}

// InboundVerifier authenticates provider webhook deliveries.
type InboundVerifier interface {
	ProcessInbound(ctx context.Context, providerKind string, integrationID uuid.UUID, header http.Header, payload []byte) (*webhooks.InboundResult, error)
}

// EventDispatcher fans events out to registered outbound webhooks.
type EventDispatcher interface {
	Dispatch(ctx context.Context, integration store.Integration, eventType string, data map[string]any) (webhooks.DispatchReport, error)
}

// IntegrationSyncer runs one integration's sync inline.
type IntegrationSyncer interface {
	SyncIntegration(ctx context.Context, integrationID uuid.UUID, mode registry.SyncMode) (registry.SyncResult, error)
}

// SyncRunner is the interface for triggering manual syncs.
type SyncRunner interface {
	RunOnce(context.Context) error
}

// Handlers groups all HTTP handlers and shared dependencies.
type Handlers struct {
	Cfg        config.Config
	Store      Store
	Registry   *registry.Registry
	Sessions   *scs.SessionManager
	Secrets    SecretCipher
	Flows      AuthFlows
	Health     HealthChecks
	Rotator    CredentialRotator
	Verifier   InboundVerifier
	Dispatcher EventDispatcher
	Syncer     IntegrationSyncer
	Trigger    SyncRunner
}

// ErrorBody is the JSON envelope every non-2xx response carries.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// RespondError translates service errors into API responses. Errors
// without a mapping are logged with the request id and come back as an
// opaque 500 so internals never leak to clients.
func (h *Handlers) RespondError(c *echo.Context, err error) error {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return err
	}
	if status, msg := classifyError(err); status != 0 {
		return c.JSON(status, ErrorBody{Error: msg})
	}
	return h.RenderError(c, err)
}

// classifyError maps known service errors to a status and client-safe
// message. A zero status means the error is unclassified.
func classifyError(err error) (int, string) {
	var validationErr *registry.ValidationError
	var providerErr *registry.HTTPError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, validationErr.Error()
	case errors.Is(err, oauth.ErrUnknownProvider),
		errors.Is(err, health.ErrUnknownProvider),
		errors.Is(err, sync.ErrUnknownProvider):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, webhooks.ErrTargetNotAllowed):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, oauth.ErrStateMismatch):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, sync.ErrNoSyncableConnection):
		return http.StatusConflict, err.Error()
	case errors.Is(err, registry.ErrNotSupported), errors.Is(err, oauth.ErrNoRefreshToken):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, registry.ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, oauth.ErrTestFailed):
		return http.StatusBadGateway, err.Error()
	case errors.As(err, &providerErr):
		return http.StatusBadGateway, providerErr.Error()
	default:
		return 0, ""
	}
}

// RenderError returns an opaque JSON 500 carrying the request id as a
// support reference.
func (h *Handlers) RenderError(c *echo.Context, err error) error {
	requestID, _ := c.Get(ContextKeyRequestID).(string)
	path := ""
	if req := c.Request(); req != nil && req.URL != nil {
		path = req.URL.Path
	}
	method := ""
	if req := c.Request(); req != nil {
		method = req.Method
	}
	c.Logger().Error("http error",
		"request_id", requestID,
		"method", method,
		"path", path,
		"ip", c.RealIP(),
		"error", err,
	)

	return c.JSON(http.StatusInternalServerError, ErrorBody{
		Error:     "internal error",
		Code:      InternalErrorCode,
		Reference: requestID,
	})
}

// parseUUIDParam reads a path parameter as a UUID.
func parseUUIDParam(c *echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param(name)))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// decodeJSON reads the request body into dst, rejecting unknown fields.
func decodeJSON(c *echo.Context, dst any) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be
// empty.
func decodeOptionalJSON(c *echo.Context, dst any) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
}

// organizationID resolves the org scope from the organization_id query
// parameter or, for POST bodies that carry it, the decoded value.
func organizationID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid organization_id")
	}
	return id, nil
}
