package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/junctionhq/junction/internal/store"
	"github.com/junctionhq/junction/internal/webhooks"
)

type createWebhookRequest struct {
	OrganizationID string            `json:"organization_id"`
	IntegrationID  string            `json:"integration_id,omitempty"`
	Name           string            `json:"name"`
	Events         []string          `json:"events,omitempty"`
	TargetURL      string            `json:"target_url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Secret         string            `json:"secret,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// HandleCreateWebhook registers an outbound notification target. The
// target URL must pass the public-address policy, and the signing
// secret is stored encrypted; it is never returned.
func (h *Handlers) HandleCreateWebhook(c *echo.Context) error {
	var req createWebhookRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	orgID, err := organizationID(req.OrganizationID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if err := webhooks.ValidateTargetURL(req.TargetURL, h.Cfg.WebhookAllowPrivate); err != nil {
		return h.RespondError(c, err)
	}

	ctx := c.Request().Context()
	var integrationID *uuid.UUID
	if raw := strings.TrimSpace(req.IntegrationID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid integration_id")
		}
		integration, err := h.Store.GetIntegration(ctx, id)
		if err != nil {
			return h.RespondError(c, err)
		}
		if integration.OrganizationID != orgID {
			return h.RespondError(c, store.ErrNotFound)
		}
		integrationID = &id
	}

	var headers []byte
	if len(req.Headers) > 0 {
		headers, err = json.Marshal(req.Headers)
		if err != nil {
			return h.RespondError(c, err)
		}
	}

	secret := ""
	if req.Secret != "" {
		sealed, _, err := h.Secrets.Encrypt([]byte(req.Secret))
		if err != nil {
			return h.RespondError(c, err)
		}
		secret = sealed
	}

	hook, err := h.Store.CreateWebhook(ctx, store.CreateWebhookParams{
		OrganizationID: orgID,
		IntegrationID:  integrationID,
		Name:           strings.TrimSpace(req.Name),
		Events:         normalizeEvents(req.Events),
		TargetURL:      strings.TrimSpace(req.TargetURL),
		Method:         strings.ToUpper(strings.TrimSpace(req.Method)),
		Headers:        headers,
		Secret:         secret,
		MaxRetries:     req.MaxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusCreated, hook)
}

// HandleListWebhooks lists an organization's outbound webhooks.
func (h *Handlers) HandleListWebhooks(c *echo.Context) error {
	orgID, err := organizationID(c.QueryParam("organization_id"))
	if err != nil {
		return err
	}
	hooks, err := h.Store.ListWebhooksByOrganization(c.Request().Context(), orgID)
	if err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"webhooks": hooks})
}

// HandleGetWebhook returns one outbound webhook.
func (h *Handlers) HandleGetWebhook(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	hook, err := h.Store.GetWebhook(c.Request().Context(), id)
	if err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, hook)
}

type setWebhookEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// HandleSetWebhookEnabled toggles delivery for a webhook without
// touching its configuration.
func (h *Handlers) HandleSetWebhookEnabled(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	var req setWebhookEnabledRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	if err := h.Store.SetWebhookEnabled(c.Request().Context(), id, req.Enabled); err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "enabled": req.Enabled})
}

// HandleDeleteWebhook removes a webhook and its delivery history.
func (h *Handlers) HandleDeleteWebhook(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.Store.DeleteWebhook(c.Request().Context(), id); err != nil {
		return h.RespondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleListWebhookDeliveries returns the newest delivery attempts for
// a webhook, most recent first.
func (h *Handlers) HandleListWebhookDeliveries(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := h.Store.GetWebhook(ctx, id); err != nil {
		return h.RespondError(c, err)
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	deliveries, err := h.Store.ListWebhookDeliveries(ctx, id, limit)
	if err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"deliveries": deliveries})
}

// normalizeEvents trims entries and drops empties. An empty list means
// the webhook subscribes to every event type.
func normalizeEvents(events []string) []string {
	var out []string
	for _, event := range events {
		event = strings.TrimSpace(event)
		if event == "" {
			continue
		}
		out = append(out, event)
	}
	return out
}
