package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/junctionhq/junction/internal/metrics"
)

const (
	// maxInboundBody bounds how much of a provider delivery is read.
	maxInboundBody = 1 << 20
	// dispatchTimeout bounds the background fan-out of a verified event
	// to outbound webhooks.
	dispatchTimeout = 2 * time.Minute
)

// HandleInboundWebhook ingests a provider event delivery. The raw body
// is read before anything else because signatures cover the exact
// bytes. Verification failures all come back as an undifferentiated
// 401; this endpoint is unauthenticated and tells attackers nothing.
func (h *Handlers) HandleInboundWebhook(c *echo.Context) error {
	providerKind := strings.ToLower(strings.TrimSpace(c.Param("provider")))

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxInboundBody+1))
	if err != nil || len(payload) > maxInboundBody {
		metrics.WebhooksInboundTotal.WithLabelValues(providerKind, "rejected").Inc()
		return c.JSON(http.StatusUnauthorized, ErrorBody{Error: "unauthorized"})
	}

	id, err := parseUUIDParam(c, "integrationID")
	if err != nil {
		metrics.WebhooksInboundTotal.WithLabelValues(providerKind, "rejected").Inc()
		return c.JSON(http.StatusUnauthorized, ErrorBody{Error: "unauthorized"})
	}

	ctx := c.Request().Context()
	result, err := h.Verifier.ProcessInbound(ctx, providerKind, id, c.Request().Header, payload)
	if err != nil {
		metrics.WebhooksInboundTotal.WithLabelValues(providerKind, "rejected").Inc()
		return c.JSON(http.StatusUnauthorized, ErrorBody{Error: "unauthorized"})
	}
	metrics.WebhooksInboundTotal.WithLabelValues(providerKind, "accepted").Inc()

	// Fan the verified event out to outbound webhooks off the request
	// path; providers expect their delivery acknowledged quickly.
	if h.Dispatcher != nil {
		integration, err := h.Store.GetIntegration(ctx, id)
		if err == nil {
			logger := c.Logger()
			go func() {
				dctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
				defer cancel()
				report, err := h.Dispatcher.Dispatch(dctx, integration, result.EventType, result.Event)
				if err != nil {
					logger.Warn("event fan-out failed",
						"integration_id", integration.ID, "event_type", result.EventType, "error", err)
					return
				}
				if report.Failed > 0 {
					logger.Warn("event fan-out had failures",
						"integration_id", integration.ID, "event_type", result.EventType,
						"delivered", report.Delivered, "failed", report.Failed)
				}
			}()
		} else {
			c.Logger().Warn("event fan-out skipped", "integration_id", id, "error", err)
		}
	}

	return c.JSON(http.StatusOK, map[string]any{"processed": true, "event_type": result.EventType})
}
