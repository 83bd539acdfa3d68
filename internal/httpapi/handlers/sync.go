package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/junctionhq/junction/internal/sync"
)

// HandleTriggerSync requests a sync pass outside the schedule. In
// queue mode the request is signalled to the running worker and
// acknowledged with 202; inline mode runs the pass on this process and
// reports how it ended.
func (h *Handlers) HandleTriggerSync(c *echo.Context) error {
	if h.Trigger == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sync triggering is disabled")
	}
	var req sync.TriggerRequest
	if err := decodeOptionalJSON(c, &req); err != nil {
		return err
	}

	ctx := sync.WithForcedSync(c.Request().Context())
	if raw := strings.TrimSpace(req.IntegrationID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid integration_id")
		}
		ctx = sync.WithIntegrationScope(ctx, id)
	}

	err := h.Trigger.RunOnce(ctx)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"status": "completed"})
	case errors.Is(err, sync.ErrSyncQueued):
		return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
	case errors.Is(err, sync.ErrSyncAlreadyRunning):
		return c.JSON(http.StatusConflict, map[string]string{"status": "busy"})
	case errors.Is(err, sync.ErrNoEnabledIntegrations), errors.Is(err, sync.ErrNoIntegrationsDue):
		return c.JSON(http.StatusOK, map[string]string{"status": "idle", "detail": err.Error()})
	default:
		return h.RespondError(c, err)
	}
}
