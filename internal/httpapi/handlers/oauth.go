package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/junctionhq/junction/internal/httpapi/authn"
	"github.com/junctionhq/junction/internal/store"
)

// HandleOAuthCallback lands the provider redirect after consent. The
// request must come from the browser session that started the flow;
// state verification and the conditional consume happen in the
// orchestrator on top of that.
func (h *Handlers) HandleOAuthCallback(c *echo.Context) error {
	id, err := parseUUIDParam(c, "integrationID")
	if err != nil {
		return err
	}

	if h.Sessions != nil && !authn.ConsumeAuthorization(c, h.Sessions, id) {
		return c.JSON(http.StatusForbidden, ErrorBody{Error: "authorization flow was not started by this session"})
	}

	if denial := strings.TrimSpace(c.QueryParam("error")); denial != "" {
		detail := denial
		if desc := strings.TrimSpace(c.QueryParam("error_description")); desc != "" {
			detail += ": " + desc
		}
		h.audit(c, store.AppendIntegrationLogParams{
			IntegrationID: id,
			Action:        "oauth_callback",
			Status:        store.LogStatusError,
			ErrorDetail:   detail,
		})
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "authorization denied: " + detail})
	}

	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing code or state")
	}

	conn, err := h.Flows.HandleCallback(c.Request().Context(), id, code, state)
	if err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "connected", "connection": conn})
}
