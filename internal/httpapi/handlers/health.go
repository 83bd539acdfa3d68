package handlers

import (
	"net/http"

	"github.com/labstack/echo/v5"
)

type runHealthChecksRequest struct {
	OrganizationID string `json:"organization_id"`
}

// HandleRunHealthChecks sweeps the organization's active connections
// through live tests and returns the aggregate report.
func (h *Handlers) HandleRunHealthChecks(c *echo.Context) error {
	var req runHealthChecksRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	orgID, err := organizationID(req.OrganizationID)
	if err != nil {
		return err
	}
	report, err := h.Health.RunHealthChecks(c.Request().Context(), orgID)
	if err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}
