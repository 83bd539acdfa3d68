package handlers

import (
	"net/http"

	"github.com/labstack/echo/v5"
)

type rotateCredentialsRequest struct {
	OrganizationID string `json:"organization_id"`
}

// HandleRotateCredentials re-encrypts every stale credential payload in
// the organization and reports what was rotated.
func (h *Handlers) HandleRotateCredentials(c *echo.Context) error {
	var req rotateCredentialsRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	orgID, err := organizationID(req.OrganizationID)
	if err != nil {
		return err
	}
	report, err := h.Rotator.BulkRotate(c.Request().Context(), orgID)
	if err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// HandleCredentialHealth summarizes the organization's stored
// credentials: active, expired, due for rotation, unreadable.
func (h *Handlers) HandleCredentialHealth(c *echo.Context) error {
	orgID, err := organizationID(c.QueryParam("organization_id"))
	if err != nil {
		return err
	}
	health, err := h.Rotator.CredentialHealth(c.Request().Context(), orgID)
	if err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, health)
}
