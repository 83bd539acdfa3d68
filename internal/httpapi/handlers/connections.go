package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
)

// HandleTestConnection runs a live connection test and returns the
// result. The outcome is also written back to the connection's status;
// a failing test is a 200 with success=false, not an error.
func (h *Handlers) HandleTestConnection(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	result, err := h.Health.TestOne(c.Request().Context(), id)
	if err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

type testConnectionsRequest struct {
	ConnectionIDs []uuid.UUID `json:"connection_ids"`
}

// HandleTestConnections tests a batch of connections, a few at a time.
func (h *Handlers) HandleTestConnections(c *echo.Context) error {
	var req testConnectionsRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	if len(req.ConnectionIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "connection_ids is required")
	}
	results := h.Health.TestMany(c.Request().Context(), req.ConnectionIDs)
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

// HandleConnectionCapabilities probes what the connection's credentials
// can actually do and reports limitations with recommendations.
func (h *Handlers) HandleConnectionCapabilities(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.Health.TestCapabilities(c.Request().Context(), id))
}

// HandleRefreshConnection exchanges the stored refresh token for fresh
// credentials.
func (h *Handlers) HandleRefreshConnection(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	conn, err := h.Flows.RefreshTokens(c.Request().Context(), id)
	if err != nil {
		return h.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, conn)
}

// HandleRotateConnection re-encrypts one connection's credentials under
// the current key version.
func (h *Handlers) HandleRotateConnection(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := h.Store.GetConnection(ctx, id); err != nil {
		return h.RespondError(c, err)
	}
	rotated := h.Rotator.Rotate(ctx, id)
	return c.JSON(http.StatusOK, map[string]bool{"rotated": rotated})
}

// HandleRevokeConnection revokes upstream where the provider supports
// it, then retires the connection locally either way.
func (h *Handlers) HandleRevokeConnection(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.Flows.RevokeConnection(c.Request().Context(), id); err != nil {
		return h.RespondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
