package handlers

import (
	"net/http"

	"github.com/labstack/echo/v5"
)

// HandleHealthz reports process and database liveness.
func (h *Handlers) HandleHealthz(c *echo.Context) error {
	if err := h.Store.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// HandleListProviders returns the registered provider catalog grouped by
// category, the data a frontend needs to render a connect screen.
func (h *Handlers) HandleListProviders(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"providers": h.Registry.MetadataByCategory()})
}
