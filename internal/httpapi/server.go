// Package httpapi exposes the junction REST API over echo.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/junctionhq/junction/internal/httpapi/authn"
	"github.com/junctionhq/junction/internal/httpapi/handlers"
)

// Server is the HTTP server wrapper.
type Server struct {
	h *handlers.Handlers
	e *echo.Echo
}

// NewServer creates a new HTTP server around the given handlers.
func NewServer(h *handlers.Handlers) (*Server, error) {
	if h == nil {
		return nil, errors.New("httpapi: nil handlers")
	}
	e := echo.New()
	e.Logger = slog.Default()
	s := &Server{h: h, e: e}
	e.HTTPErrorHandler = s.httpErrorHandler
	s.registerRoutes()
	return s, nil
}

// Handler returns the root handler for use with an http.Server.
func (s *Server) Handler() http.Handler {
	return s.e
}

func (s *Server) registerRoutes() {
	s.e.Use(requestID)

	session := noopMiddleware
	if s.h.Sessions != nil {
		session = echo.WrapMiddleware(s.h.Sessions.LoadAndSave)
	}

	s.e.GET("/healthz", s.h.HandleHealthz)
	s.e.POST("/webhooks/:provider/:integrationID", s.h.HandleInboundWebhook)
	s.e.GET("/oauth/callback/:integrationID", s.h.HandleOAuthCallback, session)

	api := s.e.Group("/api")
	api.Use(authn.RequireToken(s.h.Cfg.APITokenHash))

	api.GET("/providers", s.h.HandleListProviders)

	api.POST("/integrations", s.h.HandleCreateIntegration)
	api.GET("/integrations", s.h.HandleListIntegrations)
	api.GET("/integrations/:id", s.h.HandleGetIntegration)
	api.DELETE("/integrations/:id", s.h.HandleDeleteIntegration)
	api.PUT("/integrations/:id/config", s.h.HandleUpdateIntegrationConfig)
	api.GET("/integrations/:id/logs", s.h.HandleListIntegrationLogs)
	api.POST("/integrations/:id/authorize", s.h.HandleAuthorizeIntegration, session)
	api.POST("/integrations/:id/connections", s.h.HandleCreateConnection)
	api.POST("/integrations/:id/sync", s.h.HandleSyncIntegration)
	api.POST("/integrations/:id/actions/:action", s.h.HandleExecuteAction)

	api.POST("/connections/test", s.h.HandleTestConnections)
	api.POST("/connections/:id/test", s.h.HandleTestConnection)
	api.GET("/connections/:id/capabilities", s.h.HandleConnectionCapabilities)
	api.POST("/connections/:id/refresh", s.h.HandleRefreshConnection)
	api.POST("/connections/:id/rotate", s.h.HandleRotateConnection)
	api.DELETE("/connections/:id", s.h.HandleRevokeConnection)

	api.POST("/credentials/rotate", s.h.HandleRotateCredentials)
	api.GET("/credentials/health", s.h.HandleCredentialHealth)
	api.POST("/health/run", s.h.HandleRunHealthChecks)
	api.POST("/sync/trigger", s.h.HandleTriggerSync)

	api.POST("/webhooks", s.h.HandleCreateWebhook)
	api.GET("/webhooks", s.h.HandleListWebhooks)
	api.GET("/webhooks/:id", s.h.HandleGetWebhook)
	api.POST("/webhooks/:id/enable", s.h.HandleSetWebhookEnabled)
	api.DELETE("/webhooks/:id", s.h.HandleDeleteWebhook)
	api.GET("/webhooks/:id/deliveries", s.h.HandleListWebhookDeliveries)
}

// httpErrorHandler renders every error that escapes a handler as JSON.
// Messages carried by an *echo.HTTPError below 500 are written by our own
// handlers and are safe to show; anything else stays generic so internal
// detail never reaches a client.
func (s *Server) httpErrorHandler(c *echo.Context, err error) {
	if r, _ := echo.UnwrapResponse(c.Response()); r != nil && r.Committed {
		return
	}
	status := httpStatusFromError(err)
	if status >= http.StatusInternalServerError {
		_ = s.h.RenderError(c, err)
		return
	}
	body := handlers.ErrorBody{Error: clientMessage(err, status)}
	if writeErr := c.JSON(status, body); writeErr != nil {
		c.Logger().Error("error response write failed", "error", writeErr)
	}
}

// httpStatusFromError maps an error to the HTTP status it should produce.
func httpStatusFromError(err error) int {
	var sc echo.HTTPStatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return http.StatusInternalServerError
}

func clientMessage(err error, status int) string {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		if msg := httpErr.Message; msg != "" {
			return msg
		}
	}
	return http.StatusText(status)
}

// requestID tags every request with an identifier that the error renderer
// echoes back as a support reference.
func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get(echo.HeaderXRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(handlers.ContextKeyRequestID, id)
		c.Response().Header().Set(echo.HeaderXRequestID, id)
		return next(c)
	}
}

func noopMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return next
}
