package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/junctionhq/junction/internal/auth"
	"github.com/junctionhq/junction/internal/config"
	"github.com/junctionhq/junction/internal/httpapi/handlers"
	"github.com/junctionhq/junction/internal/providers/registry"
)

func TestHTTPErrorHandlerInternalErrorIsGeneric(t *testing.T) {
	e := echo.New()
	e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/test", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(handlers.ContextKeyRequestID, "req-123")

	s := &Server{h: &handlers.Handlers{}, e: e}
	s.httpErrorHandler(c, errors.New("very sensitive error"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusInternalServerError)
	}
	if strings.Contains(rec.Body.String(), "very sensitive") {
		t.Fatalf("response leaked error details: %q", rec.Body.String())
	}

	var body handlers.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Error != "internal error" {
		t.Fatalf("error=%q want %q", body.Error, "internal error")
	}
	if body.Code != handlers.InternalErrorCode {
		t.Fatalf("code=%q want %q", body.Code, handlers.InternalErrorCode)
	}
	if body.Reference != "req-123" {
		t.Fatalf("reference=%q want %q", body.Reference, "req-123")
	}
}

func TestHTTPErrorHandlerClientErrorKeepsMessage(t *testing.T) {
	e := echo.New()
	e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	s := &Server{h: &handlers.Handlers{}, e: e}
	s.httpErrorHandler(c, echo.NewHTTPError(http.StatusNotFound, "integration not found"))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusNotFound)
	}

	var body handlers.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Error != "integration not found" {
		t.Fatalf("error=%q want %q", body.Error, "integration not found")
	}
	if body.Code != "" || body.Reference != "" {
		t.Fatalf("client error carried internal fields: %+v", body)
	}
}

func TestHTTPErrorHandlerMissingMessageUsesStatusText(t *testing.T) {
	e := echo.New()
	e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/bad", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	s := &Server{h: &handlers.Handlers{}, e: e}
	s.httpErrorHandler(c, echo.NewHTTPError(http.StatusBadRequest, ""))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusBadRequest)
	}

	var body handlers.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Error != http.StatusText(http.StatusBadRequest) {
		t.Fatalf("error=%q want %q", body.Error, http.StatusText(http.StatusBadRequest))
	}
}

func TestHTTPStatusFromErrorUsesStatusCoder(t *testing.T) {
	if got := httpStatusFromError(echo.ErrNotFound); got != http.StatusNotFound {
		t.Fatalf("status=%d want %d", got, http.StatusNotFound)
	}
	if got := httpStatusFromError(echo.ErrForbidden); got != http.StatusForbidden {
		t.Fatalf("status=%d want %d", got, http.StatusForbidden)
	}
	if got := httpStatusFromError(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("status=%d want %d", got, http.StatusInternalServerError)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	hash, err := auth.HashToken("jn_live_server_test")
	if err != nil {
		t.Fatalf("HashToken() error = %v", err)
	}

	h := &handlers.Handlers{
		Cfg:      config.Config{APITokenHash: hash},
		Registry: registry.New(),
	}
	s, err := NewServer(h)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	s.e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/providers", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Fatal("response missing request id header")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/providers", nil)
	req.Header.Set("Authorization", "Bearer jn_live_server_test")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestAPIFailsClosedWithoutConfiguredToken(t *testing.T) {
	s, err := NewServer(&handlers.Handlers{Registry: registry.New()})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	s.e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/providers", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	// No token configured means the API group fails closed.
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusUnauthorized)
	}
}
