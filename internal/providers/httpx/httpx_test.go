package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/junctionhq/junction/internal/providers/registry"
)

func fastClient(opts ...Option) *Client {
	base := []Option{WithRetryDelay(time.Millisecond), WithTimeout(5 * time.Second)}
	return New(append(base, opts...)...)
}

func TestDoAuthPriority(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Echo-Authorization", r.Header.Get("Authorization"))
		w.Header().Set("Echo-API-Key", r.Header.Get("X-API-Key"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := fastClient()

	tests := []struct {
		name         string
		creds        registry.Credentials
		apiKeyHeader string
		wantAuth     string
		wantAPIKey   string
	}{
		{
			name:     "access token wins over api key",
			creds:    registry.Credentials{AccessToken: "xoxb-1", APIKey: "unused"},
			wantAuth: "Bearer xoxb-1",
		},
		{
			name:     "plain bearer token",
			creds:    registry.Credentials{Token: "ghp_abc"},
			wantAuth: "Bearer ghp_abc",
		},
		{
			name:     "api key defaults to bearer",
			creds:    registry.Credentials{APIKey: "sk_test_1"},
			wantAuth: "Bearer sk_test_1",
		},
		{
			name:         "api key custom header",
			creds:        registry.Credentials{APIKey: "k-1"},
			apiKeyHeader: "X-API-Key",
			wantAPIKey:   "k-1",
		},
		{
			name:     "basic auth last",
			creds:    registry.Credentials{Username: "u", Password: "p"},
			wantAuth: "Basic dTpw",
		},
	}

	for _, tt := range tests {
		resp, err := c.Do(context.Background(), Request{
			Method:       http.MethodGet,
			URL:          srv.URL,
			Credentials:  tt.creds,
			APIKeyHeader: tt.apiKeyHeader,
		})
		if err != nil {
			t.Fatalf("%s: Do: %v", tt.name, err)
		}
		if got := resp.Header.Get("Echo-Authorization"); got != tt.wantAuth {
			t.Errorf("%s: Authorization = %q, want %q", tt.name, got, tt.wantAuth)
		}
		if got := resp.Header.Get("Echo-API-Key"); got != tt.wantAPIKey {
			t.Errorf("%s: X-API-Key = %q, want %q", tt.name, got, tt.wantAPIKey)
		}
	}
}

func TestDoRetriesRateLimitThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, err := fastClient().Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server saw %d calls, want 3", got)
	}
}

func TestDoRetriesTransientServerErrors(t *testing.T) {
	t.Parallel()

	for _, code := range []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(code)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))

		_, err := fastClient().Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
		srv.Close()
		if err != nil {
			t.Fatalf("status %d: Do: %v", code, err)
		}
		if got := calls.Load(); got != 2 {
			t.Fatalf("status %d: server saw %d calls, want 2", code, got)
		}
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not_found"}`))
	}))
	defer srv.Close()

	_, err := fastClient().Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	he, ok := registry.AsHTTPError(err)
	if !ok {
		t.Fatalf("error %T is not *registry.HTTPError", err)
	}
	if he.StatusCode != http.StatusNotFound {
		t.Fatalf("StatusCode = %d, want 404", he.StatusCode)
	}
	if !strings.Contains(he.Body, "not_found") {
		t.Fatalf("Body = %q, want to contain not_found", he.Body)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server saw %d calls, want 1", got)
	}
}

func TestDoExhaustedRetriesMatchRateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := fastClient(WithMaxRetries(1)).Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if !errors.Is(err, registry.ErrRateLimited) {
		t.Fatalf("error %v should match ErrRateLimited", err)
	}
}

func TestDoTruncatesErrorBodies(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(strings.Repeat("x", 2000)))
	}))
	defer srv.Close()

	_, err := fastClient().Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	he, ok := registry.AsHTTPError(err)
	if !ok {
		t.Fatalf("error %T is not *registry.HTTPError", err)
	}
	if len(he.Body) > 310 {
		t.Fatalf("error body length = %d, want truncated", len(he.Body))
	}
	if !strings.HasSuffix(he.Body, "...") {
		t.Fatalf("truncated body should end with ellipsis: %q", he.Body[len(he.Body)-10:])
	}
}

func TestDoJSONDecodesAndSendsForm(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostFormValue("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.PostFormValue("grant_type"))
		}
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer srv.Close()

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	err := fastClient().DoJSON(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Form:   url.Values{"grant_type": {"authorization_code"}, "code": {"abc"}},
	}, &out)
	if err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if out.AccessToken != "tok" || out.ExpiresIn != 3600 {
		t.Fatalf("decoded = %+v", out)
	}
}

func TestDoHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fastClient().Do(ctx, Request{Method: http.MethodGet, URL: srv.URL})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRetryAfterDuration(t *testing.T) {
	t.Parallel()

	if got := retryAfterDuration("7"); got != 7*time.Second {
		t.Fatalf("seconds form = %v, want 7s", got)
	}
	if got := retryAfterDuration(""); got != 0 {
		t.Fatalf("empty header = %v, want 0", got)
	}
	if got := retryAfterDuration("garbage"); got != 0 {
		t.Fatalf("garbage header = %v, want 0", got)
	}
	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	if got := retryAfterDuration(future); got <= 0 || got > 11*time.Second {
		t.Fatalf("http date form = %v, want about 10s", got)
	}
}
