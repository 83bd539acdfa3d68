// Package httpx is the single HTTP funnel for provider API calls. Every
// outbound request a provider makes goes through Client, which applies
// authentication, timeouts, rate-limit-aware retries and error
// normalization in one place.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/junctionhq/junction/internal/providers/registry"
)

const (
	// DefaultTimeout bounds a single request attempt.
	DefaultTimeout = 30 * time.Second

	defaultMaxRetries = 3
	maxRetryDelay     = 30 * time.Second
	maxResponseBytes  = 10 << 20
	maxErrorBodyChars = 300
)

// Client wraps http.Client with the behaviour shared by every provider.
// A zero-value Client is not usable; construct with New.
type Client struct {
	hc         *http.Client
	maxRetries int
	retryDelay time.Duration
	userAgent  string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.hc.Timeout = d
		}
	}
}

// WithMaxRetries overrides how many times retryable responses are retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay overrides the base delay the backoff doubles from.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithHTTPClient swaps the underlying http.Client, keeping its transport
// settings. Used by tests and by callers that need custom TLS config.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// New builds a Client with the default timeout and retry policy.
func New(opts ...Option) *Client {
	c := &Client{
		hc:         &http.Client{Timeout: DefaultTimeout},
		maxRetries: defaultMaxRetries,
		retryDelay: time.Second,
		userAgent:  "junction/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request describes one provider API call.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header

	// Body is JSON-encoded when non-nil. Form takes precedence and is
	// sent urlencoded, which OAuth token endpoints require.
	Body any
	Form url.Values

	// Credentials are applied by priority: bearer token, then API key,
	// then basic auth. Zero credentials send an unauthenticated request.
	Credentials registry.Credentials
	// APIKeyHeader names the header carrying Credentials.APIKey. Empty
	// or "Authorization" sends the key as a bearer token.
	APIKeyHeader string
}

// Response is a fully read provider response. The body is limited to
// maxResponseBytes; provider listings never approach that.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do performs the request, retrying 429 and transient 5xx answers with
// Retry-After-aware backoff. Non-2xx answers after retries return a
// *registry.HTTPError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	payload, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	fullURL := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(fullURL, "?") {
			sep = "&"
		}
		fullURL += sep + req.Query.Encode()
	}

	var retryAfter time.Duration
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBackoff(attempt)
			if retryAfter > 0 {
				delay = retryAfter
			}
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
			if err := sleepContext(ctx, delay); err != nil {
				return nil, err
			}
		}

		httpReq, err := c.buildRequest(ctx, req, fullURL, payload, contentType)
		if err != nil {
			return nil, err
		}

		resp, err := c.hc.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		drainAndClose(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("%s %s: read response: %w", req.Method, req.URL, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
		}

		httpErr := &registry.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       truncateBody(body),
			RetryAfter: retryAfterDuration(resp.Header.Get("Retry-After")),
		}
		if !retryableStatus(resp.StatusCode) || attempt == c.maxRetries {
			return nil, httpErr
		}
		retryAfter = httpErr.RetryAfter
		lastErr = httpErr
	}
	return nil, lastErr
}

// DoJSON performs the request and decodes a JSON response body into out.
// A nil out discards the body.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", req.Method, req.URL, err)
	}
	return nil
}

func (c *Client) buildRequest(ctx context.Context, req Request, fullURL string, payload []byte, contentType string) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", req.Method, req.URL, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	applyAuth(httpReq, req.Credentials, req.APIKeyHeader)
	return httpReq, nil
}

func encodeBody(req Request) ([]byte, string, error) {
	if len(req.Form) > 0 {
		return []byte(req.Form.Encode()), "application/x-www-form-urlencoded", nil
	}
	if req.Body == nil {
		return nil, "", nil
	}
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, "", fmt.Errorf("encode request body: %w", err)
	}
	return payload, "application/json", nil
}

// applyAuth sets authentication headers by priority: bearer token first,
// then API key, then basic auth.
func applyAuth(r *http.Request, creds registry.Credentials, apiKeyHeader string) {
	switch {
	case creds.AccessToken != "":
		r.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	case creds.Token != "":
		r.Header.Set("Authorization", "Bearer "+creds.Token)
	case creds.APIKey != "":
		if apiKeyHeader == "" || strings.EqualFold(apiKeyHeader, "authorization") {
			r.Header.Set("Authorization", "Bearer "+creds.APIKey)
		} else {
			r.Header.Set(apiKeyHeader, creds.APIKey)
		}
	case creds.Username != "" || creds.Password != "":
		r.SetBasicAuth(creds.Username, creds.Password)
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryBackoff doubles per attempt, capped at maxRetryDelay.
func (c *Client) retryBackoff(attempt int) time.Duration {
	d := c.retryDelay * time.Duration(1<<uint(attempt-1))
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// retryAfterDuration parses a Retry-After header: seconds first, HTTP
// date as fallback. Unparseable values yield zero.
func retryAfterDuration(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(h, "%d", &secs); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	s = strings.ToValidUTF8(s, "")
	if len(s) > maxErrorBodyChars {
		s = s[:maxErrorBodyChars] + "..."
	}
	return s
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
