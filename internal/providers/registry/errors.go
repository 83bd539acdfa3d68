package registry

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotSupported marks an operation the provider does not implement,
// e.g. token refresh on an API-key provider. Callers treat it as a
// terminal answer, not a failure to retry.
var ErrNotSupported = errors.New("operation not supported by provider")

// ErrRateLimited marks a request the provider rejected for rate limiting
// after retries were exhausted. *HTTPError values with status 429 match
// it via errors.Is.
var ErrRateLimited = errors.New("provider rate limited the request")

// NotSupportedf wraps ErrNotSupported with a formatted detail message so
// errors.Is(err, ErrNotSupported) still matches.
func NotSupportedf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotSupported)...)
}

// ValidationError reports invalid caller-supplied input: malformed
// configuration or credentials missing required fields. It is terminal;
// retrying the same input cannot succeed.
type ValidationError struct {
	Reason string
}

// NewValidationError builds a *ValidationError with a formatted reason.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// HTTPError is a non-2xx answer from a provider API, normalized by the
// shared HTTP client. The body is truncated before it gets here so the
// error is safe to log.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	// RetryAfter is the provider's requested backoff when the response
	// carried one, zero otherwise.
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider API error: %s", e.Status)
	}
	return fmt.Sprintf("provider API error: %s: %s", e.Status, e.Body)
}

// Is lets errors.Is(err, ErrRateLimited) match 429 responses.
func (e *HTTPError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == 429
}

// AsHTTPError unwraps err to an *HTTPError when one is in the chain.
func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// IsAuthError reports whether err is a provider response that indicates
// dead credentials rather than a transient problem.
func IsAuthError(err error) bool {
	he, ok := AsHTTPError(err)
	return ok && (he.StatusCode == 401 || he.StatusCode == 403)
}
