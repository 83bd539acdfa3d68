package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credentials is the canonical credential payload stored (encrypted) per
// connection. Which fields are populated depends on the connection type;
// provider-specific values such as instance URLs travel in Extras.
type Credentials struct {
	AccessToken  string            `json:"access_token,omitempty"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	TokenType    string            `json:"token_type,omitempty"`
	Scope        string            `json:"scope,omitempty"`
	ExpiresAt    *int64            `json:"expires_at,omitempty"`
	APIKey       string            `json:"api_key,omitempty"`
	Token        string            `json:"token,omitempty"`
	Username     string            `json:"username,omitempty"`
	Password     string            `json:"password,omitempty"`
	Extras       map[string]string `json:"extras,omitempty"`
}

// Expired reports whether the access token has an expiry in the past.
// Credentials without an expiry never expire.
func (c Credentials) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.Unix() >= *c.ExpiresAt
}

// ExpiresWithin reports whether the access token expires inside the next
// d, so callers can refresh ahead of the deadline.
func (c Credentials) ExpiresWithin(now time.Time, d time.Duration) bool {
	return c.ExpiresAt != nil && now.Add(d).Unix() >= *c.ExpiresAt
}

// Extra returns the named extra value, or "" when absent.
func (c Credentials) Extra(key string) string {
	return c.Extras[key]
}

// WithExtra returns a copy with key set in Extras.
func (c Credentials) WithExtra(key, value string) Credentials {
	out := c
	out.Extras = make(map[string]string, len(c.Extras)+1)
	for k, v := range c.Extras {
		out.Extras[k] = v
	}
	out.Extras[key] = value
	return out
}

// EpochSeconds converts t to the epoch-seconds form stored in ExpiresAt.
func EpochSeconds(t time.Time) *int64 {
	s := t.Unix()
	return &s
}

// DecodeCredentials parses a decrypted credential payload. Empty input and
// JSON null decode to the zero value; unknown fields are rejected.
func DecodeCredentials(raw []byte) (Credentials, error) {
	var creds Credentials
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return creds, nil
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

// EncodeCredentials renders creds as compact JSON for encryption.
func EncodeCredentials(creds Credentials) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(creds); err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ValidateCredentialShape checks that creds carry the fields the
// connection type requires. Providers layer their own checks on top, e.g.
// key prefixes or required extras.
func ValidateCredentialShape(creds Credentials, connectionType string) error {
	switch connectionType {
	case ConnectionTypeOAuth:
		if creds.AccessToken == "" {
			return NewValidationError("oauth credentials require access_token")
		}
	case ConnectionTypeAPIKey:
		if creds.APIKey == "" {
			return NewValidationError("api_key credentials require api_key")
		}
	case ConnectionTypeBasic:
		if creds.Username == "" || creds.Password == "" {
			return NewValidationError("basic_auth credentials require username and password")
		}
	case ConnectionTypeBearer:
		if creds.Token == "" && creds.AccessToken == "" {
			return NewValidationError("bearer_token credentials require token")
		}
	case ConnectionTypeCustom:
		// Custom providers own their credential shape entirely.
	default:
		return NewValidationError("unknown connection type %q", connectionType)
	}
	return nil
}
