package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Config is the per-integration configuration shared by every provider.
// Provider-specific knobs live in Settings; the named fields cover the
// OAuth applications that most providers require.
type Config struct {
	ClientID     string         `json:"client_id,omitempty"`
	ClientSecret string         `json:"client_secret,omitempty"`
	RedirectURI  string         `json:"redirect_uri,omitempty"`
	Scopes       []string       `json:"scopes,omitempty"`
	Features     []string       `json:"features,omitempty"`
	Settings     map[string]any `json:"settings,omitempty"`
}

// Normalized returns a copy with surrounding whitespace stripped and empty
// scope and feature entries dropped.
func (c Config) Normalized() Config {
	out := c
	out.ClientID = strings.TrimSpace(c.ClientID)
	out.ClientSecret = strings.TrimSpace(c.ClientSecret)
	out.RedirectURI = strings.TrimSpace(c.RedirectURI)
	out.Scopes = normalizeList(c.Scopes)
	out.Features = normalizeList(c.Features)
	return out
}

func normalizeList(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// FeatureEnabled reports whether name is present in Features.
func (c Config) FeatureEnabled(name string) bool {
	for _, f := range c.Features {
		if f == name {
			return true
		}
	}
	return false
}

// SettingString returns the named setting when it holds a string.
func (c Config) SettingString(key string) string {
	if c.Settings == nil {
		return ""
	}
	s, _ := c.Settings[key].(string)
	return strings.TrimSpace(s)
}

// SettingBool returns the named setting when it holds a bool.
func (c Config) SettingBool(key string) bool {
	if c.Settings == nil {
		return false
	}
	b, _ := c.Settings[key].(bool)
	return b
}

// Masked returns a copy safe for API responses and logs, with the client
// secret reduced to a hint.
func (c Config) Masked() Config {
	out := c
	out.ClientSecret = MaskSecret(c.ClientSecret)
	return out
}

// DecodeConfig parses raw JSON into a Config. Empty input and JSON null
// decode to the zero value; unknown fields are rejected so that typos in
// stored configuration surface as errors instead of silently vanishing.
func DecodeConfig(raw []byte) (Config, error) {
	var cfg Config
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return cfg, nil
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode provider config: %w", err)
	}
	return cfg, nil
}

// EncodeConfig renders cfg as compact JSON for storage.
func EncodeConfig(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode provider config: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MergeConfig overlays update onto existing. Blank secrets in the update
// keep the stored value so that edit forms can round-trip masked
// configuration without wiping credentials.
func MergeConfig(existing, update Config) Config {
	out := update.Normalized()
	if out.ClientSecret == "" || strings.Contains(out.ClientSecret, "****") {
		out.ClientSecret = existing.ClientSecret
	}
	if out.ClientID == "" {
		out.ClientID = existing.ClientID
	}
	if out.RedirectURI == "" {
		out.RedirectURI = existing.RedirectURI
	}
	if len(out.Scopes) == 0 {
		out.Scopes = existing.Scopes
	}
	if len(out.Features) == 0 {
		out.Features = existing.Features
	}
	if out.Settings == nil {
		out.Settings = existing.Settings
	}
	return out
}

// MaskSecret reduces a secret to a short hint for display. Short secrets
// mask entirely so the hint never reveals most of the value.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
