// Package salesforce implements the Salesforce provider: web-server OAuth
// against the production or sandbox authority, SOQL-driven syncs and
// record actions against the org's instance URL.
package salesforce

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/junctionhq/junction/internal/providers/httpx"
	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/webhooks"
)

const (
	defaultLoginURL   = "https://login.salesforce.com"
	defaultSandboxURL = "https://test.salesforce.com"

	apiVersion = "v59.0"
)

// Provider is the Salesforce implementation of registry.Provider.
type Provider struct {
	client     *httpx.Client
	loginURL   string
	sandboxURL string
	now        func() time.Time
}

// New builds the provider over the shared HTTP client.
func New(client *httpx.Client) *Provider {
	return &Provider{
		client:     client,
		loginURL:   defaultLoginURL,
		sandboxURL: defaultSandboxURL,
		now:        time.Now,
	}
}

func (p *Provider) Kind() string        { return registry.KindSalesforce }
func (p *Provider) DisplayName() string { return "Salesforce" }
func (p *Provider) Category() string    { return registry.CategoryCRM }

func (p *Provider) Metadata() registry.Metadata {
	return registry.Metadata{
		Kind:        registry.KindSalesforce,
		DisplayName: "Salesforce",
		Category:    registry.CategoryCRM,
		AuthModes:   []string{registry.ConnectionTypeOAuth},
		Capabilities: []string{
			registry.CapabilityRead,
			registry.CapabilityWrite,
			registry.CapabilityWebhooks,
		},
		CapabilityProbes: map[string]string{
			registry.CapabilityRead: "run_soql",
		},
		SupportsRefresh:  true,
		SupportsWebhooks: true,
		SignatureHeader:  "X-Salesforce-Signature",
		DocsURL:          "https://developer.salesforce.com/docs",
	}
}

func (p *Provider) AvailableScopes() []string {
	return []string{"api", "refresh_token", "openid", "id", "web"}
}

func (p *Provider) SupportedWebhookEvents() []string {
	return []string{"record_created", "record_updated", "record_deleted", "platform_event"}
}

func (p *Provider) DefaultConfig() registry.Config {
	return registry.Config{
		Scopes: []string{"api", "refresh_token"},
	}
}

// authority picks the login host: production, or the sandbox authority
// when the integration's sandbox setting is on.
func (p *Provider) authority(cfg registry.Config) string {
	if cfg.SettingBool("sandbox") {
		return p.sandboxURL
	}
	return p.loginURL
}

func (p *Provider) ValidateConfig(cfg registry.Config) error {
	cfg = cfg.Normalized()
	if cfg.ClientID == "" {
		return registry.NewValidationError("salesforce config requires client_id (connected app consumer key)")
	}
	if cfg.ClientSecret == "" {
		return registry.NewValidationError("salesforce config requires client_secret")
	}
	if cfg.RedirectURI == "" {
		return registry.NewValidationError("salesforce config requires redirect_uri")
	}
	return nil
}

func (p *Provider) ValidateCredentials(creds registry.Credentials, connectionType string) error {
	if !p.Metadata().SupportsConnectionType(connectionType) {
		return registry.NewValidationError("salesforce does not support %s connections", connectionType)
	}
	if err := registry.ValidateCredentialShape(creds, connectionType); err != nil {
		return err
	}
	if creds.Extra("instance_url") == "" {
		return registry.NewValidationError("salesforce credentials require an instance_url extra")
	}
	return nil
}

// AuthorizationURL builds the web-server flow consent URL on the
// configured authority.
func (p *Provider) AuthorizationURL(cfg registry.Config, state string) (registry.AuthorizationRequest, error) {
	if err := p.ValidateConfig(cfg); err != nil {
		return registry.AuthorizationRequest{}, err
	}
	cfg = cfg.Normalized()
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {cfg.ClientID},
		"redirect_uri":  {cfg.RedirectURI},
		"state":         {state},
	}
	if len(cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(cfg.Scopes, " "))
	}
	return registry.AuthorizationRequest{
		URL:   p.authority(cfg) + "/services/oauth2/authorize?" + q.Encode(),
		State: state,
	}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	InstanceURL  string `json:"instance_url"`
	ID           string `json:"id"`
	TokenType    string `json:"token_type"`
	IssuedAt     string `json:"issued_at"`
	Scope        string `json:"scope"`
}

// ExchangeCode swaps the authorization code at the authority's token
// endpoint. The answer carries the org's instance URL, which every later
// API call needs, so it is kept in the credential extras.
func (p *Provider) ExchangeCode(ctx context.Context, code, _ string, cfg registry.Config) (registry.Credentials, error) {
	cfg = cfg.Normalized()
	var out tokenResponse
	err := p.client.DoJSON(ctx, httpx.Request{
		Method: "POST",
		URL:    p.authority(cfg) + "/services/oauth2/token",
		Form: url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"client_id":     {cfg.ClientID},
			"client_secret": {cfg.ClientSecret},
			"redirect_uri":  {cfg.RedirectURI},
		},
	}, &out)
	if err != nil {
		return registry.Credentials{}, err
	}
	return credentialsFromToken(out, ""), nil
}

// RefreshTokens obtains a fresh access token. Salesforce refresh tokens
// do not rotate, so the one handed in is carried forward.
func (p *Provider) RefreshTokens(ctx context.Context, refreshToken string, cfg registry.Config) (registry.Credentials, error) {
	cfg = cfg.Normalized()
	var out tokenResponse
	err := p.client.DoJSON(ctx, httpx.Request{
		Method: "POST",
		URL:    p.authority(cfg) + "/services/oauth2/token",
		Form: url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
			"client_id":     {cfg.ClientID},
			"client_secret": {cfg.ClientSecret},
		},
	}, &out)
	if err != nil {
		return registry.Credentials{}, err
	}
	return credentialsFromToken(out, refreshToken), nil
}

func credentialsFromToken(out tokenResponse, fallbackRefresh string) registry.Credentials {
	creds := registry.Credentials{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		TokenType:    out.TokenType,
		Scope:        out.Scope,
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = fallbackRefresh
	}
	if out.InstanceURL != "" {
		creds = creds.WithExtra("instance_url", strings.TrimRight(out.InstanceURL, "/"))
	}
	if out.ID != "" {
		creds = creds.WithExtra("identity_url", out.ID)
	}
	if out.IssuedAt != "" {
		creds = creds.WithExtra("issued_at", out.IssuedAt)
	}
	return creds
}

// RevokeCredentials revokes the refresh token when present, which also
// invalidates access tokens issued from it, else the access token.
func (p *Provider) RevokeCredentials(ctx context.Context, creds registry.Credentials, cfg registry.Config) error {
	token := creds.RefreshToken
	if token == "" {
		token = creds.AccessToken
	}
	if token == "" {
		return registry.NewValidationError("no token to revoke")
	}
	return p.client.DoJSON(ctx, httpx.Request{
		Method: "POST",
		URL:    p.authority(cfg) + "/services/oauth2/revoke",
		Form:   url.Values{"token": {token}},
	}, nil)
}

func (p *Provider) VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	return webhooks.VerifyHMACBase64(payload, signature, secret)
}

// ParseWebhookEvent accepts the relay's JSON envelope: the event type
// rides in event_type, falling back to the subscription's type.
func (p *Provider) ParseWebhookEvent(eventType string, payload []byte) (map[string]any, error) {
	var event map[string]any
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, registry.NewValidationError("undecodable salesforce event: %v", err)
	}
	typ, _ := event["event_type"].(string)
	if typ == "" {
		typ = eventType
	}
	if typ == "" {
		typ = "platform_event"
	}
	out := map[string]any{"event_type": typ, "event": event}
	if sobject, ok := event["sobject"]; ok {
		out["sobject"] = sobject
	}
	return out, nil
}

var _ registry.Provider = (*Provider)(nil)
