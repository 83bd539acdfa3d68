// Package jira implements the Jira Cloud provider over Atlassian's 3LO
// OAuth: consent on auth.atlassian.com, API calls through the gateway's
// per-site cloud id, rotating refresh tokens.
package jira

import (
	"context"
	"encoding/json"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/junctionhq/junction/internal/providers/httpx"
	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/webhooks"
)

const (
	defaultAuthBaseURL = "https://auth.atlassian.com"
	defaultAPIBaseURL  = "https://api.atlassian.com"

	oauthAudience = "api.atlassian.com"
)

// Provider is the Jira implementation of registry.Provider.
type Provider struct {
	client      *httpx.Client
	authBaseURL string
	apiBaseURL  string
	now         func() time.Time
}

// New builds the provider over the shared HTTP client.
func New(client *httpx.Client) *Provider {
	return &Provider{
		client:      client,
		authBaseURL: defaultAuthBaseURL,
		apiBaseURL:  defaultAPIBaseURL,
		now:         time.Now,
	}
}

func (p *Provider) Kind() string        { return registry.KindJira }
func (p *Provider) DisplayName() string { return "Jira" }
func (p *Provider) Category() string    { return registry.CategoryIssueTracking }

func (p *Provider) Metadata() registry.Metadata {
	return registry.Metadata{
		Kind:        registry.KindJira,
		DisplayName: "Jira",
		Category:    registry.CategoryIssueTracking,
		AuthModes:   []string{registry.ConnectionTypeOAuth, registry.ConnectionTypeBasic},
		Capabilities: []string{
			registry.CapabilityRead,
			registry.CapabilityWrite,
			registry.CapabilityWebhooks,
		},
		CapabilityProbes: map[string]string{
			registry.CapabilityRead: "search_issues",
		},
		SupportsRefresh:  true,
		SupportsWebhooks: true,
		SignatureHeader:  "X-Hub-Signature",
		DocsURL:          "https://developer.atlassian.com/cloud/jira/platform/",
	}
}

func (p *Provider) AvailableScopes() []string {
	return []string{
		"read:jira-work",
		"write:jira-work",
		"read:jira-user",
		"manage:jira-webhook",
		"offline_access",
	}
}

func (p *Provider) SupportedWebhookEvents() []string {
	return []string{"jira:issue_created", "jira:issue_updated", "jira:issue_deleted", "comment_created"}
}

func (p *Provider) DefaultConfig() registry.Config {
	return registry.Config{
		Scopes: []string{"read:jira-work", "read:jira-user", "offline_access"},
	}
}

func (p *Provider) ValidateConfig(cfg registry.Config) error {
	cfg = cfg.Normalized()
	if cfg.ClientID == "" {
		return registry.NewValidationError("jira config requires client_id")
	}
	if cfg.ClientSecret == "" {
		return registry.NewValidationError("jira config requires client_secret")
	}
	if cfg.RedirectURI == "" {
		return registry.NewValidationError("jira config requires redirect_uri")
	}
	return nil
}

func (p *Provider) ValidateCredentials(creds registry.Credentials, connectionType string) error {
	if !p.Metadata().SupportsConnectionType(connectionType) {
		return registry.NewValidationError("jira does not support %s connections", connectionType)
	}
	if err := registry.ValidateCredentialShape(creds, connectionType); err != nil {
		return err
	}
	if connectionType == registry.ConnectionTypeOAuth && creds.Extra("cloud_id") == "" {
		return registry.NewValidationError("jira oauth credentials require a cloud_id extra")
	}
	return nil
}

// AuthorizationURL builds the 3LO consent URL. offline_access is forced
// into the scope list so the grant yields a refresh token, and
// prompt=consent makes Atlassian re-issue one on re-authorization.
func (p *Provider) AuthorizationURL(cfg registry.Config, state string) (registry.AuthorizationRequest, error) {
	if err := p.ValidateConfig(cfg); err != nil {
		return registry.AuthorizationRequest{}, err
	}
	cfg = cfg.Normalized()
	scopes := cfg.Scopes
	if !slices.Contains(scopes, "offline_access") {
		scopes = append(slices.Clone(scopes), "offline_access")
	}
	q := url.Values{
		"audience":      {oauthAudience},
		"client_id":     {cfg.ClientID},
		"scope":         {strings.Join(scopes, " ")},
		"redirect_uri":  {cfg.RedirectURI},
		"state":         {state},
		"response_type": {"code"},
		"prompt":        {"consent"},
	}
	return registry.AuthorizationRequest{
		URL:   p.authBaseURL + "/authorize?" + q.Encode(),
		State: state,
	}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

type accessibleResource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ExchangeCode swaps the code at the token endpoint, then resolves the
// accessible resources to learn which Jira site the grant covers. The
// first site's cloud id becomes part of the credentials; every API call
// goes through it.
func (p *Provider) ExchangeCode(ctx context.Context, code, _ string, cfg registry.Config) (registry.Credentials, error) {
	cfg = cfg.Normalized()
	var out tokenResponse
	err := p.client.DoJSON(ctx, httpx.Request{
		Method: "POST",
		URL:    p.authBaseURL + "/oauth/token",
		Body: map[string]string{
			"grant_type":    "authorization_code",
			"client_id":     cfg.ClientID,
			"client_secret": cfg.ClientSecret,
			"code":          code,
			"redirect_uri":  cfg.RedirectURI,
		},
	}, &out)
	if err != nil {
		return registry.Credentials{}, err
	}

	creds := p.credentialsFromToken(out)
	var sites []accessibleResource
	err = p.client.DoJSON(ctx, httpx.Request{
		Method:      "GET",
		URL:         p.apiBaseURL + "/oauth/token/accessible-resources",
		Credentials: creds,
	}, &sites)
	if err != nil {
		return registry.Credentials{}, err
	}
	if len(sites) == 0 {
		return registry.Credentials{}, registry.NewValidationError("grant has no accessible jira sites")
	}
	creds = creds.WithExtra("cloud_id", sites[0].ID)
	creds = creds.WithExtra("site_name", sites[0].Name)
	creds = creds.WithExtra("site_url", sites[0].URL)
	return creds, nil
}

// RefreshTokens exchanges the rotating refresh token. Atlassian answers
// with a new refresh token; the old one is dead after this call.
func (p *Provider) RefreshTokens(ctx context.Context, refreshToken string, cfg registry.Config) (registry.Credentials, error) {
	cfg = cfg.Normalized()
	var out tokenResponse
	err := p.client.DoJSON(ctx, httpx.Request{
		Method: "POST",
		URL:    p.authBaseURL + "/oauth/token",
		Body: map[string]string{
			"grant_type":    "refresh_token",
			"client_id":     cfg.ClientID,
			"client_secret": cfg.ClientSecret,
			"refresh_token": refreshToken,
		},
	}, &out)
	if err != nil {
		return registry.Credentials{}, err
	}
	return p.credentialsFromToken(out), nil
}

func (p *Provider) credentialsFromToken(out tokenResponse) registry.Credentials {
	creds := registry.Credentials{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		TokenType:    out.TokenType,
		Scope:        out.Scope,
	}
	if out.ExpiresIn > 0 {
		creds.ExpiresAt = registry.EpochSeconds(p.now().Add(time.Duration(out.ExpiresIn) * time.Second))
	}
	return creds
}

// RevokeCredentials is not offered by Atlassian's 3LO API; grants are
// revoked from the user's Atlassian account page.
func (p *Provider) RevokeCredentials(context.Context, registry.Credentials, registry.Config) error {
	return registry.NotSupportedf("jira token revocation")
}

func (p *Provider) VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	return webhooks.VerifyHMACHex(payload, signature, secret)
}

// ParseWebhookEvent unwraps Jira's webhook envelope: webhookEvent names
// the event, issue/comment ride alongside.
func (p *Provider) ParseWebhookEvent(eventType string, payload []byte) (map[string]any, error) {
	var event map[string]any
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, registry.NewValidationError("undecodable jira event: %v", err)
	}
	typ, _ := event["webhookEvent"].(string)
	if typ == "" {
		typ = eventType
	}
	if typ == "" {
		return nil, registry.NewValidationError("jira event without webhookEvent field")
	}
	out := map[string]any{"event_type": typ, "event": event}
	if issue, ok := event["issue"]; ok {
		out["issue"] = issue
	}
	return out, nil
}

var _ registry.Provider = (*Provider)(nil)
