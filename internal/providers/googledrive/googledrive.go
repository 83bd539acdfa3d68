// Package googledrive implements the Google Drive provider. Consent
// runs on accounts.google.com, token grants on oauth2.googleapis.com,
// and the Drive v3 API serves everything else. Google only hands out a
// refresh token when the consent screen is shown, so the authorize URL
// forces access_type=offline with prompt=consent.
package googledrive

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
	defaultAuthBaseURL  = "https://accounts.google.com"
	defaultTokenBaseURL = "https://oauth2.googleapis.com"
	defaultAPIBaseURL   = "https://www.googleapis.com"
)

// Provider is the Google Drive implementation of registry.Provider.
type Provider struct {
	client       *httpx.Client
	authBaseURL  string
	tokenBaseURL string
	apiBaseURL   string
	now          func() time.Time
}

// New builds the provider over the shared HTTP client.
func New(client *httpx.Client) *Provider {
	return &Provider{
		client:       client,
		authBaseURL:  defaultAuthBaseURL,
		tokenBaseURL: defaultTokenBaseURL,
		apiBaseURL:   defaultAPIBaseURL,
		now:          time.Now,
	}
}

func (p *Provider) Kind() string        { return registry.KindGoogleDrive }
func (p *Provider) DisplayName() string { return "Google Drive" }
func (p *Provider) Category() string    { return registry.CategoryStorage }

func (p *Provider) Metadata() registry.Metadata {
	return registry.Metadata{
		Kind:        registry.KindGoogleDrive,
		DisplayName: "Google Drive",
		Category:    registry.CategoryStorage,
		AuthModes:   []string{registry.ConnectionTypeOAuth},
		Capabilities: []string{
			registry.CapabilityRead,
			registry.CapabilityWrite,
			registry.CapabilityWebhooks,
		},
		CapabilityProbes: map[string]string{
			registry.CapabilityRead:  "list_files",
			registry.CapabilityWrite: "create_folder",
		},
		SupportsRefresh:  true,
		SupportsWebhooks: true,
		SignatureHeader:  "X-Goog-Channel-Token",
		DocsURL:          "https://developers.google.com/drive/api/reference/rest/v3",
	}
}

func (p *Provider) AvailableScopes() []string {
	return []string{
		"https://www.googleapis.com/auth/drive",
		"https://www.googleapis.com/auth/drive.readonly",
		"https://www.googleapis.com/auth/drive.metadata.readonly",
		"https://www.googleapis.com/auth/drive.file",
	}
}

func (p *Provider) SupportedWebhookEvents() []string {
	return []string{"change", "sync", "remove", "trash"}
}

func (p *Provider) DefaultConfig() registry.Config {
	return registry.Config{
		Scopes: []string{"https://www.googleapis.com/auth/drive"},
	}
}

func (p *Provider) ValidateConfig(cfg registry.Config) error {
	cfg = cfg.Normalized()
	if cfg.ClientID == "" {
		return registry.NewValidationError("google drive config requires client_id")
	}
	if cfg.ClientSecret == "" {
		return registry.NewValidationError("google drive config requires client_secret")
	}
	if cfg.RedirectURI == "" {
		return registry.NewValidationError("google drive config requires redirect_uri")
	}
	return nil
}

func (p *Provider) ValidateCredentials(creds registry.Credentials, connectionType string) error {
	if !p.Metadata().SupportsConnectionType(connectionType) {
		return registry.NewValidationError("google drive does not support %s connections", connectionType)
	}
	return registry.ValidateCredentialShape(creds, connectionType)
}

// AuthorizationURL builds the consent URL. access_type=offline plus
// prompt=consent is the only combination that reliably yields a refresh
// token on repeat grants.
func (p *Provider) AuthorizationURL(cfg registry.Config, state string) (registry.AuthorizationRequest, error) {
	if err := p.ValidateConfig(cfg); err != nil {
		return registry.AuthorizationRequest{}, err
	}
	cfg = cfg.Normalized()
	q := url.Values{
		"client_id":     {cfg.ClientID},
		"redirect_uri":  {cfg.RedirectURI},
		"response_type": {"code"},
		"scope":         {strings.Join(cfg.Scopes, " ")},
		"state":         {state},
		"access_type":   {"offline"},
		"prompt":        {"consent"},
	}
	return registry.AuthorizationRequest{
		URL:   p.authBaseURL + "/o/oauth2/v2/auth?" + q.Encode(),
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

func (p *Provider) ExchangeCode(ctx context.Context, code, _ string, cfg registry.Config) (registry.Credentials, error) {
	cfg = cfg.Normalized()
	var out tokenResponse
	err := p.client.DoJSON(ctx, httpx.Request{
		Method: "POST",
		URL:    p.tokenBaseURL + "/token",
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
	return p.credentialsFromToken(out, ""), nil
}

// RefreshTokens exchanges the refresh token. Google does not rotate
// refresh tokens, so the one being exchanged is carried forward.
func (p *Provider) RefreshTokens(ctx context.Context, refreshToken string, cfg registry.Config) (registry.Credentials, error) {
	cfg = cfg.Normalized()
	var out tokenResponse
	err := p.client.DoJSON(ctx, httpx.Request{
		Method: "POST",
		URL:    p.tokenBaseURL + "/token",
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
	return p.credentialsFromToken(out, refreshToken), nil
}

func (p *Provider) credentialsFromToken(out tokenResponse, fallbackRefresh string) registry.Credentials {
	creds := registry.Credentials{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		TokenType:    out.TokenType,
		Scope:        out.Scope,
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = fallbackRefresh
	}
	if out.ExpiresIn > 0 {
		creds.ExpiresAt = registry.EpochSeconds(p.now().Add(time.Duration(out.ExpiresIn) * time.Second))
	}
	return creds
}

// RevokeCredentials revokes the grant. Either token works; the refresh
// token is preferred because revoking it kills the whole grant.
func (p *Provider) RevokeCredentials(ctx context.Context, creds registry.Credentials, _ registry.Config) error {
	token := creds.RefreshToken
	if token == "" {
		token = creds.AccessToken
	}
	if token == "" {
		return registry.NewValidationError("no token to revoke")
	}
	return p.client.DoJSON(ctx, httpx.Request{
		Method: "POST",
		URL:    p.tokenBaseURL + "/revoke",
		Form:   url.Values{"token": {token}},
	}, nil)
}

func (p *Provider) VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	return webhooks.VerifyHMACHex(payload, signature, secret)
}

// ParseWebhookEvent handles Drive push notifications. Drive sends the
// interesting parts as X-Goog-* headers and an often empty body, so the
// resource state header value arrives here as eventType.
func (p *Provider) ParseWebhookEvent(eventType string, payload []byte) (map[string]any, error) {
	if eventType == "" {
		eventType = "change"
	}
	out := map[string]any{"event_type": eventType}
	if len(payload) > 0 {
		var event map[string]any
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, registry.NewValidationError("undecodable drive event: %v", err)
		}
		out["event"] = event
		if id, ok := event["fileId"].(string); ok {
			out["file_id"] = id
		}
	}
	return out, nil
}

var _ registry.Provider = (*Provider)(nil)
