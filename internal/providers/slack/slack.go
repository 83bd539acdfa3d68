// Package slack implements the Slack provider: OAuth v2 with token
// rotation, workspace syncs, messaging actions and Events API webhooks.
package slack

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/junctionhq/junction/internal/providers/httpx"
	"github.com/junctionhq/junction/internal/providers/registry"
)

const (
	defaultAPIBaseURL   = "https://slack.com/api"
	defaultAuthorizeURL = "https://slack.com/oauth/v2/authorize"
)

// Provider is the Slack implementation of registry.Provider.
type Provider struct {
	client       *httpx.Client
	apiBaseURL   string
	authorizeURL string
	now          func() time.Time
}

// New builds the provider over the shared HTTP client.
func New(client *httpx.Client) *Provider {
	return &Provider{
		client:       client,
		apiBaseURL:   defaultAPIBaseURL,
		authorizeURL: defaultAuthorizeURL,
		now:          time.Now,
	}
}

func (p *Provider) Kind() string        { return registry.KindSlack }
func (p *Provider) DisplayName() string { return "Slack" }
func (p *Provider) Category() string    { return registry.CategoryChat }

func (p *Provider) Metadata() registry.Metadata {
	return registry.Metadata{
		Kind:        registry.KindSlack,
		DisplayName: "Slack",
		Category:    registry.CategoryChat,
		AuthModes:   []string{registry.ConnectionTypeOAuth, registry.ConnectionTypeBearer},
		Capabilities: []string{
			registry.CapabilityRead,
			registry.CapabilityWrite,
			registry.CapabilityWebhooks,
		},
		CapabilityProbes: map[string]string{
			registry.CapabilityRead: "auth_probe",
		},
		SupportsRefresh:  true,
		SupportsWebhooks: true,
		SignatureHeader:  "X-Slack-Signature",
		TimestampHeader:  "X-Slack-Request-Timestamp",
		DocsURL:          "https://api.slack.com/docs",
	}
}

func (p *Provider) AvailableScopes() []string {
	return []string{
		"users:read",
		"channels:read",
		"channels:history",
		"chat:write",
		"team:read",
	}
}

func (p *Provider) SupportedWebhookEvents() []string {
	return []string{"message", "member_joined_channel", "channel_created", "channel_archive", "app_mention"}
}

func (p *Provider) DefaultConfig() registry.Config {
	return registry.Config{
		Scopes: []string{"users:read", "channels:read", "chat:write", "team:read"},
	}
}

func (p *Provider) ValidateConfig(cfg registry.Config) error {
	cfg = cfg.Normalized()
	if cfg.ClientID == "" {
		return registry.NewValidationError("slack config requires client_id")
	}
	if cfg.ClientSecret == "" {
		return registry.NewValidationError("slack config requires client_secret")
	}
	if cfg.RedirectURI == "" {
		return registry.NewValidationError("slack config requires redirect_uri")
	}
	return nil
}

func (p *Provider) ValidateCredentials(creds registry.Credentials, connectionType string) error {
	if !p.Metadata().SupportsConnectionType(connectionType) {
		return registry.NewValidationError("slack does not support %s connections", connectionType)
	}
	if err := registry.ValidateCredentialShape(creds, connectionType); err != nil {
		return err
	}
	token := creds.AccessToken
	if token == "" {
		token = creds.Token
	}
	if !strings.HasPrefix(token, "xoxb-") && !strings.HasPrefix(token, "xoxp-") && !strings.HasPrefix(token, "xoxe.") {
		return registry.NewValidationError("slack tokens start with xoxb-, xoxp- or xoxe.")
	}
	return nil
}

// AuthorizationURL builds the OAuth v2 consent URL. Slack distinguishes
// bot and user scopes; configured scopes are requested as bot scopes.
func (p *Provider) AuthorizationURL(cfg registry.Config, state string) (registry.AuthorizationRequest, error) {
	if err := p.ValidateConfig(cfg); err != nil {
		return registry.AuthorizationRequest{}, err
	}
	cfg = cfg.Normalized()
	q := url.Values{
		"client_id":    {cfg.ClientID},
		"scope":        {strings.Join(cfg.Scopes, ",")},
		"redirect_uri": {cfg.RedirectURI},
		"state":        {state},
	}
	return registry.AuthorizationRequest{
		URL:   p.authorizeURL + "?" + q.Encode(),
		State: state,
	}, nil
}

type oauthAccessResponse struct {
	apiResponse
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	BotUserID    string `json:"bot_user_id"`
	Team         struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
	AuthedUser struct {
		ID          string `json:"id"`
		Scope       string `json:"scope"`
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	} `json:"authed_user"`
}

// ExchangeCode swaps the authorization code via oauth.v2.access. Slack
// echoes state in the redirect only; the token exchange does not take it.
func (p *Provider) ExchangeCode(ctx context.Context, code, _ string, cfg registry.Config) (registry.Credentials, error) {
	cfg = cfg.Normalized()
	var out oauthAccessResponse
	err := p.client.DoJSON(ctx, httpx.Request{
		Method: "POST",
		URL:    p.apiBaseURL + "/oauth.v2.access",
		Form: url.Values{
			"code":          {code},
			"client_id":     {cfg.ClientID},
			"client_secret": {cfg.ClientSecret},
			"redirect_uri":  {cfg.RedirectURI},
		},
	}, &out)
	if err != nil {
		return registry.Credentials{}, err
	}
	if err := out.apiErr("oauth.v2.access"); err != nil {
		return registry.Credentials{}, err
	}
	return p.credentialsFromToken(out), nil
}

// RefreshTokens exchanges a rotating refresh token for a fresh pair.
func (p *Provider) RefreshTokens(ctx context.Context, refreshToken string, cfg registry.Config) (registry.Credentials, error) {
	cfg = cfg.Normalized()
	var out oauthAccessResponse
	err := p.client.DoJSON(ctx, httpx.Request{
		Method: "POST",
		URL:    p.apiBaseURL + "/oauth.v2.access",
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
	if err := out.apiErr("oauth.v2.access"); err != nil {
		return registry.Credentials{}, err
	}
	return p.credentialsFromToken(out), nil
}

// credentialsFromToken normalizes the oauth.v2.access shape. Workspace
// installs answer with a bot token at the top level; user-scoped installs
// carry the token under authed_user instead.
func (p *Provider) credentialsFromToken(out oauthAccessResponse) registry.Credentials {
	creds := registry.Credentials{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		TokenType:    out.TokenType,
		Scope:        out.Scope,
	}
	if creds.AccessToken == "" && out.AuthedUser.AccessToken != "" {
		creds.AccessToken = out.AuthedUser.AccessToken
		creds.TokenType = out.AuthedUser.TokenType
		creds.Scope = out.AuthedUser.Scope
	}
	if out.ExpiresIn > 0 {
		creds.ExpiresAt = registry.EpochSeconds(p.now().Add(time.Duration(out.ExpiresIn) * time.Second))
	}
	extras := map[string]string{}
	if out.Team.ID != "" {
		extras["team_id"] = out.Team.ID
	}
	if out.Team.Name != "" {
		extras["team_name"] = out.Team.Name
	}
	if out.BotUserID != "" {
		extras["bot_user_id"] = out.BotUserID
	}
	if out.AuthedUser.ID != "" {
		extras["authed_user_id"] = out.AuthedUser.ID
	}
	if len(extras) > 0 {
		creds.Extras = extras
	}
	return creds
}

// RevokeCredentials calls auth.revoke for the stored token.
func (p *Provider) RevokeCredentials(ctx context.Context, creds registry.Credentials, _ registry.Config) error {
	var out apiResponse
	err := p.client.DoJSON(ctx, httpx.Request{
		Method:      "POST",
		URL:         p.apiBaseURL + "/auth.revoke",
		Credentials: creds,
	}, &out)
	if err != nil {
		return err
	}
	return out.apiErr("auth.revoke")
}

func (p *Provider) VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	timestamp, sig, found := strings.Cut(signature, ",")
	if !found {
		return false
	}
	return verifySlack(timestamp, payload, sig, secret, p.now())
}

// ParseWebhookEvent unwraps the Events API envelope. URL verification
// challenges parse to a url_verification event carrying the challenge to
// echo back.
func (p *Provider) ParseWebhookEvent(eventType string, payload []byte) (map[string]any, error) {
	envelope, err := decodeEvent(payload)
	if err != nil {
		return nil, registry.NewValidationError("undecodable slack event: %v", err)
	}

	switch envelope.Type {
	case "url_verification":
		return map[string]any{
			"event_type": "url_verification",
			"challenge":  envelope.Challenge,
		}, nil
	case "event_callback":
		inner := envelope.Event
		if inner == nil {
			return nil, registry.NewValidationError("event_callback without inner event")
		}
		innerType, _ := inner["type"].(string)
		if eventType != "" && innerType != eventType {
			return nil, registry.NewValidationError("expected %s event, got %s", eventType, innerType)
		}
		return map[string]any{
			"event_type": innerType,
			"team_id":    envelope.TeamID,
			"event_id":   envelope.EventID,
			"event":      inner,
		}, nil
	default:
		return nil, registry.NewValidationError("unknown slack envelope type %q", envelope.Type)
	}
}

var _ registry.Provider = (*Provider)(nil)
