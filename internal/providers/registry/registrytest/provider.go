// Package registrytest provides a configurable fake provider for tests.
package registrytest

import (
	"context"

	"github.com/junctionhq/junction/internal/providers/registry"
)

// Provider is a registry.Provider whose behaviour is overridden per test
// via function fields. Unset functions fall back to inert defaults, so a
// test only wires the calls it cares about.
type Provider struct {
	ProviderKind     string
	ProviderName     string
	ProviderCategory string
	ProviderMeta     registry.Metadata

	Scopes        []string
	WebhookEvents []string
	BaseConfig    registry.Config

	ValidateConfigFunc      func(cfg registry.Config) error
	ValidateCredentialsFunc func(creds registry.Credentials, connectionType string) error
	TestConnectionFunc      func(ctx context.Context, creds registry.Credentials, cfg registry.Config) registry.TestResult
	AuthorizationURLFunc    func(cfg registry.Config, state string) (registry.AuthorizationRequest, error)
	ExchangeCodeFunc        func(ctx context.Context, code, state string, cfg registry.Config) (registry.Credentials, error)
	RefreshTokensFunc       func(ctx context.Context, refreshToken string, cfg registry.Config) (registry.Credentials, error)
	RevokeCredentialsFunc   func(ctx context.Context, creds registry.Credentials, cfg registry.Config) error
	SyncFunc                func(ctx context.Context, creds registry.Credentials, cfg registry.Config, req registry.SyncRequest) registry.SyncResult
	ExecuteActionFunc       func(ctx context.Context, action string, creds registry.Credentials, cfg registry.Config, params map[string]any) (any, error)
	VerifySignatureFunc     func(payload []byte, signature, secret string) bool
	ParseWebhookEventFunc   func(eventType string, payload []byte) (map[string]any, error)
}

var _ registry.Provider = (*Provider)(nil)

// New returns a fake registered under kind with permissive defaults.
func New(kind string) *Provider {
	return &Provider{
		ProviderKind:     kind,
		ProviderName:     kind,
		ProviderCategory: registry.CategoryCustom,
		ProviderMeta: registry.Metadata{
			Kind:        kind,
			DisplayName: kind,
			Category:    registry.CategoryCustom,
			AuthModes:   []string{registry.ConnectionTypeAPIKey, registry.ConnectionTypeOAuth},
		},
	}
}

func (p *Provider) Kind() string        { return p.ProviderKind }
func (p *Provider) DisplayName() string { return p.ProviderName }
func (p *Provider) Category() string    { return p.ProviderCategory }

func (p *Provider) Metadata() registry.Metadata {
	return p.ProviderMeta
}

func (p *Provider) AvailableScopes() []string        { return p.Scopes }
func (p *Provider) SupportedWebhookEvents() []string { return p.WebhookEvents }
func (p *Provider) DefaultConfig() registry.Config   { return p.BaseConfig }

func (p *Provider) ValidateConfig(cfg registry.Config) error {
	if p.ValidateConfigFunc != nil {
		return p.ValidateConfigFunc(cfg)
	}
	return nil
}

func (p *Provider) ValidateCredentials(creds registry.Credentials, connectionType string) error {
	if p.ValidateCredentialsFunc != nil {
		return p.ValidateCredentialsFunc(creds, connectionType)
	}
	return registry.ValidateCredentialShape(creds, connectionType)
}

func (p *Provider) TestConnection(ctx context.Context, creds registry.Credentials, cfg registry.Config) registry.TestResult {
	if p.TestConnectionFunc != nil {
		return p.TestConnectionFunc(ctx, creds, cfg)
	}
	return registry.TestResult{Success: true, Message: "ok"}
}

func (p *Provider) AuthorizationURL(cfg registry.Config, state string) (registry.AuthorizationRequest, error) {
	if p.AuthorizationURLFunc != nil {
		return p.AuthorizationURLFunc(cfg, state)
	}
	return registry.AuthorizationRequest{URL: "https://auth.example.com/authorize?state=" + state, State: state}, nil
}

func (p *Provider) ExchangeCode(ctx context.Context, code, state string, cfg registry.Config) (registry.Credentials, error) {
	if p.ExchangeCodeFunc != nil {
		return p.ExchangeCodeFunc(ctx, code, state, cfg)
	}
	return registry.Credentials{AccessToken: "token-for-" + code}, nil
}

func (p *Provider) RefreshTokens(ctx context.Context, refreshToken string, cfg registry.Config) (registry.Credentials, error) {
	if p.RefreshTokensFunc != nil {
		return p.RefreshTokensFunc(ctx, refreshToken, cfg)
	}
	return registry.Credentials{}, registry.ErrNotSupported
}

func (p *Provider) RevokeCredentials(ctx context.Context, creds registry.Credentials, cfg registry.Config) error {
	if p.RevokeCredentialsFunc != nil {
		return p.RevokeCredentialsFunc(ctx, creds, cfg)
	}
	return nil
}

func (p *Provider) Sync(ctx context.Context, creds registry.Credentials, cfg registry.Config, req registry.SyncRequest) registry.SyncResult {
	if p.SyncFunc != nil {
		return p.SyncFunc(ctx, creds, cfg, req)
	}
	return registry.SyncResult{Success: true}
}

func (p *Provider) ExecuteAction(ctx context.Context, action string, creds registry.Credentials, cfg registry.Config, params map[string]any) (any, error) {
	if p.ExecuteActionFunc != nil {
		return p.ExecuteActionFunc(ctx, action, creds, cfg, params)
	}
	return nil, registry.NotSupportedf("action %q", action)
}

func (p *Provider) VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	if p.VerifySignatureFunc != nil {
		return p.VerifySignatureFunc(payload, signature, secret)
	}
	return false
}

func (p *Provider) ParseWebhookEvent(eventType string, payload []byte) (map[string]any, error) {
	if p.ParseWebhookEventFunc != nil {
		return p.ParseWebhookEventFunc(eventType, payload)
	}
	return nil, registry.NewValidationError("unknown webhook event %q", eventType)
}
