// Package stripe implements the Stripe provider. Stripe connections
// carry a secret API key instead of an OAuth grant, so the
// authorization legs answer not-supported and everything authenticates
// with the key as a bearer token.
package stripe

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/junctionhq/junction/internal/providers/httpx"
	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/webhooks"
)

const (
	defaultAPIBaseURL = "https://api.stripe.com"

	// signatureTolerance bounds how stale a signed webhook timestamp may
	// be before the event is rejected as a replay.
	signatureTolerance = 5 * time.Minute
)

// Provider is the Stripe implementation of registry.Provider.
type Provider struct {
	client     *httpx.Client
	apiBaseURL string
	now        func() time.Time
}

// New builds the provider over the shared HTTP client.
func New(client *httpx.Client) *Provider {
	return &Provider{
		client:     client,
		apiBaseURL: defaultAPIBaseURL,
		now:        time.Now,
	}
}

func (p *Provider) Kind() string        { return registry.KindStripe }
func (p *Provider) DisplayName() string { return "Stripe" }
func (p *Provider) Category() string    { return registry.CategoryPayments }

func (p *Provider) Metadata() registry.Metadata {
	return registry.Metadata{
		Kind:        registry.KindStripe,
		DisplayName: "Stripe",
		Category:    registry.CategoryPayments,
		AuthModes:   []string{registry.ConnectionTypeAPIKey},
		Capabilities: []string{
			registry.CapabilityRead,
			registry.CapabilityWrite,
			registry.CapabilityWebhooks,
		},
		CapabilityProbes: map[string]string{
			registry.CapabilityRead: "get_balance",
		},
		SupportsRefresh:  false,
		SupportsWebhooks: true,
		SignatureHeader:  "Stripe-Signature",
		DocsURL:          "https://docs.stripe.com/api",
	}
}

func (p *Provider) AvailableScopes() []string { return nil }

func (p *Provider) SupportedWebhookEvents() []string {
	return []string{
		"charge.succeeded",
		"charge.refunded",
		"customer.created",
		"customer.subscription.updated",
		"invoice.payment_failed",
	}
}

func (p *Provider) DefaultConfig() registry.Config { return registry.Config{} }

// ValidateConfig accepts any config: key-based providers need no OAuth
// client registration.
func (p *Provider) ValidateConfig(registry.Config) error { return nil }

func (p *Provider) ValidateCredentials(creds registry.Credentials, connectionType string) error {
	if !p.Metadata().SupportsConnectionType(connectionType) {
		return registry.NewValidationError("stripe does not support %s connections", connectionType)
	}
	if err := registry.ValidateCredentialShape(creds, connectionType); err != nil {
		return err
	}
	if !strings.HasPrefix(creds.APIKey, "sk_") && !strings.HasPrefix(creds.APIKey, "rk_") {
		return registry.NewValidationError("stripe api key must start with sk_ or rk_")
	}
	return nil
}

func (p *Provider) AuthorizationURL(registry.Config, string) (registry.AuthorizationRequest, error) {
	return registry.AuthorizationRequest{}, registry.NotSupportedf("stripe authorization flow")
}

func (p *Provider) ExchangeCode(context.Context, string, string, registry.Config) (registry.Credentials, error) {
	return registry.Credentials{}, registry.NotSupportedf("stripe code exchange")
}

func (p *Provider) RefreshTokens(context.Context, string, registry.Config) (registry.Credentials, error) {
	return registry.Credentials{}, registry.NotSupportedf("stripe token refresh")
}

// RevokeCredentials is not exposed over the API; keys are rolled from
// the Stripe dashboard.
func (p *Provider) RevokeCredentials(context.Context, registry.Credentials, registry.Config) error {
	return registry.NotSupportedf("stripe key revocation")
}

// VerifyWebhookSignature checks Stripe's t=/v1= signature header,
// rejecting timestamps outside the replay tolerance.
func (p *Provider) VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	return webhooks.VerifyStripeSignature(signature, payload, secret, p.now(), signatureTolerance)
}

// ParseWebhookEvent unwraps Stripe's event envelope and surfaces
// data.object, the resource the event is about.
func (p *Provider) ParseWebhookEvent(eventType string, payload []byte) (map[string]any, error) {
	var event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object map[string]any `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, registry.NewValidationError("undecodable stripe event: %v", err)
	}
	typ := event.Type
	if typ == "" {
		typ = eventType
	}
	if typ == "" {
		return nil, registry.NewValidationError("stripe event without type")
	}
	out := map[string]any{"event_type": typ}
	if event.ID != "" {
		out["event_id"] = event.ID
	}
	if event.Data.Object != nil {
		out["object"] = event.Data.Object
	}
	return out, nil
}

var _ registry.Provider = (*Provider)(nil)
