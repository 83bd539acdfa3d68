// Package webhooksink implements a pass-through provider for generic
// inbound pushes. A sink connection has no upstream API: events arrive
// signed with a shared secret, and the only outbound call is forwarding
// a payload to the configured sink URL.
package webhooksink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/junctionhq/junction/internal/providers/httpx"
	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/webhooks"
)

// Provider is the webhook sink implementation of registry.Provider.
type Provider struct {
	client *httpx.Client
}

// New builds the provider over the shared HTTP client.
func New(client *httpx.Client) *Provider {
	return &Provider{client: client}
}

func (p *Provider) Kind() string        { return registry.KindWebhookSink }
func (p *Provider) DisplayName() string { return "Webhook Sink" }
func (p *Provider) Category() string    { return registry.CategoryCustom }

func (p *Provider) Metadata() registry.Metadata {
	return registry.Metadata{
		Kind:        registry.KindWebhookSink,
		DisplayName: "Webhook Sink",
		Category:    registry.CategoryCustom,
		AuthModes:   []string{registry.ConnectionTypeCustom},
		Capabilities: []string{
			registry.CapabilityWrite,
			registry.CapabilityWebhooks,
		},
		CapabilityProbes: map[string]string{
			registry.CapabilityWrite: "forward",
		},
		SupportsRefresh:  false,
		SupportsWebhooks: true,
		SignatureHeader:  "X-Webhook-Signature",
	}
}

func (p *Provider) AvailableScopes() []string { return nil }

func (p *Provider) SupportedWebhookEvents() []string { return []string{"*"} }

func (p *Provider) DefaultConfig() registry.Config { return registry.Config{} }

func (p *Provider) ValidateConfig(cfg registry.Config) error {
	sink := cfg.SettingString("sink_url")
	if sink == "" {
		return nil
	}
	u, err := url.Parse(sink)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return registry.NewValidationError("sink_url must be an http(s) URL")
	}
	return nil
}

func (p *Provider) ValidateCredentials(creds registry.Credentials, connectionType string) error {
	if !p.Metadata().SupportsConnectionType(connectionType) {
		return registry.NewValidationError("webhook sink does not support %s connections", connectionType)
	}
	return registry.ValidateCredentialShape(creds, connectionType)
}

func (p *Provider) AuthorizationURL(registry.Config, string) (registry.AuthorizationRequest, error) {
	return registry.AuthorizationRequest{}, registry.NotSupportedf("webhook sink authorization flow")
}

func (p *Provider) ExchangeCode(context.Context, string, string, registry.Config) (registry.Credentials, error) {
	return registry.Credentials{}, registry.NotSupportedf("webhook sink code exchange")
}

func (p *Provider) RefreshTokens(context.Context, string, registry.Config) (registry.Credentials, error) {
	return registry.Credentials{}, registry.NotSupportedf("webhook sink token refresh")
}

// RevokeCredentials has nothing to revoke upstream; retiring the local
// connection is the whole teardown.
func (p *Provider) RevokeCredentials(context.Context, registry.Credentials, registry.Config) error {
	return nil
}

// TestConnection probes the configured sink URL. Some sinks reject
// HEAD, so a failed HEAD falls back to GET. Without a sink URL there is
// nothing to test and the connection passes vacuously.
func (p *Provider) TestConnection(ctx context.Context, _ registry.Credentials, cfg registry.Config) registry.TestResult {
	sink := cfg.SettingString("sink_url")
	if sink == "" {
		return registry.TestResult{
			Success:      true,
			Message:      "no sink url configured, nothing to test",
			Capabilities: p.Metadata().Capabilities,
		}
	}

	_, err := p.client.Do(ctx, httpx.Request{Method: "HEAD", URL: sink})
	if err != nil {
		if _, getErr := p.client.Do(ctx, httpx.Request{Method: "GET", URL: sink}); getErr != nil {
			return registry.FailedTest(getErr)
		}
	}
	return registry.TestResult{
		Success:      true,
		Message:      "sink url is reachable",
		Details:      map[string]any{"sink_url": sink},
		Capabilities: p.Metadata().Capabilities,
	}
}

// Sync has nothing to pull; sinks only receive.
func (p *Provider) Sync(_ context.Context, _ registry.Credentials, _ registry.Config, _ registry.SyncRequest) registry.SyncResult {
	var result registry.SyncResult
	return result.Finalize()
}

// ExecuteAction runs a named sink action.
//
// Supported: forward (payload), which posts the payload to the sink
// signed with the connection secret when one is present.
func (p *Provider) ExecuteAction(ctx context.Context, action string, creds registry.Credentials, cfg registry.Config, params map[string]any) (any, error) {
	switch action {
	case "forward":
		return p.forward(ctx, creds, cfg, params)
	default:
		return nil, registry.NotSupportedf("webhook sink action %q", action)
	}
}

func (p *Provider) forward(ctx context.Context, creds registry.Credentials, cfg registry.Config, params map[string]any) (map[string]any, error) {
	sink := cfg.SettingString("sink_url")
	if sink == "" {
		return nil, registry.NewValidationError("forward requires a sink_url setting")
	}
	payload, ok := params["payload"]
	if !ok {
		return nil, registry.NewValidationError("forward requires payload")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, registry.NewValidationError("unencodable payload: %v", err)
	}

	req := httpx.Request{
		Method: "POST",
		URL:    sink,
		Body:   json.RawMessage(body),
	}
	if secret := creds.Token; secret != "" {
		req.Header = http.Header{
			"X-Webhook-Signature": {webhooks.SignHMACHex(body, secret)},
		}
	}
	resp, err := p.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"forwarded":   true,
		"status_code": resp.StatusCode,
		"delivered_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (p *Provider) VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	return webhooks.VerifyHMACHex(payload, signature, secret)
}

// ParseWebhookEvent passes arbitrary JSON through, trusting an
// event_type field when the payload names one.
func (p *Provider) ParseWebhookEvent(eventType string, payload []byte) (map[string]any, error) {
	var event map[string]any
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, registry.NewValidationError("undecodable event payload: %v", err)
	}
	typ, _ := event["event_type"].(string)
	if typ == "" {
		typ = eventType
	}
	if typ == "" {
		typ = "event"
	}
	return map[string]any{"event_type": typ, "event": event}, nil
}

var _ registry.Provider = (*Provider)(nil)
