// Package registry defines the provider contract and the registry that
// serves the implementations to the rest of the application. Every SaaS
// provider (Slack, Salesforce, ...) implements the Provider interface and
// registers itself under a stable kind string.
package registry

import "context"

// Provider kind identifiers. These are stable strings used in API routes,
// database rows and configuration, so they must never change once shipped.
const (
	KindSlack       = "slack"
	KindSalesforce  = "salesforce"
	KindJira        = "jira"
	KindGoogleDrive = "google_drive"
	KindStripe      = "stripe"
	KindWebhookSink = "webhook_sink"
)

// Provider categories, used for grouping in listings.
const (
	CategoryChat          = "chat"
	CategoryCRM           = "crm"
	CategoryIssueTracking = "issue_tracking"
	CategoryStorage       = "storage"
	CategoryPayments      = "payments"
	CategoryCustom        = "custom"
)

// Connection types describe how a connection authenticates against the
// provider. A provider advertises the types it accepts via Metadata.
const (
	ConnectionTypeOAuth  = "oauth"
	ConnectionTypeAPIKey = "api_key"
	ConnectionTypeBasic  = "basic_auth"
	ConnectionTypeBearer = "bearer_token"
	ConnectionTypeCustom = "custom"
)

// Capability names reported by providers and probed by health checks.
const (
	CapabilityRead     = "read"
	CapabilityWrite    = "write"
	CapabilityWebhooks = "webhooks"
)

// Provider is the complete behaviour contract for a SaaS provider.
//
// Implementations must be safe for concurrent use; a single instance is
// registered at process start and shared by every request and sync worker.
// All methods that reach the provider's API accept a context and honour its
// cancellation.
type Provider interface {
	// Kind returns the stable identifier, e.g. "slack".
	Kind() string
	// DisplayName returns the human readable name, e.g. "Slack".
	DisplayName() string
	// Category returns one of the Category* constants.
	Category() string

	// Metadata describes the provider's auth modes, capabilities and
	// webhook support for listings and health probes.
	Metadata() Metadata
	// AvailableScopes lists the OAuth scopes the provider can request.
	// Non-OAuth providers return nil.
	AvailableScopes() []string
	// SupportedWebhookEvents lists the inbound event types the provider
	// can parse. Providers without webhook support return nil.
	SupportedWebhookEvents() []string
	// DefaultConfig returns the baseline integration configuration that
	// operator-supplied configuration is merged over.
	DefaultConfig() Config

	// ValidateConfig reports whether cfg is complete enough to operate an
	// integration of this kind. Failures are *ValidationError values.
	ValidateConfig(cfg Config) error
	// ValidateCredentials reports whether creds carry the fields that
	// connectionType requires, without calling the provider.
	ValidateCredentials(creds Credentials, connectionType string) error

	// TestConnection performs a cheap authenticated call and reports the
	// outcome. It never panics; failures are captured in the result.
	TestConnection(ctx context.Context, creds Credentials, cfg Config) TestResult

	// AuthorizationURL builds the provider consent URL carrying state.
	// Providers without an OAuth flow return ErrNotSupported.
	AuthorizationURL(cfg Config, state string) (AuthorizationRequest, error)
	// ExchangeCode swaps an authorization code for credentials. The state
	// echoed by the provider is passed through for flows that bind the
	// exchange to it; state verification itself happens upstream.
	ExchangeCode(ctx context.Context, code, state string, cfg Config) (Credentials, error)
	// RefreshTokens obtains fresh credentials from a refresh token.
	// Providers without refresh support return ErrNotSupported.
	RefreshTokens(ctx context.Context, refreshToken string, cfg Config) (Credentials, error)
	// RevokeCredentials invalidates creds provider-side where the API
	// offers that; providers without a revocation endpoint return
	// ErrNotSupported.
	RevokeCredentials(ctx context.Context, creds Credentials, cfg Config) error

	// Sync pulls the resources named by req and reports per-resource
	// counts. Individual resource failures are recorded in the result
	// rather than aborting the run.
	Sync(ctx context.Context, creds Credentials, cfg Config, req SyncRequest) SyncResult

	// ExecuteAction runs a named provider action, e.g. "send_message",
	// returning the action's JSON-encodable result. Unknown actions
	// return an error wrapping ErrNotSupported.
	ExecuteAction(ctx context.Context, action string, creds Credentials, cfg Config, params map[string]any) (any, error)

	// VerifyWebhookSignature checks an inbound payload against the
	// provider's signature scheme using constant-time comparison.
	VerifyWebhookSignature(payload []byte, signature, secret string) bool
	// ParseWebhookEvent extracts a normalized event from an inbound
	// payload. Unknown event types return *ValidationError.
	ParseWebhookEvent(eventType string, payload []byte) (map[string]any, error)
}

// Metadata is the static description of a provider used by listings,
// credential validation and capability probes.
type Metadata struct {
	Kind        string   `json:"kind"`
	DisplayName string   `json:"display_name"`
	Category    string   `json:"category"`
	AuthModes   []string `json:"auth_modes"`
	// Capabilities the provider can expose on a healthy connection.
	Capabilities []string `json:"capabilities"`
	// CapabilityProbes maps a capability to the cheap action used to
	// verify it, e.g. "write" -> "send_message". Capabilities without a
	// probe are assumed present when the connection tests healthy.
	CapabilityProbes map[string]string `json:"-"`
	SupportsRefresh  bool              `json:"supports_refresh"`
	SupportsWebhooks bool              `json:"supports_webhooks"`
	// SignatureHeader names the inbound header carrying the webhook
	// signature; TimestampHeader the one carrying the request timestamp
	// for schemes that sign it separately. The webhook handler joins
	// timestamp and signature with a comma before calling
	// VerifyWebhookSignature.
	SignatureHeader string `json:"-"`
	TimestampHeader string `json:"-"`
	DocsURL         string `json:"docs_url,omitempty"`
}

// SupportsConnectionType reports whether the provider accepts connections
// of the given type.
func (m Metadata) SupportsConnectionType(connectionType string) bool {
	for _, mode := range m.AuthModes {
		if mode == connectionType {
			return true
		}
	}
	return false
}

// AuthorizationRequest is the outcome of AuthorizationURL: the consent URL
// to redirect the operator to, carrying the anti-forgery state.
type AuthorizationRequest struct {
	URL   string `json:"url"`
	State string `json:"state"`
}
