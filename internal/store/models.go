package store

import (
	"time"

	"github.com/google/uuid"
)

// Integration statuses.
const (
	IntegrationStatusPending   = "pending"
	IntegrationStatusActive    = "active"
	IntegrationStatusError     = "error"
	IntegrationStatusSuspended = "suspended"
	IntegrationStatusExpired   = "expired"
)

// Connection statuses.
const (
	ConnectionStatusConnected    = "connected"
	ConnectionStatusDisconnected = "disconnected"
	ConnectionStatusExpired      = "expired"
	ConnectionStatusError        = "error"
	ConnectionStatusRefreshing   = "refreshing"
)

// Pending authorization statuses.
const (
	AuthorizationStatusPending   = "pending"
	AuthorizationStatusCompleted = "completed"
	AuthorizationStatusFailed    = "failed"
	AuthorizationStatusExpired   = "expired"
)

// Integration log statuses.
const (
	LogStatusSuccess     = "success"
	LogStatusError       = "error"
	LogStatusTimeout     = "timeout"
	LogStatusRateLimited = "rate_limited"
	LogStatusPending     = "pending"
	LogStatusCancelled   = "cancelled"
)

// Webhook delivery statuses.
const (
	DeliveryStatusSuccess = "success"
	DeliveryStatusFailed  = "failed"
)

// Integration is one configured provider link for an organization.
// Config holds the provider configuration as JSON; secrets inside it are
// masked before it leaves the API layer.
type Integration struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	OrganizationID uuid.UUID  `db:"organization_id" json:"organization_id"`
	Provider       string     `db:"provider_kind" json:"provider"`
	Category       string     `db:"category" json:"category"`
	Name           string     `db:"name" json:"name"`
	Status         string     `db:"status" json:"status"`
	Config         []byte     `db:"config" json:"-"`
	LastSyncAt     *time.Time `db:"last_sync_at" json:"last_sync_at,omitempty"`
	LastError      string     `db:"last_error" json:"last_error,omitempty"`
	CreatedBy      *uuid.UUID `db:"created_by" json:"created_by,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Connection is one set of credentials under an integration. Credentials
// holds the vault ciphertext and never serializes; CredentialMeta is the
// plaintext envelope (key version, encryption timestamps) so rotation
// scans plan without decrypting. Provider is joined in from the owning
// integration on reads.
type Connection struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	IntegrationID   uuid.UUID  `db:"integration_id" json:"integration_id"`
	Provider        string     `db:"provider_kind" json:"provider"`
	Name            string     `db:"name" json:"name"`
	ConnectionType  string     `db:"connection_type" json:"connection_type"`
	Status          string     `db:"status" json:"status"`
	Credentials     string     `db:"encrypted_credentials" json:"-"`
	CredentialMeta  []byte     `db:"credential_metadata" json:"-"`
	TokenExpiresAt  *time.Time `db:"token_expires_at" json:"token_expires_at,omitempty"`
	Scopes          []string   `db:"scopes" json:"scopes,omitempty"`
	RetryCount      int        `db:"retry_count" json:"retry_count"`
	LastConnectedAt *time.Time `db:"last_connected_at" json:"last_connected_at,omitempty"`
	LastError       string     `db:"last_error" json:"last_error,omitempty"`
	RateLimit       []byte     `db:"rate_limit" json:"-"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// HasCredentials reports whether an encrypted payload is stored.
func (c Connection) HasCredentials() bool {
	return c.Credentials != ""
}

// TokenExpired reports whether the stored token's expiry has passed.
// Connections without a recorded expiry never read as expired.
func (c Connection) TokenExpired(now time.Time) bool {
	return c.TokenExpiresAt != nil && !c.TokenExpiresAt.After(now)
}

// PendingAuthorization is an OAuth flow awaiting its callback. StateHash
// is the SHA-256 of the issued state; the state itself is never stored.
// The flow's redirect URI and scopes live in the integration config, so
// the row only has to win the conditional consume.
type PendingAuthorization struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	IntegrationID uuid.UUID  `db:"integration_id" json:"integration_id"`
	StateHash     string     `db:"state_hash" json:"-"`
	Status        string     `db:"status" json:"status"`
	RequestedBy   *uuid.UUID `db:"requested_by" json:"requested_by,omitempty"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// IntegrationLog is one audit record: syncs, tests, refreshes,
// rotations, OAuth legs, webhook handling. Append-only; the single
// permitted update moves a pending row to a terminal status.
type IntegrationLog struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	IntegrationID uuid.UUID  `db:"integration_id" json:"integration_id"`
	ConnectionID  *uuid.UUID `db:"connection_id" json:"connection_id,omitempty"`
	WebhookID     *uuid.UUID `db:"webhook_id" json:"webhook_id,omitempty"`
	Action        string     `db:"action" json:"action"`
	Status        string     `db:"status" json:"status"`
	RequestData   []byte     `db:"request_data" json:"request_data,omitempty"`
	ResponseData  []byte     `db:"response_data" json:"response_data,omitempty"`
	ErrorDetail   string     `db:"error_detail" json:"error_detail,omitempty"`
	ActorID       *uuid.UUID `db:"actor_id" json:"actor_id,omitempty"`
	DurationMS    *int64     `db:"duration_ms" json:"duration_ms,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Webhook is a registered outbound notification target. Secret holds the
// signing secret as vault ciphertext. A nil IntegrationID subscribes to
// every integration in the organization.
type Webhook struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	OrganizationID  uuid.UUID  `db:"organization_id" json:"organization_id"`
	IntegrationID   *uuid.UUID `db:"integration_id" json:"integration_id,omitempty"`
	Name            string     `db:"name" json:"name"`
	Events          []string   `db:"events" json:"events"`
	TargetURL       string     `db:"target_url" json:"target_url"`
	Method          string     `db:"method" json:"method"`
	Headers         []byte     `db:"headers" json:"-"`
	Secret          string     `db:"secret" json:"-"`
	MaxRetries      int        `db:"max_retries" json:"max_retries"`
	TimeoutSeconds  int        `db:"timeout_seconds" json:"timeout_seconds"`
	Enabled         bool       `db:"enabled" json:"enabled"`
	SuccessCount    int64      `db:"success_count" json:"success_count"`
	FailureCount    int64      `db:"failure_count" json:"failure_count"`
	LastTriggeredAt *time.Time `db:"last_triggered_at" json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Matches reports whether the webhook subscribes to eventType. An empty
// event list subscribes to everything.
func (w Webhook) Matches(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, et := range w.Events {
		if et == eventType || et == "*" {
			return true
		}
	}
	return false
}

// WebhookDelivery is one outbound delivery outcome.
type WebhookDelivery struct {
	ID             uuid.UUID `db:"id" json:"id"`
	WebhookID      uuid.UUID `db:"webhook_id" json:"webhook_id"`
	Event          string    `db:"event" json:"event"`
	Status         string    `db:"status" json:"status"`
	ResponseStatus *int      `db:"response_status" json:"response_status,omitempty"`
	Error          string    `db:"error" json:"error,omitempty"`
	DurationMS     int64     `db:"duration_ms" json:"duration_ms"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
