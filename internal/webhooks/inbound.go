package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/store"
)

// Inbound processing errors, mapped to HTTP statuses by the API layer.
var (
	ErrUnknownProvider     = errors.New("unknown webhook provider")
	ErrProviderMismatch    = errors.New("integration does not belong to this provider")
	ErrIntegrationInactive = errors.New("integration is not active")
	ErrNoSigningSecret     = errors.New("integration has no webhook signing secret")
	ErrSignatureInvalid    = errors.New("webhook signature verification failed")
)

// WebhookSecretSetting is the config settings key holding the inbound
// signing secret for an integration.
const WebhookSecretSetting = "webhook_secret"

type verifierStore interface {
	GetIntegration(ctx context.Context, id uuid.UUID) (store.Integration, error)
	AppendIntegrationLog(ctx context.Context, p store.AppendIntegrationLogParams) (store.IntegrationLog, error)
}

// Verifier authenticates and parses inbound provider webhooks. The
// signing secret lives in the integration's provider config settings;
// registered webhooks are outbound targets and play no part here.
type Verifier struct {
	registry *registry.Registry
	store    verifierStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewVerifier wires a verifier.
func NewVerifier(reg *registry.Registry, st verifierStore, logger *slog.Logger) *Verifier {
	return &Verifier{registry: reg, store: st, logger: logger, now: time.Now}
}

// InboundResult is a verified, parsed inbound event.
type InboundResult struct {
	IntegrationID uuid.UUID      `json:"integration_id"`
	EventType     string         `json:"event_type"`
	Event         map[string]any `json:"event"`
}

// ProcessInbound verifies an inbound webhook against the integration's
// signing secret and parses the event. Every outcome, verified or
// rejected, lands in the integration's audit log; the caller maps the
// returned error to a detail-free 401.
func (v *Verifier) ProcessInbound(ctx context.Context, providerKind string, integrationID uuid.UUID, header http.Header, payload []byte) (*InboundResult, error) {
	start := v.now()

	provider, ok := v.registry.Get(providerKind)
	if !ok {
		return nil, ErrUnknownProvider
	}
	integration, err := v.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if integration.Provider != providerKind {
		return nil, ErrProviderMismatch
	}
	if integration.Status != store.IntegrationStatusActive {
		return nil, ErrIntegrationInactive
	}

	audit := func(status string, response []byte, errDetail string) {
		elapsed := v.now().Sub(start).Milliseconds()
		_, logErr := v.store.AppendIntegrationLog(ctx, store.AppendIntegrationLogParams{
			IntegrationID: integrationID,
			Action:        "webhook_received",
			Status:        status,
			ResponseData:  response,
			ErrorDetail:   errDetail,
			DurationMS:    &elapsed,
		})
		if logErr != nil {
			v.logger.Warn("could not log inbound webhook", "integration_id", integrationID, "error", logErr)
		}
	}

	secret, err := signingSecret(integration)
	if err != nil {
		audit(store.LogStatusError, nil, err.Error())
		return nil, err
	}

	signature := extractSignature(provider.Metadata(), header)
	if !provider.VerifyWebhookSignature(payload, signature, secret) {
		audit(store.LogStatusError, nil, ErrSignatureInvalid.Error())
		return nil, ErrSignatureInvalid
	}

	event, err := provider.ParseWebhookEvent("", payload)
	if err != nil {
		audit(store.LogStatusError, nil, err.Error())
		return nil, fmt.Errorf("parse webhook event: %w", err)
	}
	eventType, _ := event["event_type"].(string)

	response, _ := json.Marshal(map[string]any{"event_type": eventType})
	audit(store.LogStatusSuccess, response, "")

	return &InboundResult{IntegrationID: integrationID, EventType: eventType, Event: event}, nil
}

// signingSecret pulls the webhook secret out of the integration's
// provider config. Integrations without one fail closed.
func signingSecret(integration store.Integration) (string, error) {
	cfg, err := registry.DecodeConfig(integration.Config)
	if err != nil {
		return "", fmt.Errorf("decode integration config: %w", err)
	}
	secret, _ := cfg.Settings[WebhookSecretSetting].(string)
	if secret == "" {
		return "", ErrNoSigningSecret
	}
	return secret, nil
}

// extractSignature pulls the provider's signature material out of the
// request headers. Schemes that sign a separate timestamp get it joined
// in front with a comma.
func extractSignature(md registry.Metadata, header http.Header) string {
	sig := header.Get(md.SignatureHeader)
	if md.TimestampHeader == "" {
		return sig
	}
	return header.Get(md.TimestampHeader) + "," + sig
}
