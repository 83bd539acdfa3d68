package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const webhookColumns = `id, organization_id, integration_id, name, events, target_url, method,
	headers, secret, max_retries, timeout_seconds, enabled, success_count, failure_count,
	last_triggered_at, created_at, updated_at`

// CreateWebhookParams registers an outbound notification target. Secret
// is the signing secret as vault ciphertext. A nil IntegrationID
// subscribes the target to every integration in the organization.
type CreateWebhookParams struct {
	OrganizationID uuid.UUID
	IntegrationID  *uuid.UUID
	Name           string
	Events         []string
	TargetURL      string
	Method         string
	Headers        []byte
	Secret         string
	MaxRetries     int
	TimeoutSeconds int
}

func (s *Store) CreateWebhook(ctx context.Context, p CreateWebhookParams) (Webhook, error) {
	if p.Method == "" {
		p.Method = "POST"
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = 30
	}
	q := `
		INSERT INTO webhooks (organization_id, integration_id, name, events, target_url, method,
			headers, secret, max_retries, timeout_seconds, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, true)
		RETURNING ` + webhookColumns
	out, err := one[Webhook](ctx, s, q,
		p.OrganizationID, p.IntegrationID, p.Name, p.Events, p.TargetURL, p.Method,
		p.Headers, p.Secret, p.MaxRetries, p.TimeoutSeconds)
	if err != nil {
		return Webhook{}, fmt.Errorf("create webhook: %w", err)
	}
	return out, nil
}

func (s *Store) GetWebhook(ctx context.Context, id uuid.UUID) (Webhook, error) {
	q := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1`
	return one[Webhook](ctx, s, q, id)
}

func (s *Store) ListWebhooksByOrganization(ctx context.Context, orgID uuid.UUID) ([]Webhook, error) {
	q := `SELECT ` + webhookColumns + ` FROM webhooks WHERE organization_id = $1 ORDER BY created_at`
	return many[Webhook](ctx, s, q, orgID)
}

// ListDispatchWebhooks returns the enabled targets an event from the
// given integration fans out to: targets bound to that integration plus
// the organization-wide ones.
func (s *Store) ListDispatchWebhooks(ctx context.Context, orgID, integrationID uuid.UUID) ([]Webhook, error) {
	q := `
		SELECT ` + webhookColumns + `
		FROM webhooks
		WHERE organization_id = $1
		  AND enabled
		  AND (integration_id IS NULL OR integration_id = $2)
		ORDER BY created_at`
	return many[Webhook](ctx, s, q, orgID, integrationID)
}

func (s *Store) SetWebhookEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE webhooks SET enabled = $2, updated_at = now() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set webhook enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteWebhook(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordWebhookResult bumps the delivery counters after a dispatch
// settles and stamps when the target was last triggered.
func (s *Store) RecordWebhookResult(ctx context.Context, id uuid.UUID, success bool, at time.Time) error {
	const q = `
		UPDATE webhooks
		SET success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
		    failure_count = failure_count + CASE WHEN $2 THEN 0 ELSE 1 END,
		    last_triggered_at = $3,
		    updated_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, success, at)
	if err != nil {
		return fmt.Errorf("record webhook result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertWebhookDeliveryParams records one delivery attempt outcome.
// Deliveries are history, not a queue; retries happen inline in the
// dispatcher.
type InsertWebhookDeliveryParams struct {
	WebhookID      uuid.UUID
	Event          string
	Status         string
	ResponseStatus *int
	Error          string
	DurationMS     int64
}

func (s *Store) InsertWebhookDelivery(ctx context.Context, p InsertWebhookDeliveryParams) (WebhookDelivery, error) {
	const q = `
		INSERT INTO webhook_deliveries (webhook_id, event, status, response_status, error, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, webhook_id, event, status, response_status, error, duration_ms, created_at`
	out, err := one[WebhookDelivery](ctx, s, q,
		p.WebhookID, p.Event, p.Status, p.ResponseStatus, p.Error, p.DurationMS)
	if err != nil {
		return WebhookDelivery{}, fmt.Errorf("insert webhook delivery: %w", err)
	}
	return out, nil
}

func (s *Store) ListWebhookDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, webhook_id, event, status, response_status, error, duration_ms, created_at
		FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	return many[WebhookDelivery](ctx, s, q, webhookID, limit)
}

// PruneWebhookDeliveries deletes attempt records older than cutoff.
func (s *Store) PruneWebhookDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_deliveries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune webhook deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}
