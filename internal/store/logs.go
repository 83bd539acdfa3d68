package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const logColumns = `id, integration_id, connection_id, webhook_id, action, status,
	request_data, response_data, error_detail, actor_id, duration_ms, created_at`

// AppendIntegrationLogParams writes one finished audit record in a
// single insert. Long-running operations open a pending row with
// StartIntegrationLog instead and complete it when done.
type AppendIntegrationLogParams struct {
	IntegrationID uuid.UUID
	ConnectionID  *uuid.UUID
	WebhookID     *uuid.UUID
	Action        string
	Status        string
	RequestData   []byte
	ResponseData  []byte
	ErrorDetail   string
	ActorID       *uuid.UUID
	DurationMS    *int64
}

func (s *Store) AppendIntegrationLog(ctx context.Context, p AppendIntegrationLogParams) (IntegrationLog, error) {
	q := `
		INSERT INTO integration_logs (integration_id, connection_id, webhook_id, action, status,
			request_data, response_data, error_detail, actor_id, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + logColumns
	out, err := one[IntegrationLog](ctx, s, q,
		p.IntegrationID, p.ConnectionID, p.WebhookID, p.Action, p.Status,
		p.RequestData, p.ResponseData, p.ErrorDetail, p.ActorID, p.DurationMS)
	if err != nil {
		return IntegrationLog{}, fmt.Errorf("append integration log: %w", err)
	}
	return out, nil
}

// StartIntegrationLogParams opens an audit record in the pending state;
// CompleteIntegrationLog moves it to its terminal status.
type StartIntegrationLogParams struct {
	IntegrationID uuid.UUID
	ConnectionID  *uuid.UUID
	Action        string
	RequestData   []byte
	ActorID       *uuid.UUID
}

func (s *Store) StartIntegrationLog(ctx context.Context, p StartIntegrationLogParams) (IntegrationLog, error) {
	q := `
		INSERT INTO integration_logs (integration_id, connection_id, action, status, request_data, actor_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + logColumns
	out, err := one[IntegrationLog](ctx, s, q,
		p.IntegrationID, p.ConnectionID, p.Action, LogStatusPending, p.RequestData, p.ActorID)
	if err != nil {
		return IntegrationLog{}, fmt.Errorf("start integration log: %w", err)
	}
	return out, nil
}

// CompleteIntegrationLog is the one permitted update on the append-only
// log: it moves a pending row to a terminal status. Rows already
// terminal return ErrNotFound.
func (s *Store) CompleteIntegrationLog(ctx context.Context, id uuid.UUID, status string, responseData []byte, errorDetail string, durationMS int64) error {
	const q = `
		UPDATE integration_logs
		SET status = $2, response_data = $3, error_detail = $4, duration_ms = $5
		WHERE id = $1 AND status = $6`
	tag, err := s.pool.Exec(ctx, q, id, status, responseData, errorDetail, durationMS, LogStatusPending)
	if err != nil {
		return fmt.Errorf("complete integration log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListIntegrationLogs(ctx context.Context, integrationID uuid.UUID, limit int) ([]IntegrationLog, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT ` + logColumns + `
		FROM integration_logs
		WHERE integration_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	return many[IntegrationLog](ctx, s, q, integrationID, limit)
}

// PruneIntegrationLogs deletes terminal log rows older than cutoff and
// returns how many were removed. Pending rows stay until completed or
// cancelled.
func (s *Store) PruneIntegrationLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
		DELETE FROM integration_logs
		WHERE created_at < $1 AND status <> $2`
	tag, err := s.pool.Exec(ctx, q, cutoff, LogStatusPending)
	if err != nil {
		return 0, fmt.Errorf("prune integration logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
