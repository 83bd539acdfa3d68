package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const authorizationColumns = `id, integration_id, state_hash, status, requested_by, completed_at, created_at`

// CreatePendingAuthorizationParams starts an OAuth flow record.
type CreatePendingAuthorizationParams struct {
	IntegrationID uuid.UUID
	StateHash     string
	RequestedBy   *uuid.UUID
}

func (s *Store) CreatePendingAuthorization(ctx context.Context, p CreatePendingAuthorizationParams) (PendingAuthorization, error) {
	q := `
		INSERT INTO pending_authorizations (integration_id, state_hash, status, requested_by)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + authorizationColumns
	out, err := one[PendingAuthorization](ctx, s, q,
		p.IntegrationID, p.StateHash, AuthorizationStatusPending, p.RequestedBy)
	if err != nil {
		return PendingAuthorization{}, fmt.Errorf("create pending authorization: %w", err)
	}
	return out, nil
}

// ConsumePendingAuthorization atomically completes the pending
// authorization matching the state hash. The single conditional update
// is what makes replayed callbacks lose: only one caller can move the
// row out of pending. Expired or already-consumed states return
// ErrNotFound.
func (s *Store) ConsumePendingAuthorization(ctx context.Context, integrationID uuid.UUID, stateHash string, now time.Time, ttl time.Duration) (PendingAuthorization, error) {
	q := `
		UPDATE pending_authorizations
		SET status = $4, completed_at = $3
		WHERE integration_id = $1
		  AND state_hash = $2
		  AND status = $5
		  AND created_at > $6
		RETURNING ` + authorizationColumns
	return one[PendingAuthorization](ctx, s, q,
		integrationID, stateHash, now, AuthorizationStatusCompleted, AuthorizationStatusPending, now.Add(-ttl))
}

// SetPendingAuthorizationStatus records a terminal outcome, such as
// marking a consumed flow failed when the token exchange falls over.
func (s *Store) SetPendingAuthorizationStatus(ctx context.Context, id uuid.UUID, status string) error {
	const q = `UPDATE pending_authorizations SET status = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("set pending authorization status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpirePendingAuthorizations marks flows older than cutoff expired and
// returns the integrations they belonged to, so callers can expire the
// integrations that never got their callback.
func (s *Store) ExpirePendingAuthorizations(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	const q = `
		UPDATE pending_authorizations
		SET status = $2
		WHERE status = $3 AND created_at <= $1
		RETURNING integration_id`
	rows, err := s.pool.Query(ctx, q, cutoff, AuthorizationStatusExpired, AuthorizationStatusPending)
	if err != nil {
		return nil, fmt.Errorf("expire pending authorizations: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("expire pending authorizations: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PrunePendingAuthorizations deletes finished flow records older than
// cutoff.
func (s *Store) PrunePendingAuthorizations(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
		DELETE FROM pending_authorizations
		WHERE status <> $2 AND created_at < $1`
	tag, err := s.pool.Exec(ctx, q, cutoff, AuthorizationStatusPending)
	if err != nil {
		return 0, fmt.Errorf("prune pending authorizations: %w", err)
	}
	return tag.RowsAffected(), nil
}
