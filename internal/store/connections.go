package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Every connection read joins the owning integration so callers get the
// provider kind without a second query.
const connectionColumns = `
	c.id, c.integration_id, i.provider_kind, c.name, c.connection_type, c.status,
	c.encrypted_credentials, c.credential_metadata, c.token_expires_at, c.scopes,
	c.retry_count, c.last_connected_at, c.last_error, c.rate_limit,
	c.created_at, c.updated_at`

const connectionFrom = `
	FROM connections c
	JOIN integrations i ON i.id = c.integration_id`

// CreateConnectionParams carries the fields for a new connection.
// Credentials is the already-encrypted payload.
type CreateConnectionParams struct {
	IntegrationID  uuid.UUID
	Name           string
	ConnectionType string
	Status         string
	Credentials    string
	CredentialMeta []byte
	TokenExpiresAt *time.Time
	Scopes         []string
}

func (s *Store) CreateConnection(ctx context.Context, p CreateConnectionParams) (Connection, error) {
	const q = `
		INSERT INTO connections (integration_id, name, connection_type, status,
			encrypted_credentials, credential_metadata, token_expires_at, scopes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	var id uuid.UUID
	if err := s.pool.QueryRow(ctx, q,
		p.IntegrationID, p.Name, p.ConnectionType, p.Status,
		p.Credentials, p.CredentialMeta, p.TokenExpiresAt, p.Scopes).Scan(&id); err != nil {
		return Connection{}, fmt.Errorf("create connection: %w", err)
	}
	return s.GetConnection(ctx, id)
}

func (s *Store) GetConnection(ctx context.Context, id uuid.UUID) (Connection, error) {
	q := `SELECT` + connectionColumns + connectionFrom + ` WHERE c.id = $1`
	return one[Connection](ctx, s, q, id)
}

func (s *Store) ListConnections(ctx context.Context) ([]Connection, error) {
	q := `SELECT` + connectionColumns + connectionFrom + ` ORDER BY c.created_at`
	return many[Connection](ctx, s, q)
}

func (s *Store) ListConnectionsByIntegration(ctx context.Context, integrationID uuid.UUID) ([]Connection, error) {
	q := `SELECT` + connectionColumns + connectionFrom + `
		WHERE c.integration_id = $1
		ORDER BY c.created_at`
	return many[Connection](ctx, s, q, integrationID)
}

func (s *Store) ListConnectionsByOrganization(ctx context.Context, orgID uuid.UUID) ([]Connection, error) {
	q := `SELECT` + connectionColumns + connectionFrom + `
		WHERE i.organization_id = $1
		ORDER BY c.created_at`
	return many[Connection](ctx, s, q, orgID)
}

// ListConnectionsWithCredentialsByOrganization returns the connections
// holding an encrypted payload under one organization, the population
// rotation sweeps and credential health reports scan.
func (s *Store) ListConnectionsWithCredentialsByOrganization(ctx context.Context, orgID uuid.UUID) ([]Connection, error) {
	q := `SELECT` + connectionColumns + connectionFrom + `
		WHERE i.organization_id = $1 AND c.encrypted_credentials <> ''
		ORDER BY c.created_at`
	return many[Connection](ctx, s, q, orgID)
}

// ListSyncableConnections returns connected connections under active
// integrations, the population scheduled syncs and health sweeps
// operate on.
func (s *Store) ListSyncableConnections(ctx context.Context) ([]Connection, error) {
	q := `SELECT` + connectionColumns + connectionFrom + `
		WHERE c.status = $1 AND i.status = $2
		ORDER BY c.created_at`
	return many[Connection](ctx, s, q, ConnectionStatusConnected, IntegrationStatusActive)
}

// UpdateConnectionCredentials swaps in a new encrypted payload and its
// metadata envelope, leaving token lifetime and status untouched. This
// is the rotation path.
func (s *Store) UpdateConnectionCredentials(ctx context.Context, id uuid.UUID, credentials string, meta []byte) error {
	const q = `
		UPDATE connections
		SET encrypted_credentials = $2, credential_metadata = $3, updated_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, credentials, meta)
	if err != nil {
		return fmt.Errorf("update connection credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// StoreConnectionTokens records a fresh credential grant after an OAuth
// exchange or refresh: new payload, new expiry and scopes, status back
// to connected with the retry counter cleared.
func (s *Store) StoreConnectionTokens(ctx context.Context, id uuid.UUID, credentials string, meta []byte, tokenExpiresAt *time.Time, scopes []string) error {
	const q = `
		UPDATE connections
		SET encrypted_credentials = $2, credential_metadata = $3,
		    token_expires_at = $4, scopes = $5,
		    status = $6, retry_count = 0, last_error = '', updated_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, credentials, meta, tokenExpiresAt, scopes, ConnectionStatusConnected)
	if err != nil {
		return fmt.Errorf("store connection tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status, lastError string) error {
	const q = `
		UPDATE connections
		SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, status, lastError)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkConnectionTested records a test outcome: the resulting status, the
// failure message when unhealthy, and any rate-limit snapshot the
// provider reported. A healthy result also stamps last_connected_at.
func (s *Store) MarkConnectionTested(ctx context.Context, id uuid.UUID, status, lastError string, at time.Time, rateLimit []byte) error {
	const q = `
		UPDATE connections
		SET status = $2, last_error = $3,
		    last_connected_at = CASE WHEN $2 = 'connected' THEN $4 ELSE last_connected_at END,
		    rate_limit = COALESCE($5, rate_limit),
		    updated_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, status, lastError, at, rateLimit)
	if err != nil {
		return fmt.Errorf("mark connection tested: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementConnectionRetry bumps the retry counter and returns the new
// value so callers can decide when to stop retrying a failing refresh.
func (s *Store) IncrementConnectionRetry(ctx context.Context, id uuid.UUID) (int, error) {
	const q = `
		UPDATE connections
		SET retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1
		RETURNING retry_count`
	var n int
	if err := s.pool.QueryRow(ctx, q, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("increment connection retry: %w", err)
	}
	return n, nil
}

// RetireConnection zeroes the encrypted payload and marks the connection
// disconnected. The row is kept for audit history.
func (s *Store) RetireConnection(ctx context.Context, id uuid.UUID) error {
	const q = `
		UPDATE connections
		SET encrypted_credentials = '', status = $2, updated_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, ConnectionStatusDisconnected)
	if err != nil {
		return fmt.Errorf("retire connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteConnection(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountConnectionsByStatus returns connection counts keyed by status for
// health summaries and metrics.
func (s *Store) CountConnectionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM connections GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count connections: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count connections: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
