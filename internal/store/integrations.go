package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const integrationColumns = `
	id, organization_id, provider_kind, category, name, status, config,
	last_sync_at, last_error, created_by, created_at, updated_at`

// CreateIntegrationParams carries the fields for a new integration.
// Rows start in pending status; activation happens when credentials are
// attached, either through the OAuth callback or a direct connection.
type CreateIntegrationParams struct {
	OrganizationID uuid.UUID
	Provider       string
	Category       string
	Name           string
	Config         []byte
	CreatedBy      *uuid.UUID
}

func (s *Store) CreateIntegration(ctx context.Context, p CreateIntegrationParams) (Integration, error) {
	q := `
		INSERT INTO integrations (organization_id, provider_kind, category, name, status, config, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING` + integrationColumns
	out, err := one[Integration](ctx, s, q,
		p.OrganizationID, p.Provider, p.Category, p.Name, IntegrationStatusPending, p.Config, p.CreatedBy)
	if err != nil {
		return Integration{}, fmt.Errorf("create integration: %w", err)
	}
	return out, nil
}

func (s *Store) GetIntegration(ctx context.Context, id uuid.UUID) (Integration, error) {
	q := `SELECT` + integrationColumns + `
		FROM integrations
		WHERE id = $1`
	return one[Integration](ctx, s, q, id)
}

func (s *Store) ListIntegrations(ctx context.Context) ([]Integration, error) {
	q := `SELECT` + integrationColumns + `
		FROM integrations
		ORDER BY created_at`
	return many[Integration](ctx, s, q)
}

func (s *Store) ListIntegrationsByOrganization(ctx context.Context, orgID uuid.UUID) ([]Integration, error) {
	q := `SELECT` + integrationColumns + `
		FROM integrations
		WHERE organization_id = $1
		ORDER BY created_at`
	return many[Integration](ctx, s, q, orgID)
}

// ListActiveIntegrations returns integrations eligible for scheduled
// work. Pending, suspended, expired and errored integrations are
// skipped by the scheduler.
func (s *Store) ListActiveIntegrations(ctx context.Context) ([]Integration, error) {
	q := `SELECT` + integrationColumns + `
		FROM integrations
		WHERE status = $1
		ORDER BY created_at`
	return many[Integration](ctx, s, q, IntegrationStatusActive)
}

func (s *Store) UpdateIntegrationConfig(ctx context.Context, id uuid.UUID, config []byte) (Integration, error) {
	q := `
		UPDATE integrations
		SET config = $2, updated_at = now()
		WHERE id = $1
		RETURNING` + integrationColumns
	return one[Integration](ctx, s, q, id, config)
}

func (s *Store) UpdateIntegrationStatus(ctx context.Context, id uuid.UUID, status, lastError string) error {
	const q = `
		UPDATE integrations
		SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, status, lastError)
	if err != nil {
		return fmt.Errorf("update integration status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkIntegrationSynced records the outcome of a sync pass. A non-empty
// lastError leaves the sync watermark alone so the next scheduled pass
// retries the same window.
func (s *Store) MarkIntegrationSynced(ctx context.Context, id uuid.UUID, at time.Time, lastError string) error {
	const q = `
		UPDATE integrations
		SET last_sync_at = CASE WHEN $3 = '' THEN $2 ELSE last_sync_at END,
		    last_error = $3,
		    updated_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, at, lastError)
	if err != nil {
		return fmt.Errorf("mark integration synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpirePendingIntegrations flips the given integrations from pending to
// expired. Rows that already moved on, because a callback landed between
// the scan and this update, are left untouched.
func (s *Store) ExpirePendingIntegrations(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const q = `
		UPDATE integrations
		SET status = $2, updated_at = now()
		WHERE id = ANY($1) AND status = $3`
	tag, err := s.pool.Exec(ctx, q, ids, IntegrationStatusExpired, IntegrationStatusPending)
	if err != nil {
		return 0, fmt.Errorf("expire pending integrations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteIntegration removes the integration; connections, pending
// authorizations, logs and webhooks cascade in the schema.
func (s *Store) DeleteIntegration(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM integrations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
