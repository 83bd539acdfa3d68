package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncLease is a database-backed mutual exclusion record for scheduler
// work. Expiry is computed with the database clock, so instances with
// skewed local clocks still agree on who holds a scope.
type SyncLease struct {
	ScopeKind        string    `db:"scope_kind"`
	ScopeName        string    `db:"scope_name"`
	HolderInstanceID string    `db:"holder_instance_id"`
	HolderToken      uuid.UUID `db:"holder_token"`
	AcquiredAt       time.Time `db:"acquired_at"`
	ExpiresAt        time.Time `db:"expires_at"`
}

const leaseColumns = `scope_kind, scope_name, holder_instance_id, holder_token, acquired_at, expires_at`

// TryAcquireSyncLeaseParams identifies the scope and the would-be holder.
type TryAcquireSyncLeaseParams struct {
	ScopeKind        string
	ScopeName        string
	HolderInstanceID string
	HolderToken      uuid.UUID
	LeaseSeconds     int64
}

// TryAcquireSyncLease claims the scope when it is free, expired, or
// already held by the same token. A live lease under another holder
// returns ErrNotFound.
func (s *Store) TryAcquireSyncLease(ctx context.Context, p TryAcquireSyncLeaseParams) (SyncLease, error) {
	q := `
		INSERT INTO sync_leases (scope_kind, scope_name, holder_instance_id, holder_token, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, now(), now() + make_interval(secs => $5))
		ON CONFLICT (scope_kind, scope_name) DO UPDATE
		SET holder_instance_id = EXCLUDED.holder_instance_id,
		    holder_token = EXCLUDED.holder_token,
		    acquired_at = now(),
		    expires_at = EXCLUDED.expires_at
		WHERE sync_leases.expires_at <= now()
		   OR sync_leases.holder_token = EXCLUDED.holder_token
		RETURNING ` + leaseColumns
	return one[SyncLease](ctx, s, q,
		p.ScopeKind, p.ScopeName, p.HolderInstanceID, p.HolderToken, p.LeaseSeconds)
}

// RenewSyncLeaseParams extends a held lease.
type RenewSyncLeaseParams struct {
	ScopeKind    string
	ScopeName    string
	HolderToken  uuid.UUID
	LeaseSeconds int64
}

// RenewSyncLease pushes the expiry forward for the named holder.
// ErrNotFound means the lease lapsed or was taken over, and the holder
// must stop treating the scope as its own.
func (s *Store) RenewSyncLease(ctx context.Context, p RenewSyncLeaseParams) (SyncLease, error) {
	q := `
		UPDATE sync_leases
		SET expires_at = now() + make_interval(secs => $4)
		WHERE scope_kind = $1 AND scope_name = $2 AND holder_token = $3 AND expires_at > now()
		RETURNING ` + leaseColumns
	return one[SyncLease](ctx, s, q, p.ScopeKind, p.ScopeName, p.HolderToken, p.LeaseSeconds)
}

// ReleaseSyncLease drops the lease if this holder still owns it. Releasing
// a lease that already moved on is not an error.
func (s *Store) ReleaseSyncLease(ctx context.Context, scopeKind, scopeName string, holderToken uuid.UUID) error {
	const q = `
		DELETE FROM sync_leases
		WHERE scope_kind = $1 AND scope_name = $2 AND holder_token = $3`
	if _, err := s.pool.Exec(ctx, q, scopeKind, scopeName, holderToken); err != nil {
		return fmt.Errorf("release sync lease: %w", err)
	}
	return nil
}

// PruneSyncLeases deletes leases that expired before cutoff. Held scopes
// renew themselves, so anything old enough to match is leftover from a
// crashed holder.
func (s *Store) PruneSyncLeases(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM sync_leases WHERE expires_at < $1`
	tag, err := s.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sync leases: %w", err)
	}
	return tag.RowsAffected(), nil
}
