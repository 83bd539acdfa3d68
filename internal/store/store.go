// Package store is the PostgreSQL persistence layer. Queries are written
// against pgx directly; callers receive plain model structs and sentinel
// errors, never driver types.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound reports a lookup that matched no row, including conditional
// updates whose guard did not hold.
var ErrNotFound = errors.New("store: not found")

// Store wraps a pgx pool with the application's queries.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps pool. The pool stays owned by the caller, which closes it on
// shutdown.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for components that need raw access,
// such as lease management and LISTEN/NOTIFY.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// one runs query and collects exactly one row into T, mapping an empty
// result to ErrNotFound.
func one[T any](ctx context.Context, s *Store, query string, args ...any) (T, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	out, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByNameLax[T])
	if errors.Is(err, pgx.ErrNoRows) {
		var zero T
		return zero, ErrNotFound
	}
	return out, err
}

// many runs query and collects every row into a slice of T.
func many[T any](ctx context.Context, s *Store, query string, args ...any) ([]T, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByNameLax[T])
}
