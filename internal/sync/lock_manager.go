package sync

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/junctionhq/junction/internal/store"
)

const (
	LockModeLease    = "lease"
	LockModeAdvisory = "advisory"

	defaultLockMode              = LockModeLease
	defaultLockTTL               = 60 * time.Second
	defaultLockHeartbeatInterval = 15 * time.Second
	defaultLockHeartbeatTimeout  = 15 * time.Second
)

// LockManagerConfig selects the lock backend and its timing. The lease
// mode survives process crashes (the row expires); the advisory mode
// rides session-scoped postgres locks and releases on disconnect.
type LockManagerConfig struct {
	Mode              string
	InstanceID        string
	TTL               time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Lock is a held scope. Lease locks renew themselves while held and
// report through StartHeartbeat when the lease is lost; advisory locks
// have no heartbeat.
type Lock interface {
	ScopeKind() string
	ScopeName() string
	StartHeartbeat(ctx context.Context, onLost func(error)) (stop func())
	Release(ctx context.Context) error
}

// LockManager hands out named mutual-exclusion scopes across instances.
type LockManager interface {
	TryAcquire(ctx context.Context, scopeKind, scopeName string) (Lock, bool, error)
	Acquire(ctx context.Context, scopeKind, scopeName string) (Lock, error)
}

// leaseStore is the slice of the persistence layer the lease manager
// needs.
type leaseStore interface {
	TryAcquireSyncLease(ctx context.Context, p store.TryAcquireSyncLeaseParams) (store.SyncLease, error)
	RenewSyncLease(ctx context.Context, p store.RenewSyncLeaseParams) (store.SyncLease, error)
	ReleaseSyncLease(ctx context.Context, scopeKind, scopeName string, holderToken uuid.UUID) error
}

// NewLockManager builds the configured lock backend. The pool is used by
// the advisory mode; the lease mode goes through the store's lease
// queries.
func NewLockManager(pool *pgxpool.Pool, leases leaseStore, cfg LockManagerConfig) (LockManager, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = defaultLockMode
	}

	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		if h := strings.TrimSpace(os.Getenv("HOSTNAME")); h != "" {
			instanceID = h
		} else if h, err := os.Hostname(); err == nil {
			instanceID = strings.TrimSpace(h)
		}
	}
	if instanceID == "" {
		instanceID = "unknown"
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	hbInterval := cfg.HeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = defaultLockHeartbeatInterval
	}
	hbTimeout := cfg.HeartbeatTimeout
	if hbTimeout <= 0 {
		hbTimeout = defaultLockHeartbeatTimeout
	}

	switch mode {
	case LockModeLease:
		if leases == nil {
			return nil, errors.New("lease store is nil")
		}
		return &leaseLockManager{
			leases:           leases,
			instanceID:       instanceID,
			ttlSeconds:       durationSecondsCeil(ttl),
			heartbeatEvery:   hbInterval,
			heartbeatTimeout: hbTimeout,
		}, nil
	case LockModeAdvisory:
		if pool == nil {
			return nil, errors.New("lock pool is nil")
		}
		return &advisoryLockManager{pool: pool}, nil
	default:
		return nil, fmt.Errorf("unknown lock mode %q", mode)
	}
}

func normalizeScope(kind, name string) (string, string, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	name = strings.ToLower(strings.TrimSpace(name))
	if kind == "" {
		return "", "", errors.New("scope kind is required")
	}
	if name == "" {
		return "", "", errors.New("scope name is required")
	}
	return kind, name, nil
}

func durationSecondsCeil(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// lockKey folds a scope into the signed 64-bit keyspace postgres
// advisory locks use.
func lockKey(kind, name string) int64 {
	kind = strings.ToLower(strings.TrimSpace(kind))
	name = strings.ToLower(strings.TrimSpace(name))

	h := fnv.New64a()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

type leaseLockManager struct {
	leases           leaseStore
	instanceID       string
	ttlSeconds       int64
	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration
}

func (m *leaseLockManager) TryAcquire(ctx context.Context, scopeKind, scopeName string) (Lock, bool, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, false, err
	}
	if m == nil || m.leases == nil {
		return nil, false, errors.New("lock manager is not configured")
	}

	token := uuid.New()
	_, err = m.leases.TryAcquireSyncLease(ctx, store.TryAcquireSyncLeaseParams{
		ScopeKind:        scopeKind,
		ScopeName:        scopeName,
		HolderInstanceID: m.instanceID,
		HolderToken:      token,
		LeaseSeconds:     m.ttlSeconds,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &leaseLock{
		m:         m,
		scopeKind: scopeKind,
		scopeName: scopeName,
		token:     token,
	}, true, nil
}

func (m *leaseLockManager) Acquire(ctx context.Context, scopeKind, scopeName string) (Lock, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, err
	}
	if m == nil || m.leases == nil {
		return nil, errors.New("lock manager is not configured")
	}

	token := uuid.New()

	delay := 250 * time.Millisecond
	maxDelay := 5 * time.Second
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		_, err := m.leases.TryAcquireSyncLease(ctx, store.TryAcquireSyncLeaseParams{
			ScopeKind:        scopeKind,
			ScopeName:        scopeName,
			HolderInstanceID: m.instanceID,
			HolderToken:      token,
			LeaseSeconds:     m.ttlSeconds,
		})
		if err == nil {
			return &leaseLock{
				m:         m,
				scopeKind: scopeKind,
				scopeName: scopeName,
				token:     token,
			}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Backoff with a small jitter to reduce herd effects.
		jitter := time.Duration(rng.Int63n(int64(delay/2) + 1))
		sleep := delay + jitter

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if delay < maxDelay {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
}

type leaseLock struct {
	m         *leaseLockManager
	scopeKind string
	scopeName string
	token     uuid.UUID
}

func (l *leaseLock) ScopeKind() string { return l.scopeKind }
func (l *leaseLock) ScopeName() string { return l.scopeName }

func (l *leaseLock) StartHeartbeat(ctx context.Context, onLost func(error)) (stop func()) {
	if l == nil || l.m == nil || l.m.leases == nil {
		return func() {}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if onLost == nil {
		onLost = func(error) {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	stop = func() { once.Do(cancel) }

	// Spread initial heartbeats slightly for multiple concurrent locks.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	initialJitter := time.Duration(rng.Int63n(int64(l.m.heartbeatEvery/3) + 1))

	go func() {
		timer := time.NewTimer(initialJitter)
		defer timer.Stop()

		select {
		case <-hbCtx.Done():
			return
		case <-timer.C:
		}

		ticker := time.NewTicker(l.m.heartbeatEvery)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}

			queryCtx, cancel := context.WithTimeout(hbCtx, l.m.heartbeatTimeout)
			_, err := l.m.leases.RenewSyncLease(queryCtx, store.RenewSyncLeaseParams{
				ScopeKind:    l.scopeKind,
				ScopeName:    l.scopeName,
				HolderToken:  l.token,
				LeaseSeconds: l.m.ttlSeconds,
			})
			cancel()
			if err != nil {
				onLost(err)
				return
			}
		}
	}()

	return stop
}

func (l *leaseLock) Release(ctx context.Context) error {
	if l == nil || l.m == nil || l.m.leases == nil {
		return errors.New("lock is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return l.m.leases.ReleaseSyncLease(ctx, l.scopeKind, l.scopeName, l.token)
}

// pgExecutor is the slice of a pgx connection the advisory helpers need.
type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func acquireAdvisoryLock(ctx context.Context, db pgExecutor, key int64) error {
	_, err := db.Exec(ctx, `SELECT pg_advisory_lock($1)`, key)
	return err
}

func tryAcquireAdvisoryLock(ctx context.Context, db pgExecutor, key int64) (bool, error) {
	var ok bool
	err := db.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok)
	return ok, err
}

func releaseAdvisoryLock(ctx context.Context, db pgExecutor, key int64) error {
	_, err := db.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
	return err
}

type advisoryLockManager struct {
	pool *pgxpool.Pool
}

func (m *advisoryLockManager) TryAcquire(ctx context.Context, scopeKind, scopeName string) (Lock, bool, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, false, err
	}
	if m == nil || m.pool == nil {
		return nil, false, errors.New("lock manager is not configured")
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	key := lockKey(scopeKind, scopeName)

	ok, err := tryAcquireAdvisoryLock(ctx, conn, key)
	if err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	return &advisoryLock{
		conn:      conn,
		db:        conn,
		key:       key,
		scopeKind: scopeKind,
		scopeName: scopeName,
	}, true, nil
}

func (m *advisoryLockManager) Acquire(ctx context.Context, scopeKind, scopeName string) (Lock, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, err
	}
	if m == nil || m.pool == nil {
		return nil, errors.New("lock manager is not configured")
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	key := lockKey(scopeKind, scopeName)

	if err := acquireAdvisoryLock(ctx, conn, key); err != nil {
		conn.Release()
		return nil, err
	}

	return &advisoryLock{
		conn:      conn,
		db:        conn,
		key:       key,
		scopeKind: scopeKind,
		scopeName: scopeName,
	}, nil
}

// advisoryLock pins the pool connection its lock lives on; the lock is
// session-scoped, so the connection must not return to the pool before
// release.
type advisoryLock struct {
	conn      *pgxpool.Conn
	db        pgExecutor
	key       int64
	scopeKind string
	scopeName string

	releaseOnce sync.Once
}

func (l *advisoryLock) ScopeKind() string { return l.scopeKind }
func (l *advisoryLock) ScopeName() string { return l.scopeName }

func (l *advisoryLock) StartHeartbeat(_ context.Context, _ func(error)) func() { return func() {} }

func (l *advisoryLock) Release(ctx context.Context) error {
	if l == nil || l.db == nil {
		return errors.New("lock is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var unlockErr error
	l.releaseOnce.Do(func() {
		unlockErr = releaseAdvisoryLock(ctx, l.db, l.key)
		if l.conn != nil {
			l.conn.Release()
		}
	})

	return unlockErr
}
