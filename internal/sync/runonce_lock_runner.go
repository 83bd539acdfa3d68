package sync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// runOnceLockRunner serializes whole sync passes within a lane through a
// session advisory lock, so two instances (or an instance and a CLI
// one-shot) never fan out over the same integrations at the same time.
type runOnceLockRunner struct {
	pool      *pgxpool.Pool
	inner     Runner
	scopeName string
	tryLock   bool
}

// NewBlockingRunOnceLockRunner waits for the lane's run-once lock before
// running inner. CLI one-shots use this: the operator asked for a run
// and gets one as soon as the current pass finishes.
func NewBlockingRunOnceLockRunner(pool *pgxpool.Pool, scopeName string, inner Runner) Runner {
	return &runOnceLockRunner{pool: pool, inner: inner, scopeName: scopeName}
}

// NewTryRunOnceLockRunner runs inner only when the lane's run-once lock
// is free, reporting ErrSyncAlreadyRunning otherwise. Scheduler ticks
// use this: a tick that finds a pass in flight has nothing to add.
func NewTryRunOnceLockRunner(pool *pgxpool.Pool, scopeName string, inner Runner) Runner {
	return &runOnceLockRunner{pool: pool, inner: inner, scopeName: scopeName, tryLock: true}
}

func (r *runOnceLockRunner) RunOnce(ctx context.Context) error {
	if r == nil || r.pool == nil || r.inner == nil {
		return errors.New("sync runner is not configured")
	}
	scopeName := r.scopeName
	if scopeName == "" {
		scopeName = RunOnceScopeNameFull
	}
	key := lockKey(runOnceScopeKind, scopeName)

	lockConn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}

	locked := false
	defer func() {
		if locked {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseAdvisoryLock(unlockCtx, lockConn, key)
		}
		lockConn.Release()
	}()

	if r.tryLock {
		ok, err := tryAcquireAdvisoryLock(ctx, lockConn, key)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSyncAlreadyRunning
		}
		locked = true
		return r.inner.RunOnce(ctx)
	}

	if err := acquireAdvisoryLock(ctx, lockConn, key); err != nil {
		return err
	}
	locked = true
	return r.inner.RunOnce(ctx)
}
