package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// runWithManagedLock executes run while keeping the lock's heartbeat
// alive. Losing the lease cancels run's context immediately: the scope
// may already have a new holder, so continuing would mean two instances
// writing the same integration. Returns run's error and, separately, the
// lock-loss error if the lease lapsed.
func runWithManagedLock(ctx context.Context, lock Lock, logger *slog.Logger, run func(context.Context) error) (error, error) {
	if lock == nil {
		return errors.New("sync lock is nil"), nil
	}
	if run == nil {
		return errors.New("sync run function is nil"), nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var (
		lockLostMu sync.Mutex
		lockLost   error
	)
	stopHeartbeat := lock.StartHeartbeat(runCtx, func(err error) {
		lockLostMu.Lock()
		if lockLost == nil {
			lockLost = err
		}
		lockLostMu.Unlock()

		logger.Error("sync lock heartbeat failed",
			"scope_kind", lock.ScopeKind(), "scope_name", lock.ScopeName(), "err", err)
		cancelRun()
	})
	defer stopHeartbeat()

	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(unlockCtx); err != nil {
			logger.Warn("failed to release sync lock",
				"scope_kind", lock.ScopeKind(), "scope_name", lock.ScopeName(), "err", err)
		}
	}()

	runErr := run(runCtx)

	lockLostMu.Lock()
	lost := lockLost
	lockLostMu.Unlock()
	return runErr, lost
}
