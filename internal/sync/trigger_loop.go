package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/junctionhq/junction/internal/providers/registry"
)

const defaultTriggerRetryDelay = 500 * time.Millisecond

// TriggerLoop consumes queued resync requests for one lane and serves
// each as a forced pass under the lane's run-once lock. Long-running
// processes start one per lane beside the Scheduler; the lock makes it
// safe for several instances to consume the same channel, since only
// the first to claim the lane runs the pass.
type TriggerLoop struct {
	Pool   *pgxpool.Pool
	Mode   registry.SyncMode
	Lane   Runner
	Logger *slog.Logger

	// RetryDelay is how long a busy lane is given to free up before the
	// request is dropped as already served. Zero selects the default.
	RetryDelay time.Duration
}

// Run listens until ctx is cancelled. Listener failures are logged and
// leave the loop draining an idle channel; the scheduler lane keeps
// running either way.
func (l *TriggerLoop) Run(ctx context.Context) {
	if l == nil || l.Pool == nil || l.Lane == nil {
		return
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	channel := ResyncNotifyChannelForMode(l.Mode)
	runner := NewTryRunOnceLockRunner(l.Pool, RunOnceScopeNameForMode(l.Mode), l.Lane)

	triggers := make(chan TriggerRequest, 1)
	go func() {
		if err := ListenForResyncRequests(ctx, l.Pool, channel, triggers); err != nil {
			logger.Error("resync listener stopped", "channel", channel, "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-triggers:
			l.serveRequest(ctx, runner, req, logger)
		}
	}
}

// serveRequest runs one queued request. The signaller holds the lane
// scope for an instant around its NOTIFY, so a busy lane on the first
// attempt gets one delayed retry; a lane still busy after that is
// running a pass that covers the request.
func (l *TriggerLoop) serveRequest(ctx context.Context, runner Runner, req TriggerRequest, logger *slog.Logger) {
	runCtx := WithForcedSync(ctx)
	req = req.Normalized()
	if req.HasIntegrationScope() {
		if id, err := uuid.Parse(req.IntegrationID); err == nil {
			runCtx = WithIntegrationScope(runCtx, id)
		}
	}

	err := runner.RunOnce(runCtx)
	if errors.Is(err, ErrSyncAlreadyRunning) {
		if sleepWithContext(ctx, l.retryDelay()) != nil {
			return
		}
		err = runner.RunOnce(runCtx)
	}

	switch {
	case err == nil:
		logger.Info("triggered sync pass finished", "integration_id", req.IntegrationID)
	case errors.Is(err, context.Canceled):
	case errors.Is(err, ErrSyncAlreadyRunning):
		logger.Debug("triggered sync already covered by a running pass")
	case isOnlyNoWorkError(err):
		logger.Info("triggered sync found nothing to run", "reason", err)
	default:
		logger.Error("triggered sync pass failed", "err", err)
	}
}

func (l *TriggerLoop) retryDelay() time.Duration {
	if l.RetryDelay > 0 {
		return l.RetryDelay
	}
	return defaultTriggerRetryDelay
}
