package sync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ResyncSignalConfig picks the lane a signal runner posts into.
type ResyncSignalConfig struct {
	NotifyChannel    string
	RunOnceScopeName string
}

func (c ResyncSignalConfig) withDefaults() ResyncSignalConfig {
	if strings.TrimSpace(c.NotifyChannel) == "" {
		c.NotifyChannel = ResyncNotifyChannelFull
	}
	if strings.TrimSpace(c.RunOnceScopeName) == "" {
		c.RunOnceScopeName = RunOnceScopeNameFull
	}
	return c
}

// ResyncSignalRunner queues a sync instead of running one: it posts a
// NOTIFY for the worker's listener and reports ErrSyncQueued. The API
// uses it in queue mode so a resync request returns immediately while
// the worker does the pull.
type ResyncSignalRunner struct {
	pool  *pgxpool.Pool
	locks LockManager
	cfg   ResyncSignalConfig
}

// NewResyncSignalRunner posts into the full lane.
func NewResyncSignalRunner(pool *pgxpool.Pool, locks LockManager) Runner {
	return NewResyncSignalRunnerWithConfig(pool, locks, ResyncSignalConfig{})
}

// NewResyncSignalRunnerWithConfig posts into the configured lane.
func NewResyncSignalRunnerWithConfig(pool *pgxpool.Pool, locks LockManager, cfg ResyncSignalConfig) Runner {
	return &ResyncSignalRunner{pool: pool, locks: locks, cfg: cfg.withDefaults()}
}

// RunOnce takes the lane's run-once scope, then notifies while holding
// it. Holding the scope across the NOTIFY guarantees no pass is active
// when the notification lands, so the listener's run sees everything up
// to this moment. A busy lane reports ErrSyncAlreadyRunning: the pass in
// flight is already doing the work.
func (r *ResyncSignalRunner) RunOnce(ctx context.Context) error {
	if r == nil || r.locks == nil {
		return errors.New("sync runner is not configured")
	}

	var req TriggerRequest
	if id, ok := IntegrationScopeFromContext(ctx); ok {
		req.IntegrationID = id.String()
	}
	payload, _, err := encodeTriggerRequestPayload(req)
	if err != nil {
		return err
	}

	lock, ok, err := r.locks.TryAcquire(ctx, runOnceScopeKind, r.cfg.RunOnceScopeName)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSyncAlreadyRunning
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(unlockCtx)
	}()

	if err := r.notify(ctx, lock, payload); err != nil {
		return err
	}
	return ErrSyncQueued
}

// notify sends the NOTIFY, reusing the advisory lock's pinned connection
// when there is one so the signal rides the session that holds the
// scope. Lease locks have no connection, so those acquire one.
func (r *ResyncSignalRunner) notify(ctx context.Context, lock Lock, payload string) error {
	if al, ok := lock.(*advisoryLock); ok && al.db != nil {
		return notifyResync(ctx, al.db, r.cfg.NotifyChannel, payload)
	}
	if r.pool == nil {
		return errors.New("sync pool is nil")
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return notifyResync(ctx, conn, r.cfg.NotifyChannel, payload)
}

func notifyResync(ctx context.Context, db pgExecutor, channel, payload string) error {
	_, err := db.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}

// ListenForResyncRequests blocks on the channel and forwards decoded
// trigger requests to out until ctx is cancelled. The worker runs this
// in a goroutine beside the scheduler; each received request becomes a
// forced pass.
func ListenForResyncRequests(ctx context.Context, pool *pgxpool.Pool, channel string, out chan<- TriggerRequest) error {
	if pool == nil {
		return errors.New("sync pool is nil")
	}
	if out == nil {
		return errors.New("sync signal channel is nil")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = ResyncNotifyChannelFull
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return err
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		enqueueTriggerRequest(ctx, out, decodeTriggerRequestPayload(n.Payload))
	}
}

// enqueueTriggerRequest hands a decoded request to the worker loop.
// Unscoped requests coalesce: when one is already waiting, dropping the
// new one loses nothing, since the pending pass covers everything.
// Scoped requests name a specific integration and must not be dropped,
// so they wait for room.
func enqueueTriggerRequest(ctx context.Context, out chan<- TriggerRequest, req TriggerRequest) bool {
	req = req.Normalized()
	if !req.HasIntegrationScope() {
		select {
		case out <- req:
		default:
		}
		return true
	}

	select {
	case out <- req:
		return true
	case <-ctx.Done():
		return false
	}
}

// encodeTriggerRequestPayload renders the NOTIFY payload. Unscoped
// requests send an empty payload; the second return reports whether a
// scope was encoded.
func encodeTriggerRequestPayload(req TriggerRequest) (string, bool, error) {
	req = req.Normalized()
	if !req.HasIntegrationScope() {
		return "", false, nil
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return "", false, err
	}
	return string(raw), true, nil
}

// decodeTriggerRequestPayload parses a NOTIFY payload, falling back to
// the unscoped request on anything malformed. A garbled payload still
// means somebody wants a sync.
func decodeTriggerRequestPayload(payload string) TriggerRequest {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return TriggerRequest{}
	}
	var req TriggerRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return TriggerRequest{}
	}
	return req.Normalized()
}
