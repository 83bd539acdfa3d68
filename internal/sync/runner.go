// Package sync pulls provider data for connected integrations. The
// per-integration entry point lives in Service; around it sit the
// scheduler parts: a due-integration runner, distributed locks so
// concurrent instances do not double-sync, a ticker loop, and a
// LISTEN/NOTIFY channel that lets the API hand a resync request to the
// worker.
package sync

import (
	"context"
	"errors"
)

// Runner executes a single sync pass.
type Runner interface {
	RunOnce(context.Context) error
}

var ErrNoEnabledIntegrations = errors.New("no enabled integrations are configured")

// ErrSyncAlreadyRunning is returned by a try-lock runner when another sync pass
// is already in progress.
var ErrSyncAlreadyRunning = errors.New("sync is already running")

// ErrSyncQueued is returned when a sync request is accepted but will be processed
// asynchronously by the worker.
var ErrSyncQueued = errors.New("sync queued")

// ErrNoIntegrationsDue is returned when every enabled integration is deferred by
// the run policy (interval/backoff) and there is no work to do.
var ErrNoIntegrationsDue = errors.New("no integrations are due to sync")
