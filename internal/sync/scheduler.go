package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Scheduler drives a Runner on a fixed interval until the context is
// cancelled, with one immediate pass at startup. Ticks that find nothing
// due or another instance already running are quiet; real failures are
// logged and the loop keeps going.
type Scheduler struct {
	Runner   Runner
	Interval time.Duration
	Logger   *slog.Logger
}

func (s *Scheduler) Run(ctx context.Context) {
	if s.Runner == nil || s.Interval <= 0 {
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Run immediately at startup.
	s.tick(ctx, logger, "initial")

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, logger, "scheduled")
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, logger *slog.Logger, kind string) {
	err := s.Runner.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
	case isOnlyNoWorkError(err),
		errors.Is(err, ErrSyncAlreadyRunning),
		errors.Is(err, ErrSyncQueued):
		logger.Debug("sync pass skipped", "tick", kind, "reason", err)
	default:
		logger.Error("sync pass failed", "tick", kind, "err", err)
	}
}
