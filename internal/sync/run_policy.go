package sync

import (
	"time"

	"github.com/junctionhq/junction/internal/store"
)

const (
	defaultSyncInterval       = 15 * time.Minute
	defaultFailureBackoffBase = time.Minute
	defaultFailureBackoffMax  = time.Hour
)

// RunPolicy decides when an integration is due for its next sync.
// Consecutive failures stretch the interval with a doubling backoff so a
// provider that keeps rejecting us is not hammered every tick.
type RunPolicy struct {
	// DefaultInterval applies to providers without an explicit entry.
	DefaultInterval    time.Duration
	IntervalByProvider map[string]time.Duration
	FailureBackoffBase time.Duration
	FailureBackoffMax  time.Duration
}

// Due reports whether the integration should sync now, given its count
// of consecutive failed runs. Never-synced integrations are always due.
func (p RunPolicy) Due(integration store.Integration, failures int, now time.Time) bool {
	if integration.LastSyncAt == nil {
		return true
	}
	wait := p.intervalForProvider(integration.Provider) + p.backoff(failures)
	return !integration.LastSyncAt.Add(wait).After(now)
}

func (p RunPolicy) intervalForProvider(kind string) time.Duration {
	if d, ok := p.IntervalByProvider[kind]; ok && d > 0 {
		return d
	}
	if p.DefaultInterval > 0 {
		return p.DefaultInterval
	}
	return defaultSyncInterval
}

func (p RunPolicy) backoff(failures int) time.Duration {
	base := p.FailureBackoffBase
	if base <= 0 {
		base = defaultFailureBackoffBase
	}
	max := p.FailureBackoffMax
	if max <= 0 {
		max = defaultFailureBackoffMax
	}
	return failureBackoffDelay(base, failures, max)
}

// failureBackoffDelay doubles base per consecutive failure, capped at max.
func failureBackoffDelay(base time.Duration, failures int, max time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	if base <= 0 {
		return 0
	}

	delay := base
	for i := 1; i < failures; i++ {
		if delay > max/2 && max > 0 {
			delay = max
			break
		}
		delay *= 2
	}

	if max > 0 && delay > max {
		return max
	}
	return delay
}
