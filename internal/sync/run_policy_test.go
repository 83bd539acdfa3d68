package sync

import (
	"testing"
	"time"

	"github.com/junctionhq/junction/internal/store"
)

func TestRunPolicyDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name        string
		policy      RunPolicy
		integration store.Integration
		failures    int
		want        bool
	}{
		{
			name:        "never synced is always due",
			integration: store.Integration{Provider: "acme"},
			want:        true,
		},
		{
			name:        "inside default interval",
			integration: store.Integration{Provider: "acme", LastSyncAt: at(10 * time.Minute)},
			want:        false,
		},
		{
			name:        "past default interval",
			integration: store.Integration{Provider: "acme", LastSyncAt: at(16 * time.Minute)},
			want:        true,
		},
		{
			name:        "exactly at the interval",
			integration: store.Integration{Provider: "acme", LastSyncAt: at(15 * time.Minute)},
			want:        true,
		},
		{
			name:        "per-provider interval overrides default",
			policy:      RunPolicy{IntervalByProvider: map[string]time.Duration{"acme": time.Hour}},
			integration: store.Integration{Provider: "acme", LastSyncAt: at(30 * time.Minute)},
			want:        false,
		},
		{
			name:        "other providers keep the default",
			policy:      RunPolicy{IntervalByProvider: map[string]time.Duration{"acme": time.Hour}},
			integration: store.Integration{Provider: "umbrella", LastSyncAt: at(30 * time.Minute)},
			want:        true,
		},
		{
			name:        "failures push the due time out",
			policy:      RunPolicy{FailureBackoffBase: 10 * time.Minute},
			integration: store.Integration{Provider: "acme", LastSyncAt: at(20 * time.Minute)},
			failures:    1,
			want:        false,
		},
		{
			name:        "backoff eventually elapses too",
			policy:      RunPolicy{FailureBackoffBase: 10 * time.Minute},
			integration: store.Integration{Provider: "acme", LastSyncAt: at(30 * time.Minute)},
			failures:    1,
			want:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.policy.Due(tt.integration, tt.failures, now); got != tt.want {
				t.Fatalf("Due() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFailureBackoffDelayDoubles(t *testing.T) {
	t.Parallel()

	base := time.Minute
	max := time.Hour

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{failures: 0, want: 0},
		{failures: 1, want: time.Minute},
		{failures: 2, want: 2 * time.Minute},
		{failures: 3, want: 4 * time.Minute},
		{failures: 6, want: 32 * time.Minute},
		{failures: 7, want: time.Hour},
		{failures: 50, want: time.Hour},
	}

	for _, tt := range tests {
		if got := failureBackoffDelay(base, tt.failures, max); got != tt.want {
			t.Fatalf("failureBackoffDelay(%v, %d, %v) = %v, want %v", base, tt.failures, max, got, tt.want)
		}
	}

	if got := failureBackoffDelay(0, 5, max); got != 0 {
		t.Fatalf("zero base must disable backoff, got %v", got)
	}
	if got := failureBackoffDelay(base, 3, 0); got != 4*time.Minute {
		t.Fatalf("unbounded backoff = %v, want plain doubling", got)
	}
}
