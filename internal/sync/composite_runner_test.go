package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type stubRunner struct {
	err error
}

func (r stubRunner) RunOnce(context.Context) error {
	return r.err
}

func TestCompositeRunnerAggregatesStatuses(t *testing.T) {
	t.Parallel()

	hard := errors.New("hard-failure")

	tests := []struct {
		name    string
		runners []Runner
		want    error
	}{
		{
			name:    "hard error wins",
			runners: []Runner{stubRunner{err: nil}, stubRunner{err: hard}, stubRunner{err: ErrSyncQueued}},
			want:    hard,
		},
		{
			name:    "success wins over queued",
			runners: []Runner{stubRunner{err: nil}, stubRunner{err: ErrSyncQueued}},
			want:    nil,
		},
		{
			name:    "queued when no success",
			runners: []Runner{stubRunner{err: ErrSyncQueued}, stubRunner{err: ErrSyncAlreadyRunning}},
			want:    ErrSyncQueued,
		},
		{
			name:    "all busy returns busy",
			runners: []Runner{stubRunner{err: ErrSyncAlreadyRunning}, stubRunner{err: ErrSyncAlreadyRunning}},
			want:    ErrSyncAlreadyRunning,
		},
		{
			name:    "all idle returns no work",
			runners: []Runner{stubRunner{err: ErrNoEnabledIntegrations}, stubRunner{err: ErrNoIntegrationsDue}},
			want:    ErrNoEnabledIntegrations,
		},
		{
			name:    "busy beats idle",
			runners: []Runner{stubRunner{err: ErrSyncAlreadyRunning}, stubRunner{err: ErrNoIntegrationsDue}},
			want:    ErrSyncAlreadyRunning,
		},
		{
			name:    "wrapped no-work still counts as idle",
			runners: []Runner{stubRunner{err: fmt.Errorf("full lane: %w", ErrNoIntegrationsDue)}},
			want:    ErrNoEnabledIntegrations,
		},
		{
			name:    "no runners",
			runners: nil,
			want:    ErrNoEnabledIntegrations,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			runner := NewCompositeRunner(tt.runners...)
			err := runner.RunOnce(context.Background())
			if tt.want == nil {
				if err != nil {
					t.Fatalf("RunOnce() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("RunOnce() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCompositeRunnerSkipsNilRunners(t *testing.T) {
	t.Parallel()

	runner := NewCompositeRunner(nil, stubRunner{err: nil}, nil)
	if err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v, want nil", err)
	}
}

func TestIsOnlyNoWorkError(t *testing.T) {
	t.Parallel()

	hard := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain no-work", err: ErrNoIntegrationsDue, want: true},
		{name: "wrapped no-work", err: fmt.Errorf("lane: %w", ErrNoEnabledIntegrations), want: true},
		{name: "joined no-work", err: errors.Join(ErrNoIntegrationsDue, ErrNoEnabledIntegrations), want: true},
		{name: "hard error", err: hard, want: false},
		{name: "joined with hard error", err: errors.Join(ErrNoIntegrationsDue, hard), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOnlyNoWorkError(tt.err); got != tt.want {
				t.Fatalf("isOnlyNoWorkError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
