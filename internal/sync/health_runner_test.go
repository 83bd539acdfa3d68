package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/junctionhq/junction/internal/health"
	"github.com/junctionhq/junction/internal/store"
)

type fakeHealthStore struct {
	integrations []store.Integration
	err          error
}

func (f *fakeHealthStore) ListIntegrations(context.Context) ([]store.Integration, error) {
	return f.integrations, f.err
}

type fakeHealthChecker struct {
	mu      sync.Mutex
	calls   []uuid.UUID
	reports map[uuid.UUID]health.CheckReport
	errs    map[uuid.UUID]error
}

func (f *fakeHealthChecker) RunHealthChecks(_ context.Context, orgID uuid.UUID) (health.CheckReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, orgID)
	if err := f.errs[orgID]; err != nil {
		return health.CheckReport{}, err
	}
	return f.reports[orgID], nil
}

func TestHealthRunnerSweepsEachOrganizationOnce(t *testing.T) {
	t.Parallel()

	orgA := uuid.New()
	orgB := uuid.New()
	st := &fakeHealthStore{integrations: []store.Integration{
		{ID: uuid.New(), OrganizationID: orgA},
		{ID: uuid.New(), OrganizationID: orgB},
		{ID: uuid.New(), OrganizationID: orgA},
	}}
	checker := &fakeHealthChecker{reports: map[uuid.UUID]health.CheckReport{
		orgA: {Tested: 2, Passed: 2},
		orgB: {Tested: 1, Failed: 1},
	}}
	r := NewHealthRunner(checker, st, slog.New(slog.DiscardHandler))

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(checker.calls) != 2 || checker.calls[0] != orgA || checker.calls[1] != orgB {
		t.Fatalf("sweeps = %v, want one per organization in first-seen order", checker.calls)
	}
}

func TestHealthRunnerNoIntegrations(t *testing.T) {
	t.Parallel()

	r := NewHealthRunner(&fakeHealthChecker{}, &fakeHealthStore{}, slog.New(slog.DiscardHandler))
	if err := r.RunOnce(context.Background()); !errors.Is(err, ErrNoEnabledIntegrations) {
		t.Fatalf("err = %v, want ErrNoEnabledIntegrations", err)
	}
}

func TestHealthRunnerJoinsSweepFailures(t *testing.T) {
	t.Parallel()

	orgA := uuid.New()
	orgB := uuid.New()
	st := &fakeHealthStore{integrations: []store.Integration{
		{ID: uuid.New(), OrganizationID: orgA},
		{ID: uuid.New(), OrganizationID: orgB},
	}}
	boom := errors.New("provider down")
	checker := &fakeHealthChecker{errs: map[uuid.UUID]error{orgA: boom}}
	r := NewHealthRunner(checker, st, slog.New(slog.DiscardHandler))

	err := r.RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the sweep failure surfaced", err)
	}
	if len(checker.calls) != 2 {
		t.Fatalf("sweeps = %v, want the second organization still swept", checker.calls)
	}
}
