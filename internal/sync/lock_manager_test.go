package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/junctionhq/junction/internal/store"
)

type fakeLeaseStore struct {
	mu       sync.Mutex
	denials  int
	acquires []store.TryAcquireSyncLeaseParams
	renews   []store.RenewSyncLeaseParams
	releases []uuid.UUID
	renewErr error
}

func (f *fakeLeaseStore) TryAcquireSyncLease(_ context.Context, p store.TryAcquireSyncLeaseParams) (store.SyncLease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires = append(f.acquires, p)
	if f.denials > 0 {
		f.denials--
		return store.SyncLease{}, store.ErrNotFound
	}
	return store.SyncLease{
		ScopeKind:        p.ScopeKind,
		ScopeName:        p.ScopeName,
		HolderInstanceID: p.HolderInstanceID,
		HolderToken:      p.HolderToken,
	}, nil
}

func (f *fakeLeaseStore) RenewSyncLease(_ context.Context, p store.RenewSyncLeaseParams) (store.SyncLease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews = append(f.renews, p)
	if f.renewErr != nil {
		return store.SyncLease{}, f.renewErr
	}
	return store.SyncLease{ScopeKind: p.ScopeKind, ScopeName: p.ScopeName, HolderToken: p.HolderToken}, nil
}

func (f *fakeLeaseStore) ReleaseSyncLease(_ context.Context, _, _ string, holderToken uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, holderToken)
	return nil
}

func (f *fakeLeaseStore) acquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acquires)
}

func (f *fakeLeaseStore) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.renews)
}

func TestNewLockManagerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewLockManager(nil, &fakeLeaseStore{}, LockManagerConfig{Mode: "lease"}); err != nil {
		t.Fatalf("lease mode with a store: %v", err)
	}
	if _, err := NewLockManager(nil, nil, LockManagerConfig{Mode: "lease"}); err == nil {
		t.Fatal("lease mode without a store must fail")
	}
	if _, err := NewLockManager(nil, nil, LockManagerConfig{Mode: "advisory"}); err == nil {
		t.Fatal("advisory mode without a pool must fail")
	}
	if _, err := NewLockManager(nil, &fakeLeaseStore{}, LockManagerConfig{Mode: "optimistic"}); err == nil {
		t.Fatal("unknown mode must fail")
	}
}

func TestLeaseLockManagerTryAcquire(t *testing.T) {
	t.Parallel()

	fake := &fakeLeaseStore{}
	m, err := NewLockManager(nil, fake, LockManagerConfig{
		Mode:       LockModeLease,
		InstanceID: "worker-1",
		TTL:        90 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewLockManager: %v", err)
	}

	lock, ok, err := m.TryAcquire(context.Background(), " Sync ", " Runonce_Full ")
	if err != nil || !ok {
		t.Fatalf("TryAcquire() = (%v, %v), want a granted lock", ok, err)
	}
	if lock.ScopeKind() != "sync" || lock.ScopeName() != "runonce_full" {
		t.Fatalf("scope = %s/%s, want normalized sync/runonce_full", lock.ScopeKind(), lock.ScopeName())
	}

	p := fake.acquires[0]
	if p.ScopeKind != "sync" || p.ScopeName != "runonce_full" {
		t.Fatalf("stored scope = %s/%s", p.ScopeKind, p.ScopeName)
	}
	if p.HolderInstanceID != "worker-1" || p.HolderToken == uuid.Nil {
		t.Fatalf("holder = %s/%s, want the configured instance with a fresh token", p.HolderInstanceID, p.HolderToken)
	}
	if p.LeaseSeconds != 90 {
		t.Fatalf("lease seconds = %d, want 90", p.LeaseSeconds)
	}

	if err := lock.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(fake.releases) != 1 || fake.releases[0] != p.HolderToken {
		t.Fatalf("releases = %v, want the holder token", fake.releases)
	}
}

func TestLeaseLockManagerTryAcquireHeld(t *testing.T) {
	t.Parallel()

	fake := &fakeLeaseStore{denials: 1}
	m, err := NewLockManager(nil, fake, LockManagerConfig{Mode: LockModeLease})
	if err != nil {
		t.Fatalf("NewLockManager: %v", err)
	}

	lock, ok, err := m.TryAcquire(context.Background(), "sync", "scope")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if ok || lock != nil {
		t.Fatal("a held lease must come back as not acquired, not as an error")
	}
}

func TestLeaseLockManagerAcquireWaitsForLease(t *testing.T) {
	t.Parallel()

	fake := &fakeLeaseStore{denials: 1}
	m, err := NewLockManager(nil, fake, LockManagerConfig{Mode: LockModeLease})
	if err != nil {
		t.Fatalf("NewLockManager: %v", err)
	}

	lock, err := m.Acquire(context.Background(), "sync", "scope")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lock == nil || fake.acquireCount() != 2 {
		t.Fatalf("attempts = %d, want a retry after the held lease", fake.acquireCount())
	}
}

func TestLeaseLockManagerAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	fake := &fakeLeaseStore{denials: 1 << 30}
	m, err := NewLockManager(nil, fake, LockManagerConfig{Mode: LockModeLease})
	if err != nil {
		t.Fatalf("NewLockManager: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, "sync", "scope"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want the context deadline", err)
	}
}

func TestLeaseLockHeartbeatRenews(t *testing.T) {
	t.Parallel()

	fake := &fakeLeaseStore{}
	m := &leaseLockManager{
		leases:           fake,
		instanceID:       "worker-1",
		ttlSeconds:       30,
		heartbeatEvery:   2 * time.Millisecond,
		heartbeatTimeout: time.Second,
	}
	lock, ok, err := m.TryAcquire(context.Background(), "sync", "scope")
	if err != nil || !ok {
		t.Fatalf("TryAcquire() = (%v, %v)", ok, err)
	}

	stop := lock.StartHeartbeat(context.Background(), nil)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for fake.renewCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat never renewed the lease")
		}
		time.Sleep(time.Millisecond)
	}

	fake.mu.Lock()
	renew := fake.renews[0]
	token := fake.acquires[0].HolderToken
	fake.mu.Unlock()
	if renew.HolderToken != token || renew.ScopeName != "scope" || renew.LeaseSeconds != 30 {
		t.Fatalf("renew params = %+v", renew)
	}
}

func TestLeaseLockHeartbeatReportsLoss(t *testing.T) {
	t.Parallel()

	fake := &fakeLeaseStore{renewErr: store.ErrNotFound}
	m := &leaseLockManager{
		leases:           fake,
		instanceID:       "worker-1",
		ttlSeconds:       30,
		heartbeatEvery:   2 * time.Millisecond,
		heartbeatTimeout: time.Second,
	}
	lock, ok, err := m.TryAcquire(context.Background(), "sync", "scope")
	if err != nil || !ok {
		t.Fatalf("TryAcquire() = (%v, %v)", ok, err)
	}

	lost := make(chan error, 1)
	stop := lock.StartHeartbeat(context.Background(), func(err error) { lost <- err })
	defer stop()

	select {
	case err := <-lost:
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("loss error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lost lease was never reported")
	}
}

func TestLockKeyStability(t *testing.T) {
	t.Parallel()

	if lockKey("Sync", " Runonce_Full ") != lockKey("sync", "runonce_full") {
		t.Fatal("lock keys must be case and whitespace insensitive")
	}
	if lockKey("sync", "runonce_full") == lockKey("sync", "runonce_incremental") {
		t.Fatal("distinct scopes collided")
	}
	if lockKey("integration", "a") == lockKey("integrationa", "") {
		t.Fatal("kind and name must hash as separate fields")
	}
}
