package vault

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/store"
)

func testService(t *testing.T, material KeyMaterial) *Service {
	t.Helper()
	svc, err := NewService(material, MinIterations, 0)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestServiceEncryptStampsMetadata(t *testing.T) {
	t.Parallel()

	svc := testService(t, KeyMaterial{Version: "v2", Primary: "current-key"})
	fixed := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	payload, meta, err := svc.Encrypt([]byte("plaintext"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if payload == "" {
		t.Fatal("empty payload")
	}
	if meta.KeyVersion != "v2" {
		t.Fatalf("KeyVersion = %q, want v2", meta.KeyVersion)
	}
	if !meta.EncryptedAt.Equal(fixed) {
		t.Fatalf("EncryptedAt = %v, want %v", meta.EncryptedAt, fixed)
	}
}

func TestServiceDecryptsWithPreviousKeys(t *testing.T) {
	t.Parallel()

	oldSvc := testService(t, KeyMaterial{Version: "v1", Primary: "old-key"})
	sealed, _, err := oldSvc.Encrypt([]byte(`{"access_token":"tok"}`))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	newSvc := testService(t, KeyMaterial{Version: "v2", Primary: "new-key", Previous: []string{"old-key"}})
	opened, err := newSvc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt with previous key: %v", err)
	}
	if string(opened) != `{"access_token":"tok"}` {
		t.Fatalf("plaintext = %q", opened)
	}

	// Without the previous key the payload must stay sealed.
	lonely := testService(t, KeyMaterial{Version: "v2", Primary: "new-key"})
	if _, err := lonely.Decrypt(sealed); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
}

func TestServiceCredentialsRoundTrip(t *testing.T) {
	t.Parallel()

	svc := testService(t, KeyMaterial{Primary: "master"})
	in := registry.Credentials{
		AccessToken: "xoxb-1",
		Extras:      map[string]string{"team_id": "T1"},
	}
	payload, _, err := svc.EncryptCredentials(in)
	if err != nil {
		t.Fatalf("EncryptCredentials: %v", err)
	}
	out, err := svc.DecryptCredentials(payload)
	if err != nil {
		t.Fatalf("DecryptCredentials: %v", err)
	}
	if out.AccessToken != in.AccessToken || out.Extras["team_id"] != "T1" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestNeedsRotation(t *testing.T) {
	t.Parallel()

	svc := testService(t, KeyMaterial{Version: "v2", Primary: "key"})
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	fresh := Metadata{KeyVersion: "v2", EncryptedAt: now.Add(-24 * time.Hour)}
	if svc.NeedsRotation(fresh, now) {
		t.Fatal("day-old current-key payload should not need rotation")
	}

	oldVersion := Metadata{KeyVersion: "v1", EncryptedAt: now.Add(-time.Hour)}
	if !svc.NeedsRotation(oldVersion, now) {
		t.Fatal("non-current key version must need rotation")
	}

	stale := Metadata{KeyVersion: "v2", EncryptedAt: now.Add(-91 * 24 * time.Hour)}
	if !svc.NeedsRotation(stale, now) {
		t.Fatal("payload older than the interval must need rotation")
	}

	rotated := Metadata{
		KeyVersion:  "v2",
		EncryptedAt: now.Add(-120 * 24 * time.Hour),
		RotatedAt:   timePtr(now.Add(-time.Hour)),
	}
	if svc.NeedsRotation(rotated, now) {
		t.Fatal("recently rotated payload should not need rotation")
	}

	if !svc.NeedsRotation(Metadata{}, now) {
		t.Fatal("metadata-less payload must read as stale")
	}
}

func timePtr(t time.Time) *time.Time { return &t }

// fakeConnStore is an in-memory connectionStore.
type fakeConnStore struct {
	mu    sync.Mutex
	conns map[uuid.UUID]store.Connection
	order []uuid.UUID
	logs  []store.AppendIntegrationLogParams
}

func newFakeConnStore() *fakeConnStore {
	return &fakeConnStore{conns: map[uuid.UUID]store.Connection{}}
}

func (f *fakeConnStore) add(conn store.Connection) {
	f.conns[conn.ID] = conn
	f.order = append(f.order, conn.ID)
}

func (f *fakeConnStore) GetConnection(_ context.Context, id uuid.UUID) (store.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.conns[id]
	if !ok {
		return store.Connection{}, store.ErrNotFound
	}
	return conn, nil
}

func (f *fakeConnStore) ListConnectionsWithCredentialsByOrganization(_ context.Context, _ uuid.UUID) ([]store.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Connection
	for _, id := range f.order {
		if conn := f.conns[id]; conn.HasCredentials() {
			out = append(out, conn)
		}
	}
	return out, nil
}

func (f *fakeConnStore) UpdateConnectionCredentials(_ context.Context, id uuid.UUID, credentials string, meta []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.conns[id]
	if !ok {
		return store.ErrNotFound
	}
	conn.Credentials = credentials
	conn.CredentialMeta = meta
	f.conns[id] = conn
	return nil
}

func (f *fakeConnStore) AppendIntegrationLog(_ context.Context, p store.AppendIntegrationLogParams) (store.IntegrationLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, p)
	return store.IntegrationLog{ID: uuid.New()}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func sealedConnection(t *testing.T, svc *Service, id uuid.UUID, plaintext string) store.Connection {
	t.Helper()
	payload, meta, err := svc.Encrypt([]byte(plaintext))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	rawMeta, err := meta.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return store.Connection{
		ID:             id,
		IntegrationID:  uuid.New(),
		Status:         store.ConnectionStatusConnected,
		Credentials:    payload,
		CredentialMeta: rawMeta,
	}
}

func TestRotateReEncryptsUnderPrimary(t *testing.T) {
	t.Parallel()

	oldSvc := testService(t, KeyMaterial{Version: "v1", Primary: "old-key"})
	newSvc := testService(t, KeyMaterial{Version: "v2", Primary: "new-key", Previous: []string{"old-key"}})

	id := uuid.New()
	fake := newFakeConnStore()
	fake.add(sealedConnection(t, oldSvc, id, `{"api_key":"sk_1"}`))
	before := fake.conns[id].Credentials

	rot := NewRotator(newSvc, fake, discardLogger())
	if !rot.Rotate(context.Background(), id) {
		t.Fatal("Rotate reported failure")
	}

	after := fake.conns[id]
	if after.Credentials == before {
		t.Fatal("payload unchanged after rotation")
	}
	meta, err := DecodeMetadata(after.CredentialMeta)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if meta.KeyVersion != "v2" {
		t.Fatalf("KeyVersion = %q, want v2", meta.KeyVersion)
	}
	if meta.RotatedAt == nil {
		t.Fatal("RotatedAt not set")
	}

	// The rotated payload must now open without the previous key.
	lonely := testService(t, KeyMaterial{Version: "v2", Primary: "new-key"})
	opened, err := lonely.Decrypt(after.Credentials)
	if err != nil {
		t.Fatalf("Decrypt after rotation: %v", err)
	}
	if string(opened) != `{"api_key":"sk_1"}` {
		t.Fatalf("plaintext = %q", opened)
	}

	if len(fake.logs) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(fake.logs))
	}
	if fake.logs[0].Action != "credential_rotated" || fake.logs[0].Status != store.LogStatusSuccess {
		t.Fatalf("audit row = %+v", fake.logs[0])
	}
}

func TestRotateSwallowsFailures(t *testing.T) {
	t.Parallel()

	svc := testService(t, KeyMaterial{Version: "v1", Primary: "key"})
	fake := newFakeConnStore()
	rot := NewRotator(svc, fake, discardLogger())

	if rot.Rotate(context.Background(), uuid.New()) {
		t.Fatal("rotating an unknown connection must report failure, not panic")
	}

	brokenID := uuid.New()
	fake.add(store.Connection{ID: brokenID, IntegrationID: uuid.New(), Credentials: "garbage-payload"})
	if rot.Rotate(context.Background(), brokenID) {
		t.Fatal("rotating an unreadable payload must report failure")
	}
	if len(fake.logs) != 1 || fake.logs[0].Status != store.LogStatusError {
		t.Fatalf("audit rows = %+v, want one error row", fake.logs)
	}
}

func TestBulkRotateRotatesOnlyStale(t *testing.T) {
	t.Parallel()

	svc := testService(t, KeyMaterial{Version: "v2", Primary: "key"})

	fake := newFakeConnStore()
	freshID, staleID, brokenID := uuid.New(), uuid.New(), uuid.New()
	fake.add(sealedConnection(t, svc, freshID, `{"a":1}`))

	stale := sealedConnection(t, svc, staleID, `{"b":2}`)
	staleMeta := Metadata{KeyVersion: "v1", EncryptedAt: time.Now().Add(-200 * 24 * time.Hour)}
	stale.CredentialMeta, _ = staleMeta.Encode()
	fake.add(stale)

	// No metadata reads as maximally stale, and the payload cannot be
	// opened, so this one must land in Failed.
	fake.add(store.Connection{ID: brokenID, IntegrationID: uuid.New(), Credentials: "garbage-payload"})

	rot := NewRotator(svc, fake, discardLogger())
	report, err := rot.BulkRotate(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("BulkRotate: %v", err)
	}
	if report.Rotated != 1 {
		t.Fatalf("Rotated = %d, want 1 (the stale payload)", report.Rotated)
	}
	if report.Failed != 1 {
		t.Fatalf("Failed = %d, want 1 (the broken payload)", report.Failed)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("Errors = %v, want one entry", report.Errors)
	}

	fresh := fake.conns[freshID]
	meta, err := DecodeMetadata(fresh.CredentialMeta)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if meta.RotatedAt != nil {
		t.Fatal("fresh payload must not be touched by the sweep")
	}
}

func TestCredentialHealthCounts(t *testing.T) {
	t.Parallel()

	oldSvc := testService(t, KeyMaterial{Version: "v1", Primary: "old-key"})
	newSvc := testService(t, KeyMaterial{Version: "v2", Primary: "new-key", Previous: []string{"old-key"}})
	now := time.Now().UTC()

	fake := newFakeConnStore()
	fake.add(sealedConnection(t, newSvc, uuid.New(), `{}`))

	dated := sealedConnection(t, oldSvc, uuid.New(), `{}`)
	fake.add(dated)

	lapsed := sealedConnection(t, newSvc, uuid.New(), `{}`)
	lapsed.TokenExpiresAt = timePtr(now.Add(-time.Hour))
	fake.add(lapsed)

	errored := sealedConnection(t, newSvc, uuid.New(), `{}`)
	errored.Status = store.ConnectionStatusError
	fake.add(errored)

	rot := NewRotator(newSvc, fake, discardLogger())
	health, err := rot.CredentialHealth(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("CredentialHealth: %v", err)
	}
	if health.Total != 4 {
		t.Fatalf("Total = %d, want 4", health.Total)
	}
	// The fresh payload and the old-key payload are both connected with
	// live tokens.
	if health.Active != 2 {
		t.Fatalf("Active = %d, want 2", health.Active)
	}
	if health.Expired != 1 {
		t.Fatalf("Expired = %d, want 1", health.Expired)
	}
	if health.NeedsRotation != 1 {
		t.Fatalf("NeedsRotation = %d, want 1 (the v1 payload)", health.NeedsRotation)
	}
	if health.Errors != 1 {
		t.Fatalf("Errors = %d, want 1", health.Errors)
	}
}
