package health

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/providers/registry/registrytest"
	"github.com/junctionhq/junction/internal/store"
	"github.com/junctionhq/junction/internal/vault"
)

type markCall struct {
	id        uuid.UUID
	status    string
	lastError string
	rateLimit []byte
}

type fakeHealthStore struct {
	mu           sync.Mutex
	integrations map[uuid.UUID]store.Integration
	conns        map[uuid.UUID]store.Connection
	logs         []store.AppendIntegrationLogParams
	marks        []markCall
}

func newFakeHealthStore() *fakeHealthStore {
	return &fakeHealthStore{
		integrations: map[uuid.UUID]store.Integration{},
		conns:        map[uuid.UUID]store.Connection{},
	}
}

func (f *fakeHealthStore) addIntegration(integ store.Integration) store.Integration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if integ.ID == uuid.Nil {
		integ.ID = uuid.New()
	}
	if integ.Status == "" {
		integ.Status = store.IntegrationStatusActive
	}
	f.integrations[integ.ID] = integ
	return integ
}

func (f *fakeHealthStore) addConnection(conn store.Connection) store.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	if conn.Status == "" {
		conn.Status = store.ConnectionStatusConnected
	}
	f.conns[conn.ID] = conn
	return conn
}

func (f *fakeHealthStore) GetConnection(_ context.Context, id uuid.UUID) (store.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.conns[id]
	if !ok {
		return store.Connection{}, store.ErrNotFound
	}
	return conn, nil
}

func (f *fakeHealthStore) GetIntegration(_ context.Context, id uuid.UUID) (store.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	integ, ok := f.integrations[id]
	if !ok {
		return store.Integration{}, store.ErrNotFound
	}
	return integ, nil
}

func (f *fakeHealthStore) ListConnectionsWithCredentialsByOrganization(_ context.Context, orgID uuid.UUID) ([]store.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Connection
	for _, conn := range f.conns {
		integ, ok := f.integrations[conn.IntegrationID]
		if !ok || integ.OrganizationID != orgID || !conn.HasCredentials() {
			continue
		}
		out = append(out, conn)
	}
	return out, nil
}

func (f *fakeHealthStore) MarkConnectionTested(_ context.Context, id uuid.UUID, status, lastError string, at time.Time, rateLimit []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.conns[id]
	if !ok {
		return store.ErrNotFound
	}
	conn.Status = status
	conn.LastError = lastError
	if status == store.ConnectionStatusConnected {
		conn.LastConnectedAt = &at
	}
	if rateLimit != nil {
		conn.RateLimit = rateLimit
	}
	f.conns[id] = conn
	f.marks = append(f.marks, markCall{id: id, status: status, lastError: lastError, rateLimit: rateLimit})
	return nil
}

func (f *fakeHealthStore) UpdateIntegrationStatus(_ context.Context, id uuid.UUID, status, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	integ, ok := f.integrations[id]
	if !ok {
		return store.ErrNotFound
	}
	integ.Status = status
	integ.LastError = lastError
	f.integrations[id] = integ
	return nil
}

func (f *fakeHealthStore) AppendIntegrationLog(_ context.Context, p store.AppendIntegrationLogParams) (store.IntegrationLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, p)
	return store.IntegrationLog{ID: uuid.New()}, nil
}

func (f *fakeHealthStore) lastLog(t *testing.T, action string) store.AppendIntegrationLogParams {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.logs) - 1; i >= 0; i-- {
		if f.logs[i].Action == action {
			return f.logs[i]
		}
	}
	t.Fatalf("no %q log row", action)
	return store.AppendIntegrationLogParams{}
}

func testVault(t *testing.T) *vault.Service {
	t.Helper()
	svc, err := vault.NewService(vault.KeyMaterial{Primary: "unit-master"}, vault.MinIterations, 0)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func testService(t *testing.T, p *registrytest.Provider, st *fakeHealthStore, cfg Config) *Service {
	t.Helper()
	reg := registry.New()
	reg.Register(p)
	return NewService(reg, st, testVault(t), slog.New(slog.DiscardHandler), cfg)
}

func sealCredentials(t *testing.T, svc *vault.Service, creds registry.Credentials) (string, []byte) {
	t.Helper()
	payload, meta, err := svc.EncryptCredentials(creds)
	if err != nil {
		t.Fatalf("EncryptCredentials: %v", err)
	}
	raw, err := meta.Encode()
	if err != nil {
		t.Fatalf("Encode metadata: %v", err)
	}
	return payload, raw
}

func TestTestOneWritesBackStatuses(t *testing.T) {
	t.Parallel()

	reset := time.Now().Add(time.Minute).UTC()
	p := registrytest.New("acme")
	p.TestConnectionFunc = func(_ context.Context, creds registry.Credentials, _ registry.Config) registry.TestResult {
		if creds.AccessToken != "tok" {
			t.Errorf("AccessToken = %q, want decrypted token", creds.AccessToken)
		}
		return registry.TestResult{
			Success:   true,
			Message:   "authenticated",
			RateLimit: &registry.RateLimit{Limit: 100, Remaining: 97, ResetAt: reset},
		}
	}
	st := newFakeHealthStore()
	integ := st.addIntegration(store.Integration{Provider: "acme", Status: store.IntegrationStatusError, LastError: "stale"})
	svc := testService(t, p, st, Config{})

	payload, meta := sealCredentials(t, svc.secrets, registry.Credentials{AccessToken: "tok"})
	conn := st.addConnection(store.Connection{
		IntegrationID:  integ.ID,
		Status:         store.ConnectionStatusError,
		Credentials:    payload,
		CredentialMeta: meta,
	})

	result, err := svc.TestOne(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("TestOne: %v", err)
	}
	if !result.Success || result.Status != store.ConnectionStatusConnected {
		t.Fatalf("result = %+v, want successful connected", result)
	}
	if result.RateLimit == nil || result.RateLimit.Remaining != 97 {
		t.Fatalf("RateLimit = %+v", result.RateLimit)
	}

	got, _ := st.GetConnection(context.Background(), conn.ID)
	if got.Status != store.ConnectionStatusConnected || got.LastError != "" {
		t.Fatalf("connection = %q/%q, want connected with cleared error", got.Status, got.LastError)
	}
	if got.LastConnectedAt == nil {
		t.Fatal("LastConnectedAt not stamped")
	}
	if !strings.Contains(string(got.RateLimit), `"remaining":97`) {
		t.Fatalf("stored rate limit = %s", got.RateLimit)
	}
	gotInteg, _ := st.GetIntegration(context.Background(), integ.ID)
	if gotInteg.Status != store.IntegrationStatusActive || gotInteg.LastError != "" {
		t.Fatalf("integration = %q/%q, want active", gotInteg.Status, gotInteg.LastError)
	}
	if row := st.lastLog(t, "connection_tested"); row.Status != store.LogStatusSuccess || row.DurationMS == nil {
		t.Fatalf("connection_tested row = %+v", row)
	}
}

func TestTestOneFailureMarksBoth(t *testing.T) {
	t.Parallel()

	p := registrytest.New("acme")
	p.TestConnectionFunc = func(context.Context, registry.Credentials, registry.Config) registry.TestResult {
		return registry.TestResult{Success: false, Message: "token revoked"}
	}
	st := newFakeHealthStore()
	integ := st.addIntegration(store.Integration{Provider: "acme"})
	svc := testService(t, p, st, Config{})

	payload, meta := sealCredentials(t, svc.secrets, registry.Credentials{AccessToken: "tok"})
	conn := st.addConnection(store.Connection{IntegrationID: integ.ID, Credentials: payload, CredentialMeta: meta})

	result, err := svc.TestOne(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("TestOne: %v", err)
	}
	if result.Success || result.Status != store.ConnectionStatusError {
		t.Fatalf("result = %+v, want failed error", result)
	}

	got, _ := st.GetConnection(context.Background(), conn.ID)
	if got.Status != store.ConnectionStatusError || got.LastError != "token revoked" {
		t.Fatalf("connection = %q/%q", got.Status, got.LastError)
	}
	gotInteg, _ := st.GetIntegration(context.Background(), integ.ID)
	if gotInteg.Status != store.IntegrationStatusError || gotInteg.LastError != "token revoked" {
		t.Fatalf("integration = %q/%q", gotInteg.Status, gotInteg.LastError)
	}
	if row := st.lastLog(t, "connection_tested"); row.ErrorDetail != "token revoked" {
		t.Fatalf("connection_tested row = %+v", row)
	}
}

func TestTestOneSkipsRetiredConnection(t *testing.T) {
	t.Parallel()

	st := newFakeHealthStore()
	integ := st.addIntegration(store.Integration{Provider: "acme"})
	svc := testService(t, registrytest.New("acme"), st, Config{})

	conn := st.addConnection(store.Connection{
		IntegrationID: integ.ID,
		Status:        store.ConnectionStatusDisconnected,
	})

	result, err := svc.TestOne(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("TestOne: %v", err)
	}
	if result.Success {
		t.Fatal("retired connection tested successfully")
	}
	if len(st.marks) != 0 {
		t.Fatalf("marks = %d, retired connection must not be written", len(st.marks))
	}
}

func TestTestManyBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var live, peak int
	p := registrytest.New("acme")
	p.TestConnectionFunc = func(context.Context, registry.Credentials, registry.Config) registry.TestResult {
		mu.Lock()
		live++
		if live > peak {
			peak = live
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		live--
		mu.Unlock()
		return registry.TestResult{Success: true, Message: "ok"}
	}
	st := newFakeHealthStore()
	integ := st.addIntegration(store.Integration{Provider: "acme"})
	svc := testService(t, p, st, Config{})

	payload, meta := sealCredentials(t, svc.secrets, registry.Credentials{AccessToken: "tok"})
	ids := make([]uuid.UUID, 0, 23)
	for range 23 {
		conn := st.addConnection(store.Connection{IntegrationID: integ.ID, Credentials: payload, CredentialMeta: meta})
		ids = append(ids, conn.ID)
	}

	results := svc.TestMany(context.Background(), ids)
	if len(results) != 23 {
		t.Fatalf("results = %d, want 23", len(results))
	}
	for id, result := range results {
		if !result.Success {
			t.Fatalf("connection %s failed: %+v", id, result)
		}
	}
	if peak > defaultChunkWidth {
		t.Fatalf("peak concurrency = %d, want at most %d", peak, defaultChunkWidth)
	}
}

func TestTestManyFoldsResolutionErrors(t *testing.T) {
	t.Parallel()

	st := newFakeHealthStore()
	integ := st.addIntegration(store.Integration{Provider: "acme"})
	svc := testService(t, registrytest.New("acme"), st, Config{})

	payload, meta := sealCredentials(t, svc.secrets, registry.Credentials{AccessToken: "tok"})
	conn := st.addConnection(store.Connection{IntegrationID: integ.ID, Credentials: payload, CredentialMeta: meta})
	ghost := uuid.New()

	results := svc.TestMany(context.Background(), []uuid.UUID{conn.ID, ghost})
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if !results[conn.ID].Success {
		t.Fatalf("real connection failed: %+v", results[conn.ID])
	}
	missing := results[ghost]
	if missing.Success || missing.Message == "" {
		t.Fatalf("ghost result = %+v, want folded error", missing)
	}
}

func TestRunHealthChecksFiltersAndCounts(t *testing.T) {
	t.Parallel()

	p := registrytest.New("acme")
	p.TestConnectionFunc = func(_ context.Context, creds registry.Credentials, _ registry.Config) registry.TestResult {
		if creds.AccessToken == "bad" {
			return registry.TestResult{Success: false, Message: "expired token"}
		}
		return registry.TestResult{Success: true, Message: "ok"}
	}
	st := newFakeHealthStore()
	orgID := uuid.New()
	integ := st.addIntegration(store.Integration{Provider: "acme", OrganizationID: orgID})
	svc := testService(t, p, st, Config{ChunkWidth: 2, BatchDelay: time.Millisecond})

	goodPayload, goodMeta := sealCredentials(t, svc.secrets, registry.Credentials{AccessToken: "good"})
	badPayload, badMeta := sealCredentials(t, svc.secrets, registry.Credentials{AccessToken: "bad"})

	healthy := st.addConnection(store.Connection{IntegrationID: integ.ID, Credentials: goodPayload, CredentialMeta: goodMeta})
	recovering := st.addConnection(store.Connection{IntegrationID: integ.ID, Status: store.ConnectionStatusError, Credentials: goodPayload, CredentialMeta: goodMeta})
	failing := st.addConnection(store.Connection{IntegrationID: integ.ID, Credentials: badPayload, CredentialMeta: badMeta})
	expired := st.addConnection(store.Connection{IntegrationID: integ.ID, Status: store.ConnectionStatusExpired, Credentials: goodPayload, CredentialMeta: goodMeta})
	retired := st.addConnection(store.Connection{IntegrationID: integ.ID, Status: store.ConnectionStatusDisconnected, Credentials: goodPayload, CredentialMeta: goodMeta})

	report, err := svc.RunHealthChecks(context.Background(), orgID)
	if err != nil {
		t.Fatalf("RunHealthChecks: %v", err)
	}
	if report.Tested != 3 || report.Passed != 2 || report.Failed != 1 {
		t.Fatalf("report = %+v, want 3 tested, 2 passed, 1 failed", report)
	}
	if len(report.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(report.Results))
	}
	for _, result := range report.Results {
		if result.ConnectionID == expired.ID || result.ConnectionID == retired.ID {
			t.Fatalf("swept status-filtered connection %s", result.ConnectionID)
		}
	}

	if got, _ := st.GetConnection(context.Background(), recovering.ID); got.Status != store.ConnectionStatusConnected {
		t.Fatalf("recovering connection = %q, want connected", got.Status)
	}
	if got, _ := st.GetConnection(context.Background(), failing.ID); got.Status != store.ConnectionStatusError || got.LastError != "expired token" {
		t.Fatalf("failing connection = %q/%q", got.Status, got.LastError)
	}
	if got, _ := st.GetConnection(context.Background(), healthy.ID); got.Status != store.ConnectionStatusConnected {
		t.Fatalf("healthy connection = %q", got.Status)
	}
}

func TestCapabilitiesProbesEachClaim(t *testing.T) {
	t.Parallel()

	p := registrytest.New("acme")
	p.ProviderMeta.Capabilities = []string{registry.CapabilityRead, registry.CapabilityWrite, registry.CapabilityWebhooks}
	p.ProviderMeta.CapabilityProbes = map[string]string{
		registry.CapabilityRead:  "probe_read",
		registry.CapabilityWrite: "probe_write",
	}
	p.ProviderMeta.SupportsRefresh = true
	p.ExecuteActionFunc = func(_ context.Context, action string, _ registry.Credentials, _ registry.Config, _ map[string]any) (any, error) {
		if action == "probe_write" {
			return nil, errors.New("missing_scope admin")
		}
		return map[string]any{"ok": true}, nil
	}
	st := newFakeHealthStore()
	integ := st.addIntegration(store.Integration{Provider: "acme"})
	svc := testService(t, p, st, Config{})

	payload, meta := sealCredentials(t, svc.secrets, registry.Credentials{AccessToken: "tok"})
	conn := st.addConnection(store.Connection{IntegrationID: integ.ID, Credentials: payload, CredentialMeta: meta})

	report := svc.TestCapabilities(context.Background(), conn.ID)
	if !report.Healthy {
		t.Fatalf("report = %+v, want healthy", report)
	}
	if !report.Permissions[registry.CapabilityRead] || report.Permissions[registry.CapabilityWrite] {
		t.Fatalf("Permissions = %v, want read allowed and write denied", report.Permissions)
	}
	// No probe action for webhooks, so it is assumed on a healthy
	// connection.
	if !report.Permissions[registry.CapabilityWebhooks] {
		t.Fatalf("Permissions = %v, want webhooks assumed", report.Permissions)
	}
	if len(report.Limitations) != 1 || !strings.Contains(report.Limitations[0], "missing_scope") {
		t.Fatalf("Limitations = %v", report.Limitations)
	}
	if len(report.Recommendations) != 2 {
		t.Fatalf("Recommendations = %v, want scope review and offline access", report.Recommendations)
	}
}

func TestCapabilitiesNeverErrors(t *testing.T) {
	t.Parallel()

	t.Run("unknown connection", func(t *testing.T) {
		t.Parallel()
		st := newFakeHealthStore()
		svc := testService(t, registrytest.New("acme"), st, Config{})

		report := svc.TestCapabilities(context.Background(), uuid.New())
		if report.Healthy || len(report.Limitations) == 0 {
			t.Fatalf("report = %+v, want unhealthy with limitation", report)
		}
	})

	t.Run("failing basic test", func(t *testing.T) {
		t.Parallel()
		p := registrytest.New("acme")
		p.TestConnectionFunc = func(context.Context, registry.Credentials, registry.Config) registry.TestResult {
			return registry.TestResult{Success: false, Message: "dead token"}
		}
		st := newFakeHealthStore()
		integ := st.addIntegration(store.Integration{Provider: "acme"})
		svc := testService(t, p, st, Config{})

		payload, meta := sealCredentials(t, svc.secrets, registry.Credentials{AccessToken: "tok"})
		conn := st.addConnection(store.Connection{IntegrationID: integ.ID, Credentials: payload, CredentialMeta: meta})

		report := svc.TestCapabilities(context.Background(), conn.ID)
		if report.Healthy {
			t.Fatal("report healthy despite failing test")
		}
		if len(report.Recommendations) == 0 || !strings.Contains(report.Recommendations[0], "re-authorize") {
			t.Fatalf("Recommendations = %v", report.Recommendations)
		}
	})
}
