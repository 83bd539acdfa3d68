package webhooks

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/providers/registry/registrytest"
	"github.com/junctionhq/junction/internal/store"
)

type fakeVerifierStore struct {
	mu           sync.Mutex
	integrations map[uuid.UUID]store.Integration
	logs         []store.AppendIntegrationLogParams
}

func newFakeVerifierStore() *fakeVerifierStore {
	return &fakeVerifierStore{integrations: map[uuid.UUID]store.Integration{}}
}

func (f *fakeVerifierStore) GetIntegration(_ context.Context, id uuid.UUID) (store.Integration, error) {
	integ, ok := f.integrations[id]
	if !ok {
		return store.Integration{}, store.ErrNotFound
	}
	return integ, nil
}

func (f *fakeVerifierStore) AppendIntegrationLog(_ context.Context, p store.AppendIntegrationLogParams) (store.IntegrationLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, p)
	return store.IntegrationLog{ID: uuid.New(), IntegrationID: p.IntegrationID}, nil
}

func signatureProvider(kind string) *registrytest.Provider {
	p := registrytest.New(kind)
	p.ProviderMeta.SignatureHeader = "X-Test-Signature"
	p.VerifySignatureFunc = func(payload []byte, signature, secret string) bool {
		return VerifyHMACHex(payload, signature, secret)
	}
	p.ParseWebhookEventFunc = func(_ string, payload []byte) (map[string]any, error) {
		return map[string]any{"event_type": "message.posted", "raw": string(payload)}, nil
	}
	return p
}

func verifierFixture(t *testing.T) (*Verifier, *fakeVerifierStore, uuid.UUID) {
	t.Helper()

	reg := registry.New()
	reg.Register(signatureProvider("slack"))

	st := newFakeVerifierStore()
	integrationID := uuid.New()
	st.integrations[integrationID] = store.Integration{
		ID:       integrationID,
		Provider: "slack",
		Status:   store.IntegrationStatusActive,
		Config:   []byte(`{"settings":{"webhook_secret":"hook-secret"}}`),
	}

	v := NewVerifier(reg, st, slog.New(slog.DiscardHandler))
	return v, st, integrationID
}

func TestProcessInboundVerifiedEvent(t *testing.T) {
	t.Parallel()

	v, st, integrationID := verifierFixture(t)
	payload := []byte(`{"type":"message.posted"}`)
	header := http.Header{}
	header.Set("X-Test-Signature", SignHMACHex(payload, "hook-secret"))

	result, err := v.ProcessInbound(context.Background(), "slack", integrationID, header, payload)
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if result.EventType != "message.posted" {
		t.Fatalf("EventType = %q", result.EventType)
	}
	if result.IntegrationID != integrationID {
		t.Fatalf("IntegrationID = %s", result.IntegrationID)
	}
	if len(st.logs) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(st.logs))
	}
	if st.logs[0].Action != "webhook_received" || st.logs[0].Status != store.LogStatusSuccess {
		t.Fatalf("audit row = %+v", st.logs[0])
	}
}

func TestProcessInboundRejectsBadSignature(t *testing.T) {
	t.Parallel()

	v, st, integrationID := verifierFixture(t)
	payload := []byte(`{"type":"message.posted"}`)
	header := http.Header{}
	header.Set("X-Test-Signature", SignHMACHex(payload, "wrong-secret"))

	_, err := v.ProcessInbound(context.Background(), "slack", integrationID, header, payload)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("err = %v, want ErrSignatureInvalid", err)
	}
	if len(st.logs) != 1 || st.logs[0].Status != store.LogStatusError {
		t.Fatalf("audit rows = %+v, want one error row", st.logs)
	}
}

func TestProcessInboundGuards(t *testing.T) {
	t.Parallel()

	v, st, integrationID := verifierFixture(t)
	payload := []byte(`{}`)
	header := http.Header{}
	header.Set("X-Test-Signature", SignHMACHex(payload, "hook-secret"))

	t.Run("unknown provider", func(t *testing.T) {
		_, err := v.ProcessInbound(context.Background(), "github", integrationID, header, payload)
		if !errors.Is(err, ErrUnknownProvider) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("unknown integration", func(t *testing.T) {
		_, err := v.ProcessInbound(context.Background(), "slack", uuid.New(), header, payload)
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("provider mismatch", func(t *testing.T) {
		otherID := uuid.New()
		st.integrations[otherID] = store.Integration{ID: otherID, Provider: "stripe", Status: store.IntegrationStatusActive}
		_, err := v.ProcessInbound(context.Background(), "slack", otherID, header, payload)
		if !errors.Is(err, ErrProviderMismatch) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("suspended integration", func(t *testing.T) {
		suspendedID := uuid.New()
		st.integrations[suspendedID] = store.Integration{ID: suspendedID, Provider: "slack", Status: store.IntegrationStatusSuspended}
		_, err := v.ProcessInbound(context.Background(), "slack", suspendedID, header, payload)
		if !errors.Is(err, ErrIntegrationInactive) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("no signing secret", func(t *testing.T) {
		bareID := uuid.New()
		st.integrations[bareID] = store.Integration{
			ID: bareID, Provider: "slack", Status: store.IntegrationStatusActive,
			Config: []byte(`{"client_id":"c"}`),
		}
		_, err := v.ProcessInbound(context.Background(), "slack", bareID, header, payload)
		if !errors.Is(err, ErrNoSigningSecret) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestProcessInboundJoinsTimestampHeader(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	p := signatureProvider("slack")
	p.ProviderMeta.TimestampHeader = "X-Test-Timestamp"
	var gotSignature string
	p.VerifySignatureFunc = func(_ []byte, signature, _ string) bool {
		gotSignature = signature
		return true
	}
	reg.Register(p)

	st := newFakeVerifierStore()
	integrationID := uuid.New()
	st.integrations[integrationID] = store.Integration{
		ID: integrationID, Provider: "slack", Status: store.IntegrationStatusActive,
		Config: []byte(`{"settings":{"webhook_secret":"s"}}`),
	}

	v := NewVerifier(reg, st, slog.New(slog.DiscardHandler))
	header := http.Header{}
	header.Set("X-Test-Signature", "v0=abc")
	header.Set("X-Test-Timestamp", "1700000000")

	if _, err := v.ProcessInbound(context.Background(), "slack", integrationID, header, []byte(`{}`)); err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if gotSignature != "1700000000,v0=abc" {
		t.Fatalf("signature material = %q, want timestamp joined in front", gotSignature)
	}
}
