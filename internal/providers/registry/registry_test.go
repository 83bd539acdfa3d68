package registry_test

import (
	"testing"

	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/providers/registry/registrytest"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	reg.Register(registrytest.New("slack"))
	reg.Register(registrytest.New("stripe"))

	p, ok := reg.Get("slack")
	if !ok {
		t.Fatal("expected slack to be registered")
	}
	if p.Kind() != "slack" {
		t.Fatalf("Kind() = %q, want slack", p.Kind())
	}

	if _, ok := reg.Get("missing"); ok {
		t.Fatal("expected lookup of unregistered kind to fail")
	}
}

func TestRegistryKindsPreserveRegistrationOrder(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	for _, kind := range []string{"stripe", "slack", "jira"} {
		reg.Register(registrytest.New(kind))
	}

	kinds := reg.Kinds()
	want := []string{"stripe", "slack", "jira"}
	if len(kinds) != len(want) {
		t.Fatalf("Kinds() returned %d entries, want %d", len(kinds), len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("Kinds()[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestRegistryDuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	reg.Register(registrytest.New("slack"))

	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	reg.Register(registrytest.New("slack"))
}

func TestRegistryMetadataByCategory(t *testing.T) {
	t.Parallel()

	chatB := registrytest.New("chat_b")
	chatB.ProviderMeta.Category = "chat"
	chatB.ProviderMeta.DisplayName = "Beta Chat"
	chatA := registrytest.New("chat_a")
	chatA.ProviderMeta.Category = "chat"
	chatA.ProviderMeta.DisplayName = "Alpha Chat"
	pay := registrytest.New("payments_x")
	pay.ProviderMeta.Category = "payments"
	pay.ProviderMeta.DisplayName = "Pay X"

	reg := registry.New()
	reg.Register(chatB)
	reg.Register(chatA)
	reg.Register(pay)

	grouped := reg.MetadataByCategory()
	if len(grouped) != 2 {
		t.Fatalf("got %d categories, want 2", len(grouped))
	}
	chat := grouped["chat"]
	if len(chat) != 2 || chat[0].DisplayName != "Alpha Chat" || chat[1].DisplayName != "Beta Chat" {
		t.Fatalf("chat category not sorted by display name: %+v", chat)
	}
	if len(grouped["payments"]) != 1 {
		t.Fatalf("payments category = %+v, want one entry", grouped["payments"])
	}
}
