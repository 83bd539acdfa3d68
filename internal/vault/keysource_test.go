package vault

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveKeyMaterialFromEnv(t *testing.T) {
	t.Parallel()

	material, err := ResolveKeyMaterial(context.Background(), KeySourceConfig{
		Source:       SourceEnv,
		MasterKey:    "the-key",
		PreviousKeys: []string{" old-1 ", "", "old-2"},
		KeyVersion:   "v3",
	})
	if err != nil {
		t.Fatalf("ResolveKeyMaterial: %v", err)
	}
	if material.Primary != "the-key" {
		t.Fatalf("Primary = %q", material.Primary)
	}
	if material.Version != "v3" {
		t.Fatalf("Version = %q, want v3", material.Version)
	}
	if len(material.Previous) != 2 || material.Previous[0] != "old-1" || material.Previous[1] != "old-2" {
		t.Fatalf("Previous = %v", material.Previous)
	}
}

func TestResolveKeyMaterialDefaults(t *testing.T) {
	t.Parallel()

	material, err := ResolveKeyMaterial(context.Background(), KeySourceConfig{MasterKey: "k"})
	if err != nil {
		t.Fatalf("empty source should default to env: %v", err)
	}
	if material.Version != "v1" {
		t.Fatalf("Version = %q, want default v1", material.Version)
	}
}

func TestResolveKeyMaterialEnvMissingKey(t *testing.T) {
	t.Parallel()

	if _, err := ResolveKeyMaterial(context.Background(), KeySourceConfig{Source: SourceEnv}); err == nil {
		t.Fatal("missing master key must error")
	}
}

func TestResolveKeyMaterialFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(path, []byte("  file-key \n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	material, err := ResolveKeyMaterial(context.Background(), KeySourceConfig{
		Source:        SourceFile,
		MasterKeyFile: path,
	})
	if err != nil {
		t.Fatalf("ResolveKeyMaterial: %v", err)
	}
	if material.Primary != "file-key" {
		t.Fatalf("Primary = %q, want trimmed file contents", material.Primary)
	}

	if _, err := ResolveKeyMaterial(context.Background(), KeySourceConfig{
		Source:        SourceFile,
		MasterKeyFile: filepath.Join(t.TempDir(), "absent"),
	}); err == nil {
		t.Fatal("unreadable key file must error")
	}
}

func TestResolveKeyMaterialUnknownSource(t *testing.T) {
	t.Parallel()

	if _, err := ResolveKeyMaterial(context.Background(), KeySourceConfig{Source: "etcd"}); err == nil {
		t.Fatal("unknown source must error")
	}
}
