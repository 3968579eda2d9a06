package target

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "loom.toml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[vm]
name = "sir"
dispatch = "minimal-threading"
arch = "arm64"
fast-registers = 16

[engine]
cache = 32
registry = "routines.db"

[server]
listen = "localhost:9001"
handle-ttl = "30s"
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if c.VM.Dispatch != "minimal-threading" || c.VM.Arch != "arm64" {
		t.Errorf("vm section = %+v", c.VM)
	}
	if c.VM.Fast != 16 {
		t.Errorf("Fast = %d, want 16", c.VM.Fast)
	}
	if c.Engine.Cache != 32 {
		t.Errorf("Cache = %d, want 32", c.Engine.Cache)
	}

	ttl, err := c.ParseHandleTTL()
	if err != nil {
		t.Fatalf("ParseHandleTTL error: %v", err)
	}
	if ttl != 30*time.Second {
		t.Errorf("ttl = %v, want 30s", ttl)
	}

	want := filepath.Join(c.Dir, "routines.db")
	if got := c.RegistryPath(); got != want {
		t.Errorf("RegistryPath() = %q, want %q", got, want)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "")

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if c.VM.Name != "sir" {
		t.Errorf("default name = %q, want sir", c.VM.Name)
	}
	if c.VM.Dispatch != "switch" {
		t.Errorf("default dispatch = %q, want switch", c.VM.Dispatch)
	}
	if c.VM.Fast != 8 {
		t.Errorf("default fast-registers = %d, want 8", c.VM.Fast)
	}
	if c.Engine.Cache != 64 {
		t.Errorf("default cache = %d, want 64", c.Engine.Cache)
	}
	if c.Server.HandleTTL != "10m" {
		t.Errorf("default handle-ttl = %q, want 10m", c.Server.HandleTTL)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad dispatch", "[vm]\ndispatch = \"jit\"\n"},
		{"bad arch for native dispatch", "[vm]\ndispatch = \"no-threading\"\narch = \"pdp11\"\n"},
		{"bad ttl", "[server]\nhandle-ttl = \"soon\"\n"},
		{"negative registers", "[vm]\nfast-registers = -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.body)
			if _, err := Load(dir); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[vm]\ndispatch = \"direct-threading\"\n")

	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if c == nil {
		t.Fatal("FindAndLoad found nothing")
	}
	if c.VM.Dispatch != "direct-threading" {
		t.Errorf("dispatch = %q, want direct-threading", c.VM.Dispatch)
	}
}
