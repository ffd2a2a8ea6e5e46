package gaugedconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg != Default() {
		t.Fatalf("cfg = %+v, want Default()", cfg)
	}
}

func TestLoadOverlaysJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gauged.jsonc")
	contents := `{
		// time grid
		"resolution_ms": 5000,
		"block_size_ms": 300000,
		"append_only_policy": "rewrite",
	}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Resolution != 5000 {
		t.Errorf("Resolution = %d, want 5000", cfg.Resolution)
	}
	if cfg.BlockSize != 300_000 {
		t.Errorf("BlockSize = %d, want 300000", cfg.BlockSize)
	}
	if cfg.AppendOnlyPolicy != "rewrite" {
		t.Errorf("AppendOnlyPolicy = %q, want rewrite", cfg.AppendOnlyPolicy)
	}
	// Unset fields keep their compiled-in defaults.
	if cfg.KeyCacheCapacity != Default().KeyCacheCapacity {
		t.Errorf("KeyCacheCapacity = %d, want default %d", cfg.KeyCacheCapacity, Default().KeyCacheCapacity)
	}
}

func TestLoadRejectsMismatchedGrid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gauged.jsonc")
	if err := os.WriteFile(path, []byte(`{"resolution_ms": 1000, "block_size_ms": 1500}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected block_size_ms not a multiple of resolution_ms to fail")
	}
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gauged.jsonc")
	if err := os.WriteFile(path, []byte(`{"nan_policy": "explode"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown policy to fail")
	}
}

func TestPolicyMapping(t *testing.T) {
	cases := map[string]string{
		"error":   "error",
		"ignore":  "ignore",
		"rewrite": "rewrite",
		"bogus":   "error",
	}
	for input, want := range cases {
		if got := Policy(input).String(); got != want {
			t.Errorf("Policy(%q).String() = %q, want %q", input, got, want)
		}
	}
}
