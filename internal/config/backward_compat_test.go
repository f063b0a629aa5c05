package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestBackwardCompat_ConfigWithoutHooksSection verifies that config files
// written before hook tiers existed load with the tier gating defaults.
func TestBackwardCompat_ConfigWithoutHooksSection(t *testing.T) {
	tmpDir := t.TempDir()

	oldConfigContent := `
tasks:
  max_concurrent: 2
logging:
  level: info
`
	configPath := filepath.Join(tmpDir, "vigil.yaml")
	if err := os.WriteFile(configPath, []byte(oldConfigContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPaths(tmpDir, "")
	if err != nil {
		t.Fatalf("LoadFromPaths error: %v", err)
	}

	if cfg.Hooks.ContinueOnFailure {
		t.Error("Hooks.ContinueOnFailure should default to false")
	}
	if len(cfg.BlockingTiers()) != 2 {
		t.Errorf("BlockingTiers() = %v, want critical and high", cfg.BlockingTiers())
	}
	if cfg.Hooks.MaxConcurrent != DefaultHookConcurrency {
		t.Errorf("Hooks.MaxConcurrent = %d, want %d", cfg.Hooks.MaxConcurrent, DefaultHookConcurrency)
	}
}

// TestBackwardCompat_UnknownKeysIgnored verifies that keys dropped from the
// schema do not fail the load.
func TestBackwardCompat_UnknownKeysIgnored(t *testing.T) {
	tmpDir := t.TempDir()

	content := `
tasks:
  max_concurrent: 3
  intervals:
    lint: 30m
notifications:
  slack: true
`
	if err := os.WriteFile(filepath.Join(tmpDir, "vigil.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPaths(tmpDir, "")
	if err != nil {
		t.Fatalf("LoadFromPaths error: %v", err)
	}
	if cfg.Tasks.MaxConcurrent != 3 {
		t.Errorf("Tasks.MaxConcurrent = %d, want 3", cfg.Tasks.MaxConcurrent)
	}
}
