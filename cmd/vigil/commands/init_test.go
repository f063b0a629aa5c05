package commands

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcus/vigil/internal/config"
	"github.com/marcus/vigil/internal/manifest"
)

func TestInitProject(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	var out bytes.Buffer
	if err := initProject(&out, dir, false); err != nil {
		t.Fatalf("initProject() error = %v", err)
	}
	if strings.Count(out.String(), "Created") != 2 {
		t.Errorf("output:\n%s", out.String())
	}

	// the starter files must load as written
	cfg, err := config.LoadFromPaths(dir, "")
	if err != nil {
		t.Fatalf("starter config: %v", err)
	}
	m, err := manifest.Load(cfg.Manifest)
	if err != nil {
		t.Fatalf("starter manifest: %v", err)
	}
	if len(m.Tasks()) != 3 {
		t.Errorf("starter tasks = %d", len(m.Tasks()))
	}
	if _, err := m.Graph().ParallelGroups([]string{"generate", "lint", "test"}); err != nil {
		t.Errorf("starter graph: %v", err)
	}
	if got := m.Events(); len(got) != 1 || got[0] != "pre-commit" {
		t.Errorf("starter events = %v", got)
	}
}

func TestInitProject_Existing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, config.DefaultManifest)
	if err := os.WriteFile(path, []byte("tasks: []\n"), 0644); err != nil {
		t.Fatal(err)
	}

	err := initProject(&bytes.Buffer{}, dir, false)
	if !errors.Is(err, errExists) || exitCode(err) != exitConfig {
		t.Fatalf("initProject() = %v, want errExists", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "tasks: []\n" {
		t.Error("existing manifest must not be touched without --force")
	}
	if _, err := os.Stat(config.ProjectConfigPath(dir)); err == nil {
		t.Error("nothing should be written when a file already exists")
	}

	if err := initProject(&bytes.Buffer{}, dir, true); err != nil {
		t.Fatalf("initProject(force) error = %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != starterManifest {
		t.Error("--force should overwrite the manifest")
	}
}
