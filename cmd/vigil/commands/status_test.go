package commands

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/marcus/vigil/internal/state"
	"github.com/marcus/vigil/internal/workitem"
)

// runPipeline runs the pipeline manifest once so there is state to show.
func runPipeline(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, pipelineManifest, "")
	if err := runTasks(runContext(t), f.cfg, nil, runOptions{}, &bytes.Buffer{}); err != nil {
		t.Fatalf("runTasks() error = %v", err)
	}
	return f
}

func loadedStore(t *testing.T, f *fixture) *state.Store {
	t.Helper()
	st, err := state.New(f.cfg.Storage.ResultsDir, f.cfg.Storage.SnapshotPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Load(); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestShowResults(t *testing.T) {
	f := runPipeline(t)
	st := loadedStore(t, f)

	var out bytes.Buffer
	if err := showResults(&out, st, 0); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"generate", "build", "test"} {
		if !strings.Contains(out.String(), name) {
			t.Errorf("results missing %s:\n%s", name, out.String())
		}
	}

	out.Reset()
	if err := showResults(&out, st, 1); err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(out.String(), "\n"); lines != 1 {
		t.Errorf("showResults(n=1) printed %d lines:\n%s", lines, out.String())
	}
}

func TestShowResults_Empty(t *testing.T) {
	dir := t.TempDir()
	st, err := state.New(dir+"/results", dir+"/snapshot.json")
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := showResults(&out, st, 0); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No results recorded.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestShowResult(t *testing.T) {
	f := runPipeline(t)
	st := loadedStore(t, f)

	var out bytes.Buffer
	if err := showResult(&out, st, "build"); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"build", "completed", "Stdout", "built"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("result missing %q:\n%s", want, out.String())
		}
	}

	if err := showResult(&out, st, "deploy"); err == nil {
		t.Error("showResult(deploy) should fail for an unknown id")
	}
}

func TestShowRunning(t *testing.T) {
	f := runPipeline(t)
	st, err := state.New(f.cfg.Storage.ResultsDir, f.cfg.Storage.SnapshotPath)
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := showRunning(&out, st); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Nothing running") {
		t.Errorf("output = %q", out.String())
	}

	dir := t.TempDir()
	empty, err := state.New(dir+"/results", dir+"/snapshot.json")
	if err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := showRunning(&out, empty); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No running record found.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestShowRunning_LiveOwner(t *testing.T) {
	dir := t.TempDir()
	owner, err := state.New(dir+"/results", dir+"/snapshot.json")
	if err != nil {
		t.Fatal(err)
	}
	if err := owner.Acquire(); err != nil {
		t.Fatal(err)
	}
	item := workitem.New("deploy")
	item.StartedAt = time.Now().Add(-time.Minute)
	if err := owner.MarkRunning(item); err != nil {
		t.Fatal(err)
	}

	reader, err := state.New(dir+"/results", dir+"/snapshot.json")
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := showRunning(&out, reader); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Running at", "deploy", fmt.Sprintf("pid %d)", os.Getpid())} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	if err := owner.Release(); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := showRunning(&out, reader); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "not running") {
		t.Errorf("output = %q", out.String())
	}
}

func TestShowTodaySummary(t *testing.T) {
	f := runPipeline(t)

	var out bytes.Buffer
	if err := showTodaySummary(&out, f.cfg); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Attempts: 3 (0 retries)") {
		t.Errorf("summary:\n%s", out.String())
	}
}

func TestHistory(t *testing.T) {
	f := runPipeline(t)
	database := openDB(t, f.cfg.Storage.DBPath)

	attempts, err := database.History(10)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	printAttempts(&out, attempts)
	if strings.Count(out.String(), "\n") != 3 {
		t.Errorf("history:\n%s", out.String())
	}

	out.Reset()
	if err := showRuns(&out, database, 10); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "batch") || !strings.Contains(out.String(), "all tasks") {
		t.Errorf("runs:\n%s", out.String())
	}

	out.Reset()
	printAttempts(&out, nil)
	if !strings.Contains(out.String(), "No attempts recorded.") {
		t.Errorf("empty history = %q", out.String())
	}
}
