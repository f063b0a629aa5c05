package commands

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/marcus/vigil/internal/db"
	"github.com/marcus/vigil/internal/engine"
	"github.com/marcus/vigil/internal/queue"
	"github.com/marcus/vigil/internal/state"
	"github.com/marcus/vigil/internal/workitem"
)

const pipelineManifest = `tasks:
  - name: generate
    shell: "true"
    priority: critical
  - name: build
    shell: "echo built"
    depends_on: [generate]
  - name: test
    shell: "exit 0"
    depends_on: [build]
`

func runContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func openDB(t *testing.T, path string) *db.DB {
	t.Helper()
	database, err := db.Open(path)
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestRunTasks_Success(t *testing.T) {
	f := newFixture(t, pipelineManifest, "")

	var out bytes.Buffer
	if err := runTasks(runContext(t), f.cfg, nil, runOptions{}, &out); err != nil {
		t.Fatalf("runTasks() error = %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "3 completed") {
		t.Errorf("summary missing from output:\n%s", out.String())
	}

	st, err := state.New(f.cfg.Storage.ResultsDir, f.cfg.Storage.SnapshotPath)
	if err != nil {
		t.Fatal(err)
	}
	if n, err := st.Load(); err != nil || n != 3 {
		t.Fatalf("Load() = %d, %v; want 3 results", n, err)
	}
	build, ok := st.Get("build")
	if !ok || build.Status != workitem.StatusCompleted {
		t.Fatalf("build result = %+v, %v", build, ok)
	}
	if strings.TrimSpace(build.Stdout) != "built" {
		t.Errorf("build stdout = %q", build.Stdout)
	}

	runs, err := openDB(t, f.cfg.Storage.DBPath).Runs(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("Runs() = %d rows, want 1", len(runs))
	}
	if runs[0].Kind != "batch" || runs[0].Status != "success" || runs[0].Total != 3 || runs[0].Label != "all tasks" {
		t.Errorf("batch run = %+v", runs[0])
	}
}

func TestRunTasks_FailureCancelsDependents(t *testing.T) {
	f := newFixture(t, `tasks:
  - name: broken
    shell: "exit 3"
  - name: after
    shell: "true"
    depends_on: [broken]
  - name: other
    shell: "true"
`, "")

	var out bytes.Buffer
	err := runTasks(runContext(t), f.cfg, nil, runOptions{}, &out)
	if got := exitCode(err); got != exitFailure {
		t.Fatalf("exit code = %d, want %d (err %v)\n%s", got, exitFailure, err, out.String())
	}
	for _, want := range []string{workitem.ReasonDependencyFailed, "1 completed", "1 failed", "1 cancelled"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	runs, err := openDB(t, f.cfg.Storage.DBPath).Runs(1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("Runs() = %v, %v", runs, err)
	}
	if runs[0].Status != "failed" || runs[0].Failed != 2 {
		t.Errorf("batch run = %+v, want failed with 2 failures", runs[0])
	}
}

func TestRunTasks_CycleIsConfigError(t *testing.T) {
	f := newFixture(t, `tasks:
  - name: a
    shell: "true"
    depends_on: [b]
  - name: b
    shell: "true"
    depends_on: [a]
  - name: c
    shell: "true"
`, "")

	var out bytes.Buffer
	err := runTasks(runContext(t), f.cfg, nil, runOptions{}, &out)
	if got := exitCode(err); got != exitConfig {
		t.Fatalf("exit code = %d, want %d (err %v)", got, exitConfig, err)
	}
	if !strings.Contains(out.String(), "2 rejected") || !strings.Contains(out.String(), "1 completed") {
		t.Errorf("output:\n%s", out.String())
	}

	st, err := state.New(f.cfg.Storage.ResultsDir, f.cfg.Storage.SnapshotPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Load(); err != nil {
		t.Fatal(err)
	}
	if r, ok := st.Get("c"); !ok || r.Status != workitem.StatusCompleted {
		t.Errorf("independent task c = %+v, %v; want completed", r, ok)
	}
	if _, ok := st.Get("a"); ok {
		t.Error("task a in the cycle should not have run")
	}
}

func TestRunTasks_NamedSubset(t *testing.T) {
	f := newFixture(t, pipelineManifest, "")

	var out bytes.Buffer
	if err := runTasks(runContext(t), f.cfg, []string{"build"}, runOptions{}, &out); err != nil {
		t.Fatalf("runTasks(build) error = %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "1 completed") {
		t.Errorf("output:\n%s", out.String())
	}
	runs, err := openDB(t, f.cfg.Storage.DBPath).Runs(1)
	if err != nil || len(runs) != 1 || runs[0].Label != "build" {
		t.Errorf("Runs() = %+v, %v", runs, err)
	}
}

func TestRunTasks_UnknownTask(t *testing.T) {
	f := newFixture(t, pipelineManifest, "")

	var out bytes.Buffer
	err := runTasks(runContext(t), f.cfg, []string{"deploy"}, runOptions{}, &out)
	if got := exitCode(err); got != exitConfig {
		t.Errorf("exit code = %d, want %d (err %v)", got, exitConfig, err)
	}
}

func TestRunTasks_Disabled(t *testing.T) {
	f := newFixture(t, pipelineManifest, "enabled: false\n")

	var out bytes.Buffer
	if err := runTasks(runContext(t), f.cfg, nil, runOptions{}, &out); err != nil {
		t.Fatalf("runTasks() error = %v", err)
	}
	if !strings.Contains(out.String(), "disabled") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunTasks_EmptyManifest(t *testing.T) {
	f := newFixture(t, "tasks: []\n", "")

	var out bytes.Buffer
	if err := runTasks(runContext(t), f.cfg, nil, runOptions{}, &out); err != nil {
		t.Fatalf("runTasks() error = %v", err)
	}
	if !strings.Contains(out.String(), "No tasks in manifest.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunReportErr(t *testing.T) {
	ok := workitem.ExecutionResult{WorkItemID: "a", Status: workitem.StatusCompleted}
	bad := workitem.ExecutionResult{WorkItemID: "b", Status: workitem.StatusTimedOut}

	tests := []struct {
		name   string
		report runReport
		want   int
	}{
		{"all completed", runReport{Results: []workitem.ExecutionResult{ok}}, exitOK},
		{"one timed out", runReport{Results: []workitem.ExecutionResult{ok, bad}}, exitFailure},
		{"invalid item wins", runReport{
			Results:  []workitem.ExecutionResult{bad},
			Rejected: map[string]error{"x": fmt.Errorf("%w: no command", engine.ErrConfig)},
		}, exitConfig},
		{"queue full is a failure", runReport{
			Results:  []workitem.ExecutionResult{ok},
			Rejected: map[string]error{"x": fmt.Errorf("submit: %w", queue.ErrQueueFull)},
		}, exitFailure},
		{"config rejection among others", runReport{
			Rejected: map[string]error{
				"a": queue.ErrQueueFull,
				"b": fmt.Errorf("%w: bad priority", engine.ErrConfig),
			},
		}, exitConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.report.err()); got != tt.want {
				t.Errorf("exit code = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRunCommand_MonitorNeedsTerminal(t *testing.T) {
	f := newFixture(t, pipelineManifest, "")
	t.Chdir(f.dir)

	orig := isInteractive
	isInteractive = func() bool { return false }
	t.Cleanup(func() { isInteractive = orig })

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"run", "--tui"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	if err := rootCmd.ExecuteContext(runContext(t)); err != nil {
		t.Fatalf("vigil run --tui error = %v\n%s", err, stdout.String())
	}
	if !strings.Contains(stderr.String(), "not a terminal") {
		t.Errorf("stderr = %q", stderr.String())
	}
	if !strings.Contains(stdout.String(), "3 completed") {
		t.Errorf("stdout:\n%s", stdout.String())
	}
}
