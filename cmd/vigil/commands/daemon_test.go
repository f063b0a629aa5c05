package commands

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/marcus/vigil/internal/config"
	"github.com/marcus/vigil/internal/logging"
	"github.com/marcus/vigil/internal/workitem"
)

func TestPidFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if running, _ := isDaemonRunning(); running {
		t.Fatal("no pid file yet, daemon should not be running")
	}
	if err := writePidFile(); err != nil {
		t.Fatal(err)
	}
	pid, err := readPidFile()
	if err != nil || pid != os.Getpid() {
		t.Fatalf("readPidFile() = %d, %v; want %d", pid, err, os.Getpid())
	}
	if running, got := isDaemonRunning(); !running || got != os.Getpid() {
		t.Errorf("isDaemonRunning() = %v, %d", running, got)
	}
	if err := removePidFile(); err != nil {
		t.Fatal(err)
	}
	if _, err := readPidFile(); err == nil {
		t.Error("pid file should be gone")
	}
}

func TestIsProcessRunning(t *testing.T) {
	if isProcessRunning(0) || isProcessRunning(-1) {
		t.Error("non-positive pids are never running")
	}
	if !isProcessRunning(os.Getpid()) {
		t.Error("current process should be running")
	}
}

func TestHasTriggers(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want bool
	}{
		{"none", config.Config{}, false},
		{"cron", config.Config{Schedule: config.ScheduleConfig{Cron: "0 2 * * *"}}, true},
		{"interval", config.Config{Schedule: config.ScheduleConfig{Interval: "1h"}}, true},
		{"watch", config.Config{Watch: config.WatchConfig{Paths: []string{"src"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasTriggers(&tt.cfg); got != tt.want {
				t.Errorf("hasTriggers() = %v, want %v", got, tt.want)
			}
		})
	}
}

// startDaemon builds a daemon for f and initializes its engine without
// starting any triggers.
func startDaemon(t *testing.T, f *fixture) *daemon {
	t.Helper()
	d, err := newDaemon(f.cfg, logging.Nop())
	if err != nil {
		t.Fatalf("newDaemon() error = %v", err)
	}
	if err := d.engine.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = d.engine.Shutdown(context.Background()) })
	return d
}

func waitResults(t *testing.T, d *daemon, ids ...string) []workitem.ExecutionResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	results, err := d.engine.Wait(ctx, ids...)
	if err != nil {
		t.Fatalf("Wait(%v) error = %v", ids, err)
	}
	return results
}

func TestDaemonTrigger(t *testing.T) {
	f := newFixture(t, pipelineManifest, "schedule:\n  interval: 1h\n")
	d := startDaemon(t, f)

	if err := d.trigger("test", nil); err != nil {
		t.Fatalf("trigger() error = %v", err)
	}
	for _, res := range waitResults(t, d, "generate", "build", "test") {
		if res.Status != workitem.StatusCompleted {
			t.Errorf("%s = %s (%s)", res.WorkItemID, res.Status, res.Error)
		}
	}

	// a second trigger reruns the same tasks
	if err := d.trigger("test", []string{"build"}); err != nil {
		t.Fatalf("trigger(build) error = %v", err)
	}
	waitResults(t, d, "build")
	attempts, err := d.engine.DB().Attempts("build")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 {
		t.Errorf("build attempts = %d, want 2", len(attempts))
	}
}

func TestDaemonTrigger_SkipsQueuedDuplicates(t *testing.T) {
	f := newFixture(t, `tasks:
  - name: slow
    shell: "sleep 1"
`, "schedule:\n  interval: 1h\n")
	d := startDaemon(t, f)

	if err := d.trigger("test", nil); err != nil {
		t.Fatal(err)
	}
	if err := d.trigger("test", nil); err != nil {
		t.Fatalf("second trigger() error = %v", err)
	}
	waitResults(t, d, "slow")

	attempts, err := d.engine.DB().Attempts("slow")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 {
		t.Errorf("slow attempts = %d, want 1", len(attempts))
	}
}

func TestDaemonRefreshManifest(t *testing.T) {
	f := newFixture(t, pipelineManifest, "schedule:\n  interval: 1h\n")
	d := startDaemon(t, f)

	f.writeManifest(t, pipelineManifest+`  - name: extra
    shell: "echo extra"
`)
	f.touchLater(t)

	if err := d.trigger("test", []string{"extra"}); err != nil {
		t.Fatalf("trigger(extra) error = %v", err)
	}
	res := waitResults(t, d, "extra")
	if res[0].Status != workitem.StatusCompleted || strings.TrimSpace(res[0].Stdout) != "extra" {
		t.Errorf("extra = %+v", res[0])
	}

	// a broken edit keeps the previous manifest
	f.writeManifest(t, "tasks: [")
	later := time.Now().Add(5 * time.Second)
	if err := os.Chtimes(f.manifest, later, later); err != nil {
		t.Fatal(err)
	}
	if err := d.trigger("test", []string{"extra"}); err != nil {
		t.Fatalf("trigger after broken edit error = %v", err)
	}
	waitResults(t, d, "extra")
}

func TestDaemonApplyConfig(t *testing.T) {
	f := newFixture(t, pipelineManifest, "schedule:\n  interval: 1h\n")
	d := startDaemon(t, f)

	next := *f.cfg
	next.Tasks.MaxConcurrent = 1
	d.applyConfig(&next)
	if d.config() != &next {
		t.Error("applyConfig should swap in the new configuration")
	}

	bad := next
	bad.Logging.Level = "loud"
	d.applyConfig(&bad)
	if d.config() != &next {
		t.Error("an invalid configuration must be rejected")
	}
}

func TestStateDirs(t *testing.T) {
	f := newFixture(t, "tasks: []\n", "")
	dirs := stateDirs(f.cfg)
	if len(dirs) != 4 {
		t.Fatalf("stateDirs() = %v", dirs)
	}
	for _, dir := range dirs {
		if !strings.HasPrefix(dir, f.dir) {
			t.Errorf("state dir %s outside the fixture", dir)
		}
	}
}

func TestScopeDeps(t *testing.T) {
	build := workitem.New("build")
	build.DependsOn = []string{"generate", "vendor"}
	test := workitem.New("test")
	test.DependsOn = []string{"build", "fixtures"}

	scopeDeps([]*workitem.WorkItem{build, test}, func(id string) bool { return id == "vendor" })

	if got := strings.Join(build.DependsOn, ","); got != "vendor" {
		t.Errorf("build deps = %q, want vendor", got)
	}
	if got := strings.Join(test.DependsOn, ","); got != "build" {
		t.Errorf("test deps = %q, want build", got)
	}
}
