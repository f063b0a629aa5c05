package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus/vigil/internal/resolver"
	"github.com/marcus/vigil/internal/workitem"
)

const sample = `
tasks:
  - name: generate
    shell: go generate ./...
    priority: critical
  - name: lint
    command: golangci-lint
    args: [run]
    priority: high
    timeout: 120
    retries: 1
    retry_delay: 2s
    depends_on: [generate]
    provides: [lint-report]
  - name: test
    shell: go test ./...
    depends_on: [generate]
    env:
      CGO_ENABLED: "0"
hooks:
  pre-commit:
    defaults:
      - {name: fmt, shell: "gofmt -l .", priority: critical, timeout: 30}
      - {name: vet, shell: "go vet ./...", priority: high}
    subjects:
      api:
        - {name: fmt, shell: "gofmt -l ./api", priority: critical}
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFile)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

var defaults = Defaults{Timeout: 5 * time.Minute, Retries: 0, RetryDelay: time.Second}

func TestLoad(t *testing.T) {
	m, err := Load(writeManifest(t, sample))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	tasks := m.Tasks()
	if len(tasks) != 3 || tasks[0].Name != "generate" || tasks[2].Name != "test" {
		t.Fatalf("Tasks() = %+v", tasks)
	}
	if got := m.Events(); len(got) != 1 || got[0] != "pre-commit" {
		t.Errorf("Events() = %v", got)
	}
	if _, ok := m.Task("lint"); !ok {
		t.Error("Task(lint) not found")
	}
	if _, ok := m.Task("deploy"); ok {
		t.Error("Task(deploy) found")
	}
}

func TestWorkItems(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	items, err := m.WorkItems([]string{"lint", "test"}, defaults)
	if err != nil {
		t.Fatalf("WorkItems() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}

	lint := items[0]
	if lint.ID != "lint" || lint.Priority != workitem.PriorityHigh {
		t.Errorf("lint = %s/%s", lint.ID, lint.Priority)
	}
	if lint.Timeout != 120*time.Second {
		t.Errorf("lint timeout = %s", lint.Timeout)
	}
	if lint.Retry.MaxRetries != 1 || lint.Retry.Delay != 2*time.Second {
		t.Errorf("lint retry = %+v", lint.Retry)
	}
	if len(lint.DependsOn) != 1 || lint.DependsOn[0] != "generate" {
		t.Errorf("lint deps = %v", lint.DependsOn)
	}
	if err := lint.Validate(); err != nil {
		t.Errorf("lint.Validate() = %v", err)
	}

	test := items[1]
	if test.Priority != workitem.PriorityMedium {
		t.Errorf("default priority = %s, want medium", test.Priority)
	}
	if test.Timeout != defaults.Timeout || test.Retry.Delay != defaults.RetryDelay {
		t.Errorf("defaults not applied: %s %+v", test.Timeout, test.Retry)
	}
	if test.Env["CGO_ENABLED"] != "0" {
		t.Errorf("env = %v", test.Env)
	}

	all, err := m.WorkItems(nil, defaults)
	if err != nil || len(all) != 3 {
		t.Errorf("WorkItems(nil) = %d, %v", len(all), err)
	}
	if _, err := m.WorkItems([]string{"deploy"}, defaults); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("WorkItems(deploy) error = %v, want ErrUnknownTask", err)
	}
}

func TestGraph(t *testing.T) {
	m, _ := Parse([]byte(sample))
	order, err := m.Graph().ResolveOrder([]string{"test", "lint", "generate"})
	if err != nil {
		t.Fatalf("ResolveOrder() error = %v", err)
	}
	if order[0] != "generate" {
		t.Errorf("order = %v, generate must come first", order)
	}
	if got := m.Graph().Provides("lint"); len(got) != 1 || got[0] != "lint-report" {
		t.Errorf("Provides(lint) = %v", got)
	}
}

func TestGraph_CycleIsLoadableButUnresolvable(t *testing.T) {
	m, err := Parse([]byte(`
tasks:
  - {name: x, shell: "true", depends_on: [y]}
  - {name: y, shell: "true", depends_on: [x]}
  - {name: z, shell: "true"}
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	order, err := m.Graph().ResolveOrder([]string{"x", "y", "z"})
	var cycle *resolver.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("error = %v, want CycleError", err)
	}
	if len(order) != 1 || order[0] != "z" {
		t.Errorf("partial order = %v", order)
	}
}

func TestHookRegistry(t *testing.T) {
	m, _ := Parse([]byte(sample))
	reg, err := m.HookRegistry(Defaults{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("HookRegistry() error = %v", err)
	}

	api := reg.Resolve("pre-commit", "api")
	if len(api) != 2 {
		t.Fatalf("Resolve(api) = %d hooks", len(api))
	}
	if api[0].Shell != "gofmt -l ./api" {
		t.Errorf("subject override lost: %+v", api[0])
	}
	if api[0].Timeout != time.Minute {
		t.Errorf("override timeout = %s, want default 1m", api[0].Timeout)
	}

	generic := reg.Resolve("pre-commit", "")
	if generic[0].Timeout != 30*time.Second {
		t.Errorf("fmt timeout = %s, want 30s", generic[0].Timeout)
	}
	if generic[1].Priority != workitem.PriorityHigh {
		t.Errorf("vet priority = %s", generic[1].Priority)
	}
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{"duplicate task", "tasks:\n  - {name: a, shell: x}\n  - {name: a, shell: y}\n", ErrDuplicateTask},
		{"missing name", "tasks:\n  - {shell: x}\n", ErrMissingName},
		{"no command", "tasks:\n  - {name: a}\n", ErrNoCommand},
		{"unknown dependency", "tasks:\n  - {name: a, shell: x, depends_on: [b]}\n", ErrUnknownDependency},
		{"bad priority", "tasks:\n  - {name: a, shell: x, priority: urgent}\n", workitem.ErrInvalidPriority},
		{"negative timeout", "tasks:\n  - {name: a, shell: x, timeout: -1}\n", ErrInvalidTimeout},
		{"negative retries", "tasks:\n  - {name: a, shell: x, retries: -2}\n", workitem.ErrInvalidRetries},
		{"duplicate hook", "hooks:\n  ev:\n    defaults:\n      - {name: h, shell: x}\n      - {name: h, shell: y}\n", ErrDuplicateHook},
		{"hook without command", "hooks:\n  ev:\n    defaults:\n      - {name: h, callback: f}\n", ErrNoCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Parse() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParse_BadRetryDelay(t *testing.T) {
	_, err := Parse([]byte("tasks:\n  - {name: a, shell: x, retry_delay: soon}\n"))
	if err == nil || !strings.Contains(err.Error(), `invalid retry_delay "soon"`) {
		t.Errorf("Parse() error = %v", err)
	}
}

func TestReload(t *testing.T) {
	path := writeManifest(t, "tasks:\n  - {name: a, shell: \"true\"}\n")
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("tasks:\n  - {name: a, shell: \"true\"}\n  - {name: b, shell: \"true\"}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if len(m.Tasks()) != 2 {
		t.Errorf("after reload: %d tasks", len(m.Tasks()))
	}

	// A broken file keeps the previous contents.
	if err := os.WriteFile(path, []byte("tasks: [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(); err == nil {
		t.Error("Reload() of invalid YAML succeeded")
	}
	if len(m.Tasks()) != 2 {
		t.Errorf("invalid reload replaced contents: %d tasks", len(m.Tasks()))
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want not exist", err)
	}
}
