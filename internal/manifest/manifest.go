// Package manifest loads the YAML document that declares tasks and hooks.
// The manifest is the single source of truth for what can run; it is read
// once at startup and re-read only through Reload.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcus/vigil/internal/hooks"
	"github.com/marcus/vigil/internal/resolver"
	"github.com/marcus/vigil/internal/workitem"
)

// DefaultFile is the manifest name looked up in the project directory.
const DefaultFile = "vigil.manifest.yaml"

var (
	ErrDuplicateTask     = errors.New("duplicate task name")
	ErrDuplicateHook     = errors.New("duplicate hook name")
	ErrUnknownTask       = errors.New("unknown task")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrMissingName       = errors.New("name is required")
	ErrNoCommand         = errors.New("no command, shell, or callback")
	ErrInvalidTimeout    = errors.New("timeout must not be negative")
)

// TaskSpec is one entry under tasks.
type TaskSpec struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Command     string            `yaml:"command,omitempty"`
	Args        []string          `yaml:"args,omitempty"`
	Shell       string            `yaml:"shell,omitempty"`
	Callback    string            `yaml:"callback,omitempty"`
	Dir         string            `yaml:"dir,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Priority    string            `yaml:"priority,omitempty"`
	Timeout     int               `yaml:"timeout,omitempty"` // seconds
	Retries     *int              `yaml:"retries,omitempty"`
	RetryDelay  string            `yaml:"retry_delay,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
	Provides    []string          `yaml:"provides,omitempty"`
}

// HookSpec is one hook entry.
type HookSpec struct {
	Name       string            `yaml:"name"`
	Command    string            `yaml:"command,omitempty"`
	Args       []string          `yaml:"args,omitempty"`
	Shell      string            `yaml:"shell,omitempty"`
	Dir        string            `yaml:"dir,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	Priority   string            `yaml:"priority,omitempty"`
	Timeout    int               `yaml:"timeout,omitempty"` // seconds
	Retries    *int              `yaml:"retries,omitempty"`
	RetryDelay string            `yaml:"retry_delay,omitempty"`
}

// EventHooks holds the hooks for one lifecycle event.
type EventHooks struct {
	Defaults []HookSpec            `yaml:"defaults,omitempty"`
	Subjects map[string][]HookSpec `yaml:"subjects,omitempty"`
}

type document struct {
	Tasks []TaskSpec             `yaml:"tasks"`
	Hooks map[string]EventHooks `yaml:"hooks"`
}

// Defaults fill in fields a manifest entry leaves unset.
type Defaults struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// Manifest is a loaded manifest file.
type Manifest struct {
	path string

	mu       sync.RWMutex
	doc      document
	loadedAt time.Time
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	doc, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	return &Manifest{path: path, doc: doc, loadedAt: time.Now()}, nil
}

// Parse validates a manifest held in memory.
func Parse(data []byte) (*Manifest, error) {
	doc, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &Manifest{doc: doc, loadedAt: time.Now()}, nil
}

// Reload re-reads the file. On error the previous contents stay active.
func (m *Manifest) Reload() error {
	if m.path == "" {
		return errors.New("manifest was not loaded from a file")
	}
	doc, err := readDocument(m.path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.doc = doc
	m.loadedAt = time.Now()
	m.mu.Unlock()
	return nil
}

// Path returns the file the manifest was loaded from.
func (m *Manifest) Path() string { return m.path }

// LoadedAt returns when the current contents were read.
func (m *Manifest) LoadedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadedAt
}

// Tasks returns every task in declaration order.
func (m *Manifest) Tasks() []TaskSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TaskSpec(nil), m.doc.Tasks...)
}

// Task looks up a task by name.
func (m *Manifest) Task(name string) (TaskSpec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.doc.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskSpec{}, false
}

// Events returns the hook event names declared in the manifest, sorted.
func (m *Manifest) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.doc.Hooks))
	for ev := range m.doc.Hooks {
		out = append(out, ev)
	}
	sort.Strings(out)
	return out
}

// Graph builds a dependency graph over every task.
func (m *Manifest) Graph() *resolver.Graph {
	g := resolver.NewGraph()
	for _, t := range m.Tasks() {
		g.Add(t.Name, t.DependsOn, t.Provides)
	}
	return g
}

// WorkItems converts the named tasks, or all tasks when names is empty, to
// pending work items. Item ids are task names.
func (m *Manifest) WorkItems(names []string, d Defaults) ([]*workitem.WorkItem, error) {
	specs := m.Tasks()
	if len(names) > 0 {
		specs = specs[:0:0]
		for _, name := range names {
			t, ok := m.Task(name)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
			}
			specs = append(specs, t)
		}
	}

	items := make([]*workitem.WorkItem, 0, len(specs))
	for _, t := range specs {
		item, err := t.WorkItem(d)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// WorkItem converts a task spec, applying d for unset fields.
func (t TaskSpec) WorkItem(d Defaults) (*workitem.WorkItem, error) {
	p, err := workitem.ParsePriority(t.Priority)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", t.Name, err)
	}
	retry, err := retryPolicy(t.Retries, t.RetryDelay, d)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", t.Name, err)
	}

	item := workitem.New(t.Name)
	item.Priority = p
	item.Command = t.Command
	item.Args = append([]string(nil), t.Args...)
	item.Shell = t.Shell
	item.Callback = t.Callback
	item.Dir = t.Dir
	item.DependsOn = append([]string(nil), t.DependsOn...)
	item.Retry = retry
	item.Timeout = seconds(t.Timeout, d.Timeout)
	if len(t.Env) > 0 {
		item.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			item.Env[k] = v
		}
	}
	return item, nil
}

// HookRegistry builds a hook registry from the hooks section.
func (m *Manifest) HookRegistry(d Defaults) (*hooks.Registry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reg := hooks.NewRegistry()
	for event, eh := range m.doc.Hooks {
		defs, err := definitions(eh.Defaults, d)
		if err != nil {
			return nil, fmt.Errorf("hooks.%s: %w", event, err)
		}
		reg.SetDefaults(event, defs)
		for subject, specs := range eh.Subjects {
			defs, err := definitions(specs, d)
			if err != nil {
				return nil, fmt.Errorf("hooks.%s.subjects.%s: %w", event, subject, err)
			}
			reg.Set(event, subject, defs)
		}
	}
	return reg, nil
}

func definitions(specs []HookSpec, d Defaults) ([]hooks.Definition, error) {
	defs := make([]hooks.Definition, 0, len(specs))
	for _, h := range specs {
		p, err := workitem.ParsePriority(h.Priority)
		if err != nil {
			return nil, fmt.Errorf("hook %s: %w", h.Name, err)
		}
		retry, err := retryPolicy(h.Retries, h.RetryDelay, d)
		if err != nil {
			return nil, fmt.Errorf("hook %s: %w", h.Name, err)
		}
		defs = append(defs, hooks.Definition{
			Name:       h.Name,
			Command:    h.Command,
			Args:       append([]string(nil), h.Args...),
			Shell:      h.Shell,
			Dir:        h.Dir,
			Env:        h.Env,
			Priority:   p,
			Timeout:    seconds(h.Timeout, d.Timeout),
			Retries:    retry.MaxRetries,
			RetryDelay: retry.Delay,
		})
	}
	return defs, nil
}

func retryPolicy(retries *int, delay string, d Defaults) (workitem.RetryPolicy, error) {
	rp := workitem.RetryPolicy{MaxRetries: d.Retries, Delay: d.RetryDelay}
	if retries != nil {
		rp.MaxRetries = *retries
	}
	if delay != "" {
		dur, err := time.ParseDuration(delay)
		if err != nil {
			return rp, fmt.Errorf("invalid retry_delay %q: %w", delay, err)
		}
		rp.Delay = dur
	}
	if rp.MaxRetries < 0 {
		return rp, workitem.ErrInvalidRetries
	}
	return rp, nil
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func readDocument(path string) (document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return document{}, fmt.Errorf("reading manifest: %w", err)
	}
	doc, err := parse(data)
	if err != nil {
		return document{}, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

func parse(data []byte) (document, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := validate(doc); err != nil {
		return doc, err
	}
	return doc, nil
}

// validate rejects structural mistakes. Dependency cycles are left for the
// resolver to report with the offending path.
func validate(doc document) error {
	var errs []error
	names := make(map[string]bool, len(doc.Tasks))
	for i, t := range doc.Tasks {
		if strings.TrimSpace(t.Name) == "" {
			errs = append(errs, fmt.Errorf("tasks[%d]: %w", i, ErrMissingName))
			continue
		}
		if names[t.Name] {
			errs = append(errs, fmt.Errorf("tasks[%d]: %w: %s", i, ErrDuplicateTask, t.Name))
		}
		names[t.Name] = true
		if t.Command == "" && t.Shell == "" && t.Callback == "" {
			errs = append(errs, fmt.Errorf("task %s: %w", t.Name, ErrNoCommand))
		}
		if t.Timeout < 0 {
			errs = append(errs, fmt.Errorf("task %s: %w", t.Name, ErrInvalidTimeout))
		}
		if _, err := workitem.ParsePriority(t.Priority); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.Name, err))
		}
		if _, err := retryPolicy(t.Retries, t.RetryDelay, Defaults{}); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.Name, err))
		}
	}
	for _, t := range doc.Tasks {
		for _, dep := range t.DependsOn {
			if !names[dep] {
				errs = append(errs, fmt.Errorf("task %s: %w: %s", t.Name, ErrUnknownDependency, dep))
			}
		}
	}

	for event, eh := range doc.Hooks {
		errs = append(errs, validateHooks("hooks."+event+".defaults", eh.Defaults)...)
		for subject, specs := range eh.Subjects {
			errs = append(errs, validateHooks("hooks."+event+".subjects."+subject, specs)...)
		}
	}
	return errors.Join(errs...)
}

func validateHooks(where string, specs []HookSpec) []error {
	var errs []error
	seen := make(map[string]bool, len(specs))
	for i, h := range specs {
		if strings.TrimSpace(h.Name) == "" {
			errs = append(errs, fmt.Errorf("%s[%d]: %w", where, i, ErrMissingName))
			continue
		}
		if seen[h.Name] {
			errs = append(errs, fmt.Errorf("%s: %w: %s", where, ErrDuplicateHook, h.Name))
		}
		seen[h.Name] = true
		if h.Command == "" && h.Shell == "" {
			errs = append(errs, fmt.Errorf("%s: hook %s: %w", where, h.Name, ErrNoCommand))
		}
		if h.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s: hook %s: %w", where, h.Name, ErrInvalidTimeout))
		}
		if _, err := workitem.ParsePriority(h.Priority); err != nil {
			errs = append(errs, fmt.Errorf("%s: hook %s: %w", where, h.Name, err))
		}
		if _, err := retryPolicy(h.Retries, h.RetryDelay, Defaults{}); err != nil {
			errs = append(errs, fmt.Errorf("%s: hook %s: %w", where, h.Name, err))
		}
	}
	return errs
}
