package hooks

import (
	"sort"
	"sync"
	"time"

	"github.com/marcus/vigil/internal/workitem"
)

// Definition describes one hook executable.
type Definition struct {
	Name       string
	Command    string
	Args       []string
	Shell      string
	Dir        string
	Env        map[string]string
	Priority   workitem.Priority
	Timeout    time.Duration // zero uses the engine default
	Retries    int
	RetryDelay time.Duration
}

// Registry maps lifecycle events to hook definitions. Each event has a
// generic default set and optional per-subject sets.
type Registry struct {
	mu       sync.RWMutex
	defaults map[string][]Definition
	subjects map[string]map[string][]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defaults: make(map[string][]Definition),
		subjects: make(map[string]map[string][]Definition),
	}
}

// SetDefaults replaces the generic hooks for event.
func (r *Registry) SetDefaults(event string, defs []Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[event] = append([]Definition(nil), defs...)
}

// Set replaces the hooks for one subject of event. An empty subject is the
// same as SetDefaults.
func (r *Registry) Set(event, subject string, defs []Definition) {
	if subject == "" {
		r.SetDefaults(event, defs)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subjects[event] == nil {
		r.subjects[event] = make(map[string][]Definition)
	}
	r.subjects[event][subject] = append([]Definition(nil), defs...)
}

// Events returns the registered event names, sorted.
func (r *Registry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for ev := range r.defaults {
		seen[ev] = true
	}
	for ev := range r.subjects {
		seen[ev] = true
	}
	out := make([]string, 0, len(seen))
	for ev := range seen {
		out = append(out, ev)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the hooks that apply to subject for event: the generic
// defaults merged with the subject's own set, de-duplicated by name with
// the subject-specific definition winning. The result is ordered by tier,
// highest first, and by declaration order within a tier.
func (r *Registry) Resolve(event, subject string) []Definition {
	r.mu.RLock()
	defaults := r.defaults[event]
	var specific []Definition
	if subject != "" {
		specific = r.subjects[event][subject]
	}
	r.mu.RUnlock()

	override := make(map[string]Definition, len(specific))
	for _, d := range specific {
		override[d.Name] = d
	}

	out := make([]Definition, 0, len(defaults)+len(specific))
	used := make(map[string]bool, len(defaults)+len(specific))
	for _, d := range defaults {
		if used[d.Name] {
			continue
		}
		if o, ok := override[d.Name]; ok {
			d = o
		}
		used[d.Name] = true
		out = append(out, d)
	}
	for _, d := range specific {
		if used[d.Name] {
			continue
		}
		used[d.Name] = true
		out = append(out, d)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return tierOf(out[i].Priority) > tierOf(out[j].Priority)
	})
	return out
}

// tierOf maps unset priorities to Medium.
func tierOf(p workitem.Priority) workitem.Priority {
	if !p.Valid() {
		return workitem.PriorityMedium
	}
	return p
}
