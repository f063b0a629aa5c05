// Package workitem defines the shared vocabulary for tasks and hooks:
// identifiers, priorities, retry policy, and the lifecycle state machine.
package workitem

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind discriminates tasks from hooks.
type Kind string

const (
	KindTask Kind = "task"
	KindHook Kind = "hook"
)

// Priority orders work items. Higher values are scheduled first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 10
	PriorityHigh     Priority = 100
	PriorityCritical Priority = 1000
)

// Tiers returns every priority in scheduling order (highest first).
func Tiers() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
}

// String returns the lowercase tier name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return strconv.Itoa(int(p))
	}
}

// Valid reports whether p is one of the four tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Promote returns the next tier up, saturating at Critical.
func (p Priority) Promote() Priority {
	switch {
	case p >= PriorityCritical:
		return PriorityCritical
	case p >= PriorityHigh:
		return PriorityCritical
	case p >= PriorityMedium:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// Demote returns the next tier down, saturating at Low.
func (p Priority) Demote() Priority {
	switch {
	case p > PriorityHigh:
		return PriorityHigh
	case p > PriorityMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// ParsePriority accepts a tier name (case-insensitive) or its numeric value.
// An empty string yields Medium.
func ParsePriority(s string) (Priority, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return PriorityMedium, nil
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	}
	n, err := strconv.Atoi(s)
	if err == nil && Priority(n).Valid() {
		return Priority(n), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

// Status is a lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// IsSuccess reports whether s is the terminal success state.
func (s Status) IsSuccess() bool {
	return s == StatusCompleted
}

// Cancellation and failure reasons recorded alongside a terminal status.
const (
	ReasonDependencyFailed = "dependency_failed"
	ReasonStopped          = "stopped"
	ReasonShutdown         = "shutdown"
	ReasonInterrupted      = "interrupted"
	ReasonSkippedByPolicy  = "skipped_by_policy"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrMissingID         = errors.New("work item id is required")
	ErrNoCommand         = errors.New("work item has no command, shell, or callback")
	ErrInvalidTimeout    = errors.New("timeout must be positive")
	ErrInvalidRetries    = errors.New("retry count must not be negative")
)

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RetryPolicy bounds re-execution after a failed attempt.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	Delay      time.Duration `json:"delay"`
}

// Attempts is the total number of executions the policy allows.
func (r RetryPolicy) Attempts() int {
	if r.MaxRetries < 0 {
		return 1
	}
	return 1 + r.MaxRetries
}

// WorkItem is the unit scheduled and executed by the engine.
type WorkItem struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	Name      string        `json:"name,omitempty"`
	Priority  Priority      `json:"priority"`
	Timeout   time.Duration `json:"timeout"`
	DependsOn []string      `json:"depends_on,omitempty"`
	Retry     RetryPolicy   `json:"retry"`

	// Command-backed items set Command (+Args) or Shell.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Shell   string   `json:"shell,omitempty"`
	// Callback-backed items name a registered in-process function.
	Callback string            `json:"callback,omitempty"`
	Dir      string            `json:"dir,omitempty"`
	Env      map[string]string `json:"env,omitempty"`

	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// New creates a pending task with Medium priority.
func New(id string) *WorkItem {
	return &WorkItem{
		ID:       id,
		Kind:     KindTask,
		Name:     id,
		Priority: PriorityMedium,
		Status:   StatusPending,
	}
}

// Validate checks the fields required before submission.
func (w *WorkItem) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return ErrMissingID
	}
	if !w.Priority.Valid() {
		return fmt.Errorf("%s: %w: %d", w.ID, ErrInvalidPriority, int(w.Priority))
	}
	if w.Timeout <= 0 {
		return fmt.Errorf("%s: %w", w.ID, ErrInvalidTimeout)
	}
	if w.Retry.MaxRetries < 0 {
		return fmt.Errorf("%s: %w", w.ID, ErrInvalidRetries)
	}
	if w.Command == "" && w.Shell == "" && w.Callback == "" {
		return fmt.Errorf("%s: %w", w.ID, ErrNoCommand)
	}
	return nil
}

// IsCallback reports whether the item runs an in-process callback.
func (w *WorkItem) IsCallback() bool {
	return w.Callback != "" && w.Command == "" && w.Shell == ""
}

// DisplayName returns Name, falling back to ID.
func (w *WorkItem) DisplayName() string {
	if w.Name != "" {
		return w.Name
	}
	return w.ID
}

// Transition moves the item to the next state and stamps the matching
// lifecycle timestamp.
func (w *WorkItem) Transition(to Status, now time.Time) error {
	if !CanTransition(w.Status, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, w.Status, to, w.ID)
	}
	w.Status = to
	switch {
	case to == StatusRunning:
		w.StartedAt = now
	case to.IsTerminal():
		w.CompletedAt = now
	}
	return nil
}

// Clone returns a deep copy.
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	if w.DependsOn != nil {
		c.DependsOn = append([]string(nil), w.DependsOn...)
	}
	if w.Args != nil {
		c.Args = append([]string(nil), w.Args...)
	}
	if w.Env != nil {
		c.Env = make(map[string]string, len(w.Env))
		for k, v := range w.Env {
			c.Env[k] = v
		}
	}
	return &c
}
