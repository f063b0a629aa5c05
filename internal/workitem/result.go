package workitem

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionResult is the immutable outcome of one attempt, or of the final
// attempt once the item is terminal.
type ExecutionResult struct {
	WorkItemID  string        `json:"work_item_id"`
	Kind        Kind          `json:"kind"`
	Name        string        `json:"name,omitempty"`
	Status      Status        `json:"status"`
	Duration    time.Duration `json:"duration"`
	Stdout      string        `json:"stdout,omitempty"`
	Stderr      string        `json:"stderr,omitempty"`
	Output      string        `json:"output,omitempty"` // callback-backed items
	ExitCode    int           `json:"exit_code"`
	Retries     int           `json:"retries"`
	Error       string        `json:"error,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
}

// DurationSeconds returns the duration as fractional seconds.
func (r ExecutionResult) DurationSeconds() float64 {
	return r.Duration.Seconds()
}

// Success reports whether the result is Completed.
func (r ExecutionResult) Success() bool {
	return r.Status.IsSuccess()
}

// Summary returns a single human-readable line describing the result.
func (r ExecutionResult) Summary() string {
	name := r.Name
	if name == "" {
		name = r.WorkItemID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", r.Kind, name, r.Status)
	if r.Duration > 0 {
		fmt.Fprintf(&b, " in %s", r.Duration.Round(time.Millisecond))
	}
	if r.Retries > 0 {
		fmt.Fprintf(&b, " after %d retries", r.Retries)
	}
	if r.Reason != "" {
		fmt.Fprintf(&b, " (%s)", r.Reason)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, ": %s", r.Error)
	}
	return b.String()
}

// NewResult starts a result for item with identity fields filled in.
func NewResult(item *WorkItem) ExecutionResult {
	return ExecutionResult{
		WorkItemID: item.ID,
		Kind:       item.Kind,
		Name:       item.DisplayName(),
	}
}

// CancelledResult builds the terminal record for an item that never ran.
func CancelledResult(item *WorkItem, reason, msg string, now time.Time) ExecutionResult {
	r := NewResult(item)
	r.Status = StatusCancelled
	r.Reason = reason
	r.Error = msg
	r.ExitCode = -1
	r.CompletedAt = now
	return r
}
