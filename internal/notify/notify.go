// Package notify carries completion events from the engine to whatever
// presents them. The engine emits one Event per terminal transition and does
// not care how, or whether, it is displayed.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus/vigil/internal/logging"
	"github.com/marcus/vigil/internal/workitem"
)

// Event is the outbound completion notification.
type Event struct {
	ID       string
	Kind     workitem.Kind
	Name     string
	Status   workitem.Status
	Reason   string
	Duration time.Duration
	Summary  string
	Time     time.Time
}

// FromResult builds the event for a terminal result.
func FromResult(r workitem.ExecutionResult) Event {
	t := r.CompletedAt
	if t.IsZero() {
		t = time.Now()
	}
	return Event{
		ID:       r.WorkItemID,
		Kind:     r.Kind,
		Name:     r.Name,
		Status:   r.Status,
		Reason:   r.Reason,
		Duration: r.Duration,
		Summary:  r.Summary(),
		Time:     t,
	}
}

// Notifier receives completion events. Implementations must not block for long.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Notify calls f.
func (f NotifierFunc) Notify(e Event) { f(e) }

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

// Notify delivers e to every non-nil notifier.
func (m Multi) Notify(e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(e)
		}
	}
}

// LogNotifier writes events to a logger.
type LogNotifier struct {
	Logger *logging.Logger
}

// NewLogNotifier returns a notifier logging under the "notify" component.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{Logger: logging.Component("notify")}
}

// Notify logs e at info for success and warn otherwise.
func (n *LogNotifier) Notify(e Event) {
	fields := map[string]any{
		"id":       e.ID,
		"kind":     string(e.Kind),
		"status":   string(e.Status),
		"duration": e.Duration.String(),
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}
	if e.Status.IsSuccess() {
		n.Logger.InfoCtx(e.Summary, fields)
		return
	}
	n.Logger.WarnCtx(e.Summary, fields)
}

// ChannelNotifier forwards events to a buffered channel without blocking.
// Events that do not fit are dropped and counted.
type ChannelNotifier struct {
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewChannelNotifier creates a notifier with the given buffer size.
func NewChannelNotifier(size int) *ChannelNotifier {
	if size <= 0 {
		size = 64
	}
	return &ChannelNotifier{ch: make(chan Event, size)}
}

// Events returns the receive side.
func (c *ChannelNotifier) Events() <-chan Event { return c.ch }

// Notify enqueues e or drops it when the buffer is full.
func (c *ChannelNotifier) Notify(e Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.dropped.Add(1)
		return
	}
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded.
func (c *ChannelNotifier) Dropped() int64 { return c.dropped.Load() }

// Close closes the channel. Later events are dropped.
func (c *ChannelNotifier) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}
