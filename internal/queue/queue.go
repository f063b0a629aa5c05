// Package queue holds pending work items and yields the highest-priority
// ready item. It never blocks: callers poll Next or wait for a completion
// signal from the runner.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marcus/vigil/internal/logging"
	"github.com/marcus/vigil/internal/workitem"
)

var (
	ErrDuplicate = errors.New("work item already pending or running")
	ErrQueueFull = errors.New("queue is full")
)

// DefaultMaxDepth bounds the queue when Config.MaxDepth is unset.
const DefaultMaxDepth = 256

// StatusFunc reports the lifecycle status of an id known outside the queue
// (running or finished items). ok is false for unknown ids.
type StatusFunc func(id string) (status workitem.Status, ok bool)

// Config holds queue limits and priority adjustment policy.
type Config struct {
	MaxDepth int // submissions beyond this fail with ErrQueueFull

	// DemoteAfterFailures demotes an item name one tier after this many
	// consecutive failures (0 disables).
	DemoteAfterFailures int
	DemotionCooldown    time.Duration // how long a demotion lasts

	// StaleAfter promotes an item one tier once it has waited this long (0 disables).
	StaleAfter time.Duration
}

// DefaultConfig returns a queue config with adjustments disabled.
func DefaultConfig() Config {
	return Config{
		MaxDepth:         DefaultMaxDepth,
		DemotionCooldown: 10 * time.Minute,
	}
}

type entry struct {
	item     *workitem.WorkItem
	seq      uint64
	enqueued time.Time
}

// Stats summarizes outcomes recorded for one item name.
type Stats struct {
	Successes           int
	Failures            int
	ConsecutiveFailures int
	TotalDuration       time.Duration
	LastCompletion      time.Time
	DemotedUntil        time.Time
}

// Queue is a bounded priority queue with dependency readiness.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	status  StatusFunc
	entries []*entry
	byID    map[string]*entry
	seq     uint64
	stats   map[string]*Stats
	now     func() time.Time
	logger  *logging.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a queue. status may be nil, in which case every dependency is
// considered unknown and items with dependencies never become ready.
func New(cfg Config, status StatusFunc, opts ...Option) *Queue {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	q := &Queue{
		cfg:    cfg,
		status: status,
		byID:   make(map[string]*entry),
		stats:  make(map[string]*Stats),
		now:    time.Now,
		logger: logging.Component("queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit enqueues item. It fails fast with ErrDuplicate when the id is
// already pending here or running elsewhere, and with ErrQueueFull at depth.
func (q *Queue) Submit(item *workitem.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[item.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, item.ID)
	}
	if q.status != nil {
		if st, ok := q.status(item.ID); ok && (st == workitem.StatusRunning || st == workitem.StatusPending) {
			return fmt.Errorf("%w: %s", ErrDuplicate, item.ID)
		}
	}
	if len(q.entries) >= q.cfg.MaxDepth {
		return fmt.Errorf("%w: depth %d", ErrQueueFull, q.cfg.MaxDepth)
	}

	q.seq++
	e := &entry{item: item, seq: q.seq, enqueued: q.now()}
	q.entries = append(q.entries, e)
	q.byID[item.ID] = e
	return nil
}

// Requeue returns a popped item to the queue with its original position so
// FIFO order within its tier is preserved. The depth limit is not applied.
func (q *Queue) Requeue(item *workitem.WorkItem, seq uint64, enqueued time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[item.ID]; ok {
		return
	}
	e := &entry{item: item, seq: seq, enqueued: enqueued}
	q.entries = append(q.entries, e)
	q.byID[item.ID] = e
}

// Ticket identifies a popped item's place in the queue for Requeue.
type Ticket struct {
	Seq      uint64
	Enqueued time.Time
}

// Next pops the ready item with the highest effective priority, breaking
// ties by submission order. ok is false when nothing is ready.
func (q *Queue) Next() (item *workitem.WorkItem, ticket Ticket, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	best := -1
	var bestPri workitem.Priority
	for i, e := range q.entries {
		if !q.readyLocked(e.item) {
			continue
		}
		p := q.effectiveLocked(e, now)
		if best < 0 || p > bestPri || (p == bestPri && e.seq < q.entries[best].seq) {
			best, bestPri = i, p
		}
	}
	if best < 0 {
		return nil, Ticket{}, false
	}

	e := q.entries[best]
	q.removeAt(best)
	if bestPri != e.item.Priority {
		q.logger.DebugCtx("priority adjusted", map[string]any{
			"id":        e.item.ID,
			"base":      e.item.Priority.String(),
			"effective": bestPri.String(),
		})
	}
	return e.item, Ticket{Seq: e.seq, Enqueued: e.enqueued}, true
}

// readyLocked reports whether every dependency has completed successfully.
func (q *Queue) readyLocked(item *workitem.WorkItem) bool {
	for _, dep := range item.DependsOn {
		if _, queued := q.byID[dep]; queued {
			return false
		}
		if q.status == nil {
			return false
		}
		st, ok := q.status(dep)
		if !ok || st != workitem.StatusCompleted {
			return false
		}
	}
	return true
}

// effectiveLocked applies demotion and staleness adjustments.
func (q *Queue) effectiveLocked(e *entry, now time.Time) workitem.Priority {
	p := e.item.Priority
	if s, ok := q.stats[e.item.DisplayName()]; ok && now.Before(s.DemotedUntil) {
		p = p.Demote()
	}
	if q.cfg.StaleAfter > 0 && now.Sub(e.enqueued) >= q.cfg.StaleAfter {
		p = p.Promote()
	}
	return p
}

func (q *Queue) removeAt(i int) {
	e := q.entries[i]
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
	delete(q.byID, e.item.ID)
}

// Remove drops a pending item. It returns false if id is not queued.
func (q *Queue) Remove(id string) (*workitem.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.item.ID == id {
			q.removeAt(i)
			return e.item, true
		}
	}
	return nil, false
}

// RemoveBlocked drops and returns every pending item with a dependency that
// reached a terminal non-success state.
func (q *Queue) RemoveBlocked() []*workitem.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.status == nil {
		return nil
	}
	var out []*workitem.WorkItem
	for i := 0; i < len(q.entries); {
		e := q.entries[i]
		if q.blockedLocked(e.item) {
			q.removeAt(i)
			out = append(out, e.item)
			continue
		}
		i++
	}
	return out
}

func (q *Queue) blockedLocked(item *workitem.WorkItem) bool {
	for _, dep := range item.DependsOn {
		if _, queued := q.byID[dep]; queued {
			continue
		}
		st, ok := q.status(dep)
		if ok && st.IsTerminal() && !st.IsSuccess() {
			return true
		}
	}
	return false
}

// Contains reports whether id is pending in the queue.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pending returns the ids of pending items in submission order.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.item.ID
	}
	return out
}

// RecordCompletion feeds an outcome back into the priority policy. Stats are
// keyed by item name so repeated submissions of the same job accumulate.
func (q *Queue) RecordCompletion(item *workitem.WorkItem, success bool, duration time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	name := item.DisplayName()
	s, ok := q.stats[name]
	if !ok {
		s = &Stats{}
		q.stats[name] = s
	}
	now := q.now()
	s.LastCompletion = now
	s.TotalDuration += duration
	if success {
		s.Successes++
		s.ConsecutiveFailures = 0
		s.DemotedUntil = time.Time{}
		return
	}
	s.Failures++
	s.ConsecutiveFailures++
	if q.cfg.DemoteAfterFailures > 0 && s.ConsecutiveFailures >= q.cfg.DemoteAfterFailures {
		s.DemotedUntil = now.Add(q.cfg.DemotionCooldown)
		q.logger.InfoCtx("demoting repeatedly failing item", map[string]any{
			"name":     name,
			"failures": s.ConsecutiveFailures,
			"until":    s.DemotedUntil.Format(time.RFC3339),
		})
	}
}

// StatsFor returns the recorded outcome stats for an item name.
func (q *Queue) StatsFor(name string) (Stats, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.stats[name]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// SetConfig swaps the policy. Pending items are kept even if MaxDepth shrinks.
func (q *Queue) SetConfig(cfg Config) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	q.cfg = cfg
}
