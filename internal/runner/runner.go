// Package runner executes work items in isolated OS processes or as
// registered in-process callbacks, enforcing timeouts, retries, and a
// concurrency ceiling. Every terminal transition is persisted and emitted as
// exactly one notification.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcus/vigil/internal/logging"
	"github.com/marcus/vigil/internal/notify"
	"github.com/marcus/vigil/internal/state"
	"github.com/marcus/vigil/internal/workitem"
)

// Defaults for runner configuration.
const (
	DefaultMaxConcurrent = 4
	DefaultTimeout       = 5 * time.Minute
	DefaultGracePeriod   = 5 * time.Second
)

var (
	// ErrDeferred means the concurrency ceiling is reached. The item was not
	// started and is still pending; resubmit once a slot frees up.
	ErrDeferred        = errors.New("concurrency limit reached, execution deferred")
	ErrAlreadyRunning  = errors.New("work item already running")
	ErrNotRunning      = errors.New("work item not running")
	ErrUnknownCallback = errors.New("unknown callback")
	ErrClosed          = errors.New("runner is closed")
)

// Cancellation causes, mapped to result reasons.
var (
	errStopped  = errors.New("stopped by request")
	errShutdown = errors.New("stopped for shutdown")
)

// Config holds runner limits.
type Config struct {
	MaxConcurrent  int           // concurrent tasks (hooks are not counted)
	DefaultTimeout time.Duration // applied to items without a timeout
	GracePeriod    time.Duration // SIGTERM -> SIGKILL window
	MaxResults     int           // results kept in memory and on disk; 0 keeps all
}

// DefaultConfig returns default runner config.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  DefaultMaxConcurrent,
		DefaultTimeout: DefaultTimeout,
		GracePeriod:    DefaultGracePeriod,
	}
}

// CallbackFunc is an in-process work function. It receives the item's Args
// and returns a textual summary.
type CallbackFunc func(ctx context.Context, args []string) (string, error)

// CompletionFunc observes terminal results.
type CompletionFunc func(item *workitem.WorkItem, result workitem.ExecutionResult)

// AttemptLogger records every attempt, not just the final one.
type AttemptLogger interface {
	LogAttempt(r workitem.ExecutionResult, attempt int) error
}

type execution struct {
	item    *workitem.WorkItem
	ctx     context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}
	counted bool // occupies a task slot
	result  workitem.ExecutionResult
}

// Runner owns the in-flight registry and the result store.
type Runner struct {
	cfg        Config
	store      *state.Store
	attempts   AttemptLogger
	notifier   notify.Notifier
	logger     *logging.Logger
	onComplete []CompletionFunc

	mu        sync.Mutex
	running   map[string]*execution
	slots     int
	results   map[string]workitem.ExecutionResult
	callbacks map[string]CallbackFunc
	closed    bool
	wg        sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithStore sets the persisted result store.
func WithStore(s *state.Store) Option {
	return func(r *Runner) {
		r.store = s
	}
}

// WithAttemptLogger sets where per-attempt records go.
func WithAttemptLogger(l AttemptLogger) Option {
	return func(r *Runner) {
		r.attempts = l
	}
}

// WithNotifier sets the completion notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Runner) {
		r.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithOnComplete adds a terminal-result observer. Observers run on the
// executing goroutine after the result is persisted and the slot is freed.
func WithOnComplete(fn CompletionFunc) Option {
	return func(r *Runner) {
		r.onComplete = append(r.onComplete, fn)
	}
}

// New creates a runner.
func New(cfg Config, opts ...Option) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	r := &Runner{
		cfg:       cfg,
		logger:    logging.Component("runner"),
		running:   make(map[string]*execution),
		results:   make(map[string]workitem.ExecutionResult),
		callbacks: make(map[string]CallbackFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the active configuration.
func (r *Runner) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// SetMaxConcurrent changes the task ceiling. Running tasks are not affected.
func (r *Runner) SetMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.cfg.MaxConcurrent = n
	r.mu.Unlock()
}

// RegisterCallback makes fn available to items naming it in Callback.
func (r *Runner) RegisterCallback(name string, fn CallbackFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[name] = fn
}

// HasCallback reports whether name is registered.
func (r *Runner) HasCallback(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.callbacks[name]
	return ok
}

// Submit starts a pending task asynchronously and returns its id. At the
// concurrency ceiling it returns ErrDeferred and leaves the item untouched.
func (r *Runner) Submit(item *workitem.WorkItem) (string, error) {
	e, err := r.start(context.Background(), item, true)
	if err != nil {
		return "", err
	}
	go r.run(e)
	return item.ID, nil
}

// Execute runs item to completion on the calling goroutine and returns the
// terminal result. It does not take a task slot; callers bound their own
// concurrency. Cancelling ctx stops the item.
func (r *Runner) Execute(ctx context.Context, item *workitem.WorkItem) (workitem.ExecutionResult, error) {
	e, err := r.start(ctx, item, false)
	if err != nil {
		return workitem.ExecutionResult{}, err
	}
	r.run(e)
	return e.result, nil
}

func (r *Runner) start(parent context.Context, item *workitem.WorkItem, counted bool) (*execution, error) {
	if item.Timeout <= 0 {
		item.Timeout = r.cfg.DefaultTimeout
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := r.running[item.ID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, item.ID)
	}
	if item.IsCallback() {
		if _, ok := r.callbacks[item.Callback]; !ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownCallback, item.Callback)
		}
	}
	if counted && r.slots >= r.cfg.MaxConcurrent {
		r.mu.Unlock()
		return nil, ErrDeferred
	}
	if err := item.Transition(workitem.StatusRunning, time.Now()); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(parent)
	e := &execution{item: item, ctx: ctx, cancel: cancel, done: make(chan struct{}), counted: counted}
	r.running[item.ID] = e
	if counted {
		r.slots++
	}
	r.wg.Add(1)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.MarkRunning(item); err != nil {
			r.logger.Err(err).Str("id", item.ID).Msg("recording running item")
		}
	}
	r.logger.InfoCtx("started", map[string]any{
		"id":       item.ID,
		"kind":     string(item.Kind),
		"name":     item.DisplayName(),
		"priority": item.Priority.String(),
		"timeout":  item.Timeout.String(),
	})

	return e, nil
}

func (r *Runner) run(e *execution) {
	defer r.wg.Done()
	res := r.attemptLoop(e.ctx, e.item)
	e.cancel(nil)
	r.finish(e, res)
}

// attemptLoop runs attempts until success, a non-retryable outcome, or the
// retry budget is spent. Only plain failures are retried.
func (r *Runner) attemptLoop(ctx context.Context, item *workitem.WorkItem) workitem.ExecutionResult {
	maxAttempts := item.Retry.Attempts()
	var res workitem.ExecutionResult

	for attempt := 1; ; attempt++ {
		started := time.Now()
		o := r.attempt(ctx, item)

		res = workitem.NewResult(item)
		res.Status = o.status
		res.Stdout = o.stdout
		res.Stderr = o.stderr
		res.Output = o.output
		res.ExitCode = o.exitCode
		res.Retries = attempt - 1
		res.StartedAt = started
		res.CompletedAt = time.Now()
		res.Duration = res.CompletedAt.Sub(started)
		if o.err != nil {
			res.Error = o.err.Error()
		}
		if o.status == workitem.StatusCancelled {
			res.Reason = reasonFor(ctx)
		}
		r.logAttempt(res, attempt)

		if o.status != workitem.StatusFailed || attempt >= maxAttempts {
			return res
		}

		r.logger.InfoCtx("attempt failed, retrying", map[string]any{
			"id":      item.ID,
			"attempt": attempt,
			"of":      maxAttempts,
			"delay":   item.Retry.Delay.String(),
			"error":   res.Error,
		})

		if !sleepCtx(ctx, item.Retry.Delay) {
			res.Status = workitem.StatusCancelled
			res.Reason = reasonFor(ctx)
			res.Error = fmt.Sprintf("cancelled while waiting to retry: %v", context.Cause(ctx))
			res.CompletedAt = time.Now()
			return res
		}
	}
}

func (r *Runner) attempt(ctx context.Context, item *workitem.WorkItem) outcome {
	if ctx.Err() != nil {
		return outcome{status: workitem.StatusCancelled, exitCode: -1, err: context.Cause(ctx)}
	}
	if item.IsCallback() {
		r.mu.Lock()
		fn := r.callbacks[item.Callback]
		r.mu.Unlock()
		return r.runCallback(ctx, item, fn, item.Timeout)
	}
	return r.runProcess(ctx, item, item.Timeout)
}

// finish records the terminal result and releases the slot.
func (r *Runner) finish(e *execution, res workitem.ExecutionResult) {
	item := e.item
	now := res.CompletedAt
	if err := item.Transition(res.Status, now); err != nil {
		r.logger.Err(err).Str("id", item.ID).Msg("terminal transition")
	}
	// Duration covers every attempt and retry delay.
	res.StartedAt = item.StartedAt
	res.Duration = now.Sub(item.StartedAt)
	e.result = res

	r.mu.Lock()
	r.results[item.ID] = res
	delete(r.running, item.ID)
	if e.counted {
		r.slots--
	}
	r.mu.Unlock()

	r.persist(res)
	r.complete(item, res)
	close(e.done)
}

func (r *Runner) persist(res workitem.ExecutionResult) {
	if r.store == nil {
		return
	}
	if err := r.store.Put(res); err != nil {
		r.logger.Err(err).Str("id", res.WorkItemID).Msg("persisting result")
	}
}

// Checkpoint applies result retention and, when the store is owned, writes
// the snapshot.
func (r *Runner) Checkpoint() error {
	if r.store == nil {
		return nil
	}
	if keep := r.Config().MaxResults; keep > 0 {
		evicted, err := r.store.Prune(keep)
		if err != nil {
			r.logger.Err(err).Msg("pruning results")
		}
		if len(evicted) > 0 {
			r.mu.Lock()
			for _, id := range evicted {
				delete(r.results, id)
			}
			r.mu.Unlock()
			r.logger.Debugf("pruned %d results", len(evicted))
		}
	}
	if !r.store.Owner() {
		return nil
	}
	return r.store.WriteSnapshot()
}

// complete logs, notifies, and runs observers for a terminal result.
func (r *Runner) complete(item *workitem.WorkItem, res workitem.ExecutionResult) {
	fields := map[string]any{
		"id":       res.WorkItemID,
		"status":   string(res.Status),
		"duration": res.Duration.String(),
		"retries":  res.Retries,
	}
	if res.Error != "" {
		fields["error"] = res.Error
	}
	if res.Reason != "" {
		fields["reason"] = res.Reason
	}
	if res.Status.IsSuccess() {
		r.logger.InfoCtx("completed", fields)
	} else {
		r.logger.WarnCtx("finished without success", fields)
	}

	if r.notifier != nil {
		r.safely("notifier", func() { r.notifier.Notify(notify.FromResult(res)) })
	}
	for _, fn := range r.onComplete {
		fn := fn
		r.safely("completion callback", func() { fn(item, res) })
	}
}

func (r *Runner) safely(what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorCtx(what+" panicked", map[string]any{"panic": fmt.Sprint(p)})
		}
	}()
	fn()
}

func (r *Runner) logAttempt(res workitem.ExecutionResult, attempt int) {
	if r.attempts == nil {
		return
	}
	if err := r.attempts.LogAttempt(res, attempt); err != nil {
		r.logger.Err(err).Str("id", res.WorkItemID).Msg("logging attempt")
	}
}

// Cancel records a Cancelled result for a pending item that will never run,
// such as a dependent of a failed item.
func (r *Runner) Cancel(item *workitem.WorkItem, reason, msg string) error {
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if err := item.Transition(workitem.StatusCancelled, now); err != nil {
		return err
	}
	res := workitem.CancelledResult(item, reason, msg, now)

	r.mu.Lock()
	r.results[item.ID] = res
	r.mu.Unlock()

	r.logAttempt(res, 0)
	r.persist(res)
	r.complete(item, res)
	return nil
}

// Stop asks a running item to terminate and waits for it. Processes get
// SIGTERM, then SIGKILL after the grace period. The result is Cancelled.
func (r *Runner) Stop(id string) error {
	r.mu.Lock()
	e, ok := r.running[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	e.cancel(errStopped)
	<-e.done
	return nil
}

// StopAll stops every running item and waits until none remain, so no
// child process outlives the engine.
func (r *Runner) StopAll() {
	r.mu.Lock()
	execs := make([]*execution, 0, len(r.running))
	for _, e := range r.running {
		execs = append(execs, e)
	}
	r.mu.Unlock()

	for _, e := range execs {
		e.cancel(errShutdown)
	}
	for _, e := range execs {
		<-e.done
	}
	if len(execs) > 0 {
		r.logger.Infof("stopped %d running items", len(execs))
	}
}

// Close rejects new work, stops everything running, and waits for all
// executions to finish.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.StopAll()
	r.wg.Wait()
}

// Recover reloads prior results from the store. Items that were running
// when the previous process died are reported failed.
func (r *Runner) Recover() (state.Recovery, error) {
	if r.store == nil {
		return state.Recovery{}, nil
	}
	rec, err := r.store.Recover(time.Now())
	if err != nil {
		return rec, err
	}

	r.mu.Lock()
	for _, res := range r.store.All() {
		r.results[res.WorkItemID] = res
	}
	r.mu.Unlock()

	for _, id := range rec.Reclassified {
		res, _ := r.store.Get(id)
		r.logger.WarnCtx("reclassified interrupted item as failed", map[string]any{"id": id})
		if r.notifier != nil {
			r.safely("notifier", func() { r.notifier.Notify(notify.FromResult(res)) })
		}
	}
	return rec, nil
}

// SnapshotLoop checkpoints every interval until ctx is done.
func (r *Runner) SnapshotLoop(ctx context.Context, interval time.Duration) {
	if r.store == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Checkpoint(); err != nil {
				r.logger.Err(err).Msg("writing snapshot")
			}
		}
	}
}

// GetStatus returns the current or final result for id. Running items get
// a partial result with status Running.
func (r *Runner) GetStatus(id string) (workitem.ExecutionResult, bool) {
	r.mu.Lock()
	if e, ok := r.running[id]; ok {
		res := workitem.NewResult(e.item)
		res.Status = workitem.StatusRunning
		res.StartedAt = e.item.StartedAt
		res.Duration = time.Since(e.item.StartedAt)
		r.mu.Unlock()
		return res, true
	}
	res, ok := r.results[id]
	r.mu.Unlock()
	if ok {
		return res, true
	}
	if r.store != nil {
		return r.store.Get(id)
	}
	return workitem.ExecutionResult{}, false
}

// Status reports only the lifecycle state for id.
func (r *Runner) Status(id string) (workitem.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[id]; ok {
		return workitem.StatusRunning, true
	}
	if res, ok := r.results[id]; ok {
		return res.Status, true
	}
	return "", false
}

// ListRunning returns ids of running items, oldest first.
func (r *Runner) ListRunning() []string {
	r.mu.Lock()
	execs := make([]*execution, 0, len(r.running))
	for _, e := range r.running {
		execs = append(execs, e)
	}
	r.mu.Unlock()

	sort.Slice(execs, func(i, j int) bool {
		if !execs[i].item.StartedAt.Equal(execs[j].item.StartedAt) {
			return execs[i].item.StartedAt.Before(execs[j].item.StartedAt)
		}
		return execs[i].item.ID < execs[j].item.ID
	})
	ids := make([]string, len(execs))
	for i, e := range execs {
		ids[i] = e.item.ID
	}
	return ids
}

// Running returns the number of occupied task slots.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots
}

// Results returns every terminal result known to this process.
func (r *Runner) Results() []workitem.ExecutionResult {
	r.mu.Lock()
	out := make([]workitem.ExecutionResult, 0, len(r.results))
	for _, res := range r.results {
		out = append(out, res)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out
}

func reasonFor(ctx context.Context) string {
	switch context.Cause(ctx) {
	case errStopped:
		return workitem.ReasonStopped
	case errShutdown:
		return workitem.ReasonShutdown
	default:
		return workitem.ReasonStopped
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
