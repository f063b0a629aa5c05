// Package engine owns the work item registry and wires the queue, runner,
// hook engine, and persistence into a single submission API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/vigil/internal/config"
	"github.com/marcus/vigil/internal/db"
	"github.com/marcus/vigil/internal/hooks"
	"github.com/marcus/vigil/internal/logging"
	"github.com/marcus/vigil/internal/notify"
	"github.com/marcus/vigil/internal/queue"
	"github.com/marcus/vigil/internal/resolver"
	"github.com/marcus/vigil/internal/runner"
	"github.com/marcus/vigil/internal/state"
	"github.com/marcus/vigil/internal/telemetry"
	"github.com/marcus/vigil/internal/workitem"
)

var (
	// ErrConfig classifies configuration-level submission errors such as
	// unknown dependencies and cycles.
	ErrConfig         = errors.New("configuration error")
	ErrNotInitialized = errors.New("engine not initialized")
	ErrDisabled       = errors.New("engine disabled by configuration")
	ErrNotFound       = errors.New("work item not found")
	ErrClosed         = errors.New("engine shut down")
)

// pollInterval re-checks the queue so staleness promotion is applied even
// when no completion arrives.
const pollInterval = time.Second

// BatchResult reports what SubmitBatch accepted.
type BatchResult struct {
	Submitted []string         // in submission (topological) order
	Rejected  map[string]error // id -> reason
}

// Engine is the single owner of in-flight work.
type Engine struct {
	cfg    atomic.Pointer[config.Config] // swapped by ApplyConfig
	logger *logging.Logger

	store   *state.Store
	db      *db.DB
	ownsDB  bool
	metrics *telemetry.Recorder
	runner  *runner.Runner
	queue   *queue.Queue
	graph   *resolver.Graph

	hooksMu     sync.RWMutex
	hooks       *hooks.Engine
	hookHandler hooks.EventHandler

	notifiers []notify.Notifier
	callbacks map[string]runner.CallbackFunc
	registry  *hooks.Registry

	submitMu sync.Mutex // serializes graph validation and enqueue

	mu          sync.Mutex
	pending     map[string]*workitem.WorkItem
	changed     chan struct{}
	initialized bool
	closed      bool
	cancel      context.CancelFunc
	loops       sync.WaitGroup

	wake chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithNotifier adds a completion notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		e.notifiers = append(e.notifiers, n)
	}
}

// WithCallback registers an in-process callback.
func WithCallback(name string, fn runner.CallbackFunc) Option {
	return func(e *Engine) {
		e.callbacks[name] = fn
	}
}

// WithHooks sets the hook registry.
func WithHooks(reg *hooks.Registry) Option {
	return func(e *Engine) {
		e.registry = reg
	}
}

// WithHookEvents receives tier progress from every hook run.
func WithHookEvents(h hooks.EventHandler) Option {
	return func(e *Engine) {
		e.hookHandler = h
	}
}

// WithDB uses an already open attempt log. The engine does not close it.
func WithDB(d *db.DB) Option {
	return func(e *Engine) {
		e.db = d
	}
}

// New builds an engine from cfg. Nothing runs until Init.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrConfig)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	e := &Engine{
		logger:    logging.Component("engine"),
		graph:     resolver.NewGraph(),
		callbacks: make(map[string]runner.CallbackFunc),
		pending:   make(map[string]*workitem.WorkItem),
		changed:   make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
	e.cfg.Store(cfg)
	for _, opt := range opts {
		opt(e)
	}

	store, err := state.New(cfg.Storage.ResultsDir, cfg.Storage.SnapshotPath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	e.store = store

	if e.db == nil {
		d, err := db.Open(cfg.Storage.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open attempt log: %w", err)
		}
		e.db = d
		e.ownsDB = true
		e.logger.DebugCtx("opened attempt log", map[string]any{"path": d.Path()})
	}

	metrics, err := telemetry.New(telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Interval: cfg.TelemetryInterval(),
	})
	if err != nil {
		e.closeDB()
		return nil, err
	}
	e.metrics = metrics

	fanout := append(notify.Multi{metrics}, e.notifiers...)
	e.runner = runner.New(runnerConfig(cfg),
		runner.WithStore(store),
		runner.WithAttemptLogger(e.db),
		runner.WithNotifier(fanout),
		runner.WithOnComplete(e.onComplete),
	)
	for name, fn := range e.callbacks {
		e.runner.RegisterCallback(name, fn)
	}

	e.queue = queue.New(queueConfig(cfg), e.runner.Status)

	if e.registry == nil {
		e.registry = hooks.NewRegistry()
	}
	e.hooks = e.newHookEngine(e.registry)

	return e, nil
}

func runnerConfig(cfg *config.Config) runner.Config {
	return runner.Config{
		MaxConcurrent:  cfg.Tasks.MaxConcurrent,
		DefaultTimeout: cfg.TaskTimeout(),
		GracePeriod:    cfg.GracePeriod(),
		MaxResults:     cfg.Storage.MaxResults,
	}
}

func queueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		MaxDepth:            cfg.Tasks.MaxQueueDepth,
		DemoteAfterFailures: cfg.Scheduler.DemoteAfterFailures,
		DemotionCooldown:    cfg.DemotionCooldown(),
		StaleAfter:          cfg.StaleAfter(),
	}
}

func hookPolicy(cfg *config.Config) hooks.Policy {
	return hooks.Policy{
		ContinueOnFailure: cfg.Hooks.ContinueOnFailure,
		BlockingTiers:     cfg.BlockingTiers(),
		MaxConcurrent:     cfg.Hooks.MaxConcurrent,
		DefaultTimeout:    cfg.HookTimeout(),
	}
}

func (e *Engine) newHookEngine(reg *hooks.Registry) *hooks.Engine {
	opts := []hooks.Option{
		hooks.WithPolicy(hookPolicy(e.config())),
		hooks.WithRunRecorder(e.db),
	}
	if e.hookHandler != nil {
		opts = append(opts, hooks.WithEventHandler(e.hookHandler))
	}
	return hooks.NewEngine(reg, e.runner, opts...)
}

// config returns the active configuration.
func (e *Engine) config() *config.Config { return e.cfg.Load() }

// Init takes ownership of the state store when it is free, recovers
// persisted state, and starts the dispatch and snapshot loops. When another
// process owns the store, for example a running daemon, the engine runs as a
// secondary: it records its own results but leaves the owner's in-flight
// items, running record, and snapshot alone.
func (e *Engine) Init(ctx context.Context) error {
	cfg := e.config()
	if !cfg.Enabled {
		return ErrDisabled
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.store.Acquire(); err != nil {
		if !errors.Is(err, state.ErrLocked) {
			return fmt.Errorf("lock state store: %w", err)
		}
		e.logger.WarnCtx("state store in use, running without recovery", map[string]any{
			"error": err.Error(),
		})
	}

	rec, err := e.runner.Recover()
	if err != nil {
		_ = e.store.Release()
		return fmt.Errorf("recover state: %w", err)
	}
	if rec.Loaded > 0 || len(rec.Reclassified) > 0 {
		e.logger.InfoCtx("recovered state", map[string]any{
			"results":     rec.Loaded,
			"interrupted": len(rec.Reclassified),
		})
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.initialized = true
	e.cancel = cancel
	e.mu.Unlock()

	e.loops.Add(2)
	go func() {
		defer e.loops.Done()
		e.dispatchLoop(loopCtx)
	}()
	go func() {
		defer e.loops.Done()
		e.runner.SnapshotLoop(loopCtx, cfg.SnapshotInterval())
	}()
	return nil
}

// Shutdown stops dispatching, cancels queued items, stops running ones,
// and flushes state. It is safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.loops.Wait()

	for _, id := range e.queue.Pending() {
		if item, ok := e.queue.Remove(id); ok {
			if err := e.runner.Cancel(item, workitem.ReasonShutdown, "engine shut down before item ran"); err != nil {
				e.logger.Err(err).Str("id", id).Msg("cancel queued item")
			}
		}
	}
	e.runner.Close()

	var errs []error
	if err := e.runner.Checkpoint(); err != nil {
		errs = append(errs, fmt.Errorf("final snapshot: %w", err))
	}
	if err := e.store.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release state store: %w", err))
	}
	if err := e.metrics.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.closeDB(); err != nil {
		errs = append(errs, err)
	}
	e.broadcast()
	e.logger.Info("engine shut down")
	return errors.Join(errs...)
}

func (e *Engine) closeDB() error {
	if e.ownsDB && e.db != nil {
		return e.db.Close()
	}
	return nil
}

func (e *Engine) ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return ErrClosed
	case !e.initialized:
		return ErrNotInitialized
	}
	return nil
}

// SubmitTask validates item against the dependency graph and queues it. An
// empty ID is replaced by a UUID. The returned id is valid even when the
// item was cancelled immediately because a dependency had already failed.
func (e *Engine) SubmitTask(item *workitem.WorkItem) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	return e.submit(item)
}

func (e *Engine) submit(src *workitem.WorkItem) (string, error) {
	item := src.Clone()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Kind == "" {
		item.Kind = workitem.KindTask
	}
	item.Status = workitem.StatusPending
	item.StartedAt, item.CompletedAt = time.Time{}, time.Time{}
	item.CreatedAt = time.Now()
	if item.Timeout <= 0 {
		item.Timeout = e.config().TaskTimeout()
	}
	if err := item.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if item.IsCallback() && !e.runner.HasCallback(item.Callback) {
		return "", fmt.Errorf("%w: %v: %s", ErrConfig, runner.ErrUnknownCallback, item.Callback)
	}

	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	if e.isPending(item.ID) {
		return "", fmt.Errorf("%w: %s", queue.ErrDuplicate, item.ID)
	}

	var unknown []string
	for _, dep := range item.DependsOn {
		if dep == item.ID || e.graph.Has(dep) {
			continue
		}
		if _, ok := e.runner.Status(dep); !ok {
			unknown = append(unknown, dep)
		}
	}
	if len(unknown) > 0 {
		return "", fmt.Errorf("%w: %s depends on unknown items: %s", ErrConfig, item.ID, strings.Join(unknown, ", "))
	}

	existed := e.graph.Has(item.ID)
	prevDeps, prevProvides := e.graph.Deps(item.ID), e.graph.Provides(item.ID)
	e.graph.Add(item.ID, item.DependsOn, nil)
	if cycle := e.graph.DetectCycle(e.graph.IDs()); cycle != nil {
		if existed {
			e.graph.Add(item.ID, prevDeps, prevProvides)
		} else {
			e.graph.Remove(item.ID)
		}
		return "", fmt.Errorf("%w: %s", ErrConfig, (&resolver.CycleError{Cycle: cycle, Unresolved: []string{item.ID}}).Error())
	}

	if dep, st, failed := e.failedDependency(item); failed {
		msg := fmt.Sprintf("dependency %s %s", dep, st)
		if err := e.runner.Cancel(item, workitem.ReasonDependencyFailed, msg); err != nil {
			return "", err
		}
		return item.ID, nil
	}

	e.mu.Lock()
	e.pending[item.ID] = item
	e.mu.Unlock()

	if err := e.queue.Submit(item); err != nil {
		e.mu.Lock()
		delete(e.pending, item.ID)
		e.mu.Unlock()
		return "", err
	}

	e.logger.DebugCtx("queued", map[string]any{
		"id":         item.ID,
		"priority":   item.Priority.String(),
		"depends_on": item.DependsOn,
	})
	e.wakeup()
	return item.ID, nil
}

// failedDependency returns the first dependency that finished without
// success and is not queued again.
func (e *Engine) failedDependency(item *workitem.WorkItem) (string, workitem.Status, bool) {
	for _, dep := range item.DependsOn {
		if e.isPending(dep) {
			continue
		}
		st, ok := e.runner.Status(dep)
		if ok && st.IsTerminal() && !st.IsSuccess() {
			return dep, st, true
		}
	}
	return "", "", false
}

func (e *Engine) isPending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

// SubmitBatch orders items by dependency and submits them. Items that are
// part of, or downstream of, a cycle inside the batch are rejected with
// ErrConfig; the rest proceed.
func (e *Engine) SubmitBatch(items []*workitem.WorkItem) (BatchResult, error) {
	res := BatchResult{Rejected: make(map[string]error)}
	if err := e.ready(); err != nil {
		return res, err
	}

	g := resolver.NewGraph()
	byID := make(map[string]*workitem.WorkItem, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.ID == "" {
			item = item.Clone()
			item.ID = uuid.NewString()
		}
		if _, dup := byID[item.ID]; dup {
			res.Rejected[item.ID] = fmt.Errorf("%w: %s", queue.ErrDuplicate, item.ID)
			continue
		}
		byID[item.ID] = item
		ids = append(ids, item.ID)
		g.Add(item.ID, item.DependsOn, nil)
	}

	order, err := g.ResolveOrder(ids)
	var batchErr error
	var cerr *resolver.CycleError
	if errors.As(err, &cerr) {
		batchErr = fmt.Errorf("%w: %v", ErrConfig, cerr)
		for _, id := range cerr.Unresolved {
			res.Rejected[id] = batchErr
		}
	} else if err != nil {
		return res, err
	}

	for _, id := range order {
		if _, err := e.submit(byID[id]); err != nil {
			res.Rejected[id] = err
			continue
		}
		res.Submitted = append(res.Submitted, id)
	}
	return res, batchErr
}

// SubmitHooks runs every hook registered for event and subject and blocks
// until the tier policy is satisfied.
func (e *Engine) SubmitHooks(ctx context.Context, event, subject string, hookCtx map[string]string) (hooks.AggregateResult, error) {
	if err := e.ready(); err != nil {
		return hooks.AggregateResult{}, err
	}
	e.hooksMu.RLock()
	h := e.hooks
	e.hooksMu.RUnlock()

	agg := h.ExecuteHooks(ctx, event, subject, hookCtx)
	e.metrics.RecordHookRun(event, agg.Success)
	return agg, nil
}

// SetHooks swaps the hook registry for later runs.
func (e *Engine) SetHooks(reg *hooks.Registry) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.registry = reg
	e.hooks = e.newHookEngine(reg)
}

// ApplyConfig updates limits and policy from a reloaded configuration.
// Storage paths are fixed for the life of the engine.
func (e *Engine) ApplyConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	e.runner.SetMaxConcurrent(cfg.Tasks.MaxConcurrent)
	e.queue.SetConfig(queueConfig(cfg))

	e.cfg.Store(cfg)
	e.hooksMu.Lock()
	e.hooks.SetPolicy(hookPolicy(cfg))
	e.hooksMu.Unlock()

	e.logger.Info("configuration applied")
	e.wakeup()
	return nil
}

// RegisterCallback makes fn available to callback-backed items.
func (e *Engine) RegisterCallback(name string, fn runner.CallbackFunc) {
	e.runner.RegisterCallback(name, fn)
}

// GetStatus returns the current or final result for id. Queued items are
// reported with status Pending.
func (e *Engine) GetStatus(id string) (workitem.ExecutionResult, bool) {
	e.mu.Lock()
	item, queued := e.pending[id]
	e.mu.Unlock()
	if res, ok := e.runner.GetStatus(id); ok && (res.Status == workitem.StatusRunning || !queued) {
		return res, true
	}
	if queued {
		res := workitem.NewResult(item)
		res.Status = workitem.StatusPending
		return res, true
	}
	return workitem.ExecutionResult{}, false
}

// ListRunning returns the ids of running items, oldest first.
func (e *Engine) ListRunning() []string {
	return e.runner.ListRunning()
}

// Pending returns queued ids in submission order.
func (e *Engine) Pending() []string {
	return e.queue.Pending()
}

// Results returns every terminal result known to the engine.
func (e *Engine) Results() []workitem.ExecutionResult {
	return e.runner.Results()
}

// DB returns the attempt log.
func (e *Engine) DB() *db.DB { return e.db }

// Wait blocks until every id reaches a terminal state or ctx is done.
func (e *Engine) Wait(ctx context.Context, ids ...string) ([]workitem.ExecutionResult, error) {
	for {
		e.mu.Lock()
		changed := e.changed
		e.mu.Unlock()

		out := make([]workitem.ExecutionResult, 0, len(ids))
		done := true
		for _, id := range ids {
			res, ok := e.GetStatus(id)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			if !res.Status.IsTerminal() {
				done = false
				break
			}
			out = append(out, res)
		}
		if done {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// onComplete runs for every terminal transition the runner records.
func (e *Engine) onComplete(item *workitem.WorkItem, res workitem.ExecutionResult) {
	if item.Kind == workitem.KindHook {
		return
	}

	e.mu.Lock()
	if cur, ok := e.pending[item.ID]; ok && cur == item {
		delete(e.pending, item.ID)
	}
	e.mu.Unlock()

	success := res.Status.IsSuccess()
	if !item.StartedAt.IsZero() {
		e.queue.RecordCompletion(item, success, res.Duration)
	}
	if !success {
		e.cancelDependents(item.ID, res.Status)
	}

	e.broadcast()
	e.wakeup()
}

// cancelDependents cancels queued items that transitively depend on id.
// Each cancellation re-enters onComplete, which is harmless since removed
// items are no longer queued.
func (e *Engine) cancelDependents(id string, st workitem.Status) {
	for _, dep := range e.graph.Downstream(id) {
		item, ok := e.queue.Remove(dep)
		if !ok {
			continue
		}
		msg := fmt.Sprintf("dependency %s %s", id, st)
		if err := e.runner.Cancel(item, workitem.ReasonDependencyFailed, msg); err != nil {
			e.logger.Err(err).Str("id", dep).Msg("cancel dependent")
		}
	}
	// Anything left whose dependency is already terminal-failed.
	for _, item := range e.queue.RemoveBlocked() {
		if err := e.runner.Cancel(item, workitem.ReasonDependencyFailed, "dependency did not complete"); err != nil {
			e.logger.Err(err).Str("id", item.ID).Msg("cancel blocked item")
		}
	}
}

func (e *Engine) broadcast() {
	e.mu.Lock()
	close(e.changed)
	e.changed = make(chan struct{})
	e.mu.Unlock()
}

func (e *Engine) wakeup() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop hands ready items to the runner until ctx is done.
func (e *Engine) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		e.drain()
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

// drain cancels items stuck behind a failed dependency, then submits ready
// items until the queue is empty or the runner is at its ceiling.
func (e *Engine) drain() {
	for _, item := range e.queue.RemoveBlocked() {
		if err := e.runner.Cancel(item, workitem.ReasonDependencyFailed, "dependency did not complete"); err != nil {
			e.logger.Err(err).Str("id", item.ID).Msg("cancel blocked item")
		}
	}
	for {
		item, ticket, ok := e.queue.Next()
		if !ok {
			return
		}
		_, err := e.runner.Submit(item)
		switch {
		case err == nil:
		case errors.Is(err, runner.ErrDeferred):
			e.queue.Requeue(item, ticket.Seq, ticket.Enqueued)
			return
		case errors.Is(err, runner.ErrClosed):
			e.queue.Requeue(item, ticket.Seq, ticket.Enqueued)
			return
		default:
			e.logger.Err(err).Str("id", item.ID).Msg("dispatch")
			if cerr := e.runner.Cancel(item, workitem.ReasonStopped, err.Error()); cerr != nil {
				e.logger.Err(cerr).Str("id", item.ID).Msg("cancel undispatchable item")
			}
		}
	}
}
