// Package hooks runs the hooks attached to a lifecycle event in priority
// tiers. Tiers run strictly in order; hooks inside a tier run concurrently
// up to a limit. A failure in a blocking tier stops later tiers unless the
// policy says to continue.
package hooks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marcus/vigil/internal/db"
	"github.com/marcus/vigil/internal/logging"
	"github.com/marcus/vigil/internal/workitem"
)

// Defaults for hook execution.
const (
	DefaultMaxConcurrent = 4
	DefaultTimeout       = 60 * time.Second
)

// Policy controls tier gating.
type Policy struct {
	ContinueOnFailure bool
	BlockingTiers     []workitem.Priority
	MaxConcurrent     int
	DefaultTimeout    time.Duration
}

// DefaultPolicy gates on Critical and High failures only.
func DefaultPolicy() Policy {
	return Policy{
		BlockingTiers:  []workitem.Priority{workitem.PriorityCritical, workitem.PriorityHigh},
		MaxConcurrent:  DefaultMaxConcurrent,
		DefaultTimeout: DefaultTimeout,
	}
}

func (p Policy) blocks(tier workitem.Priority) bool {
	if p.ContinueOnFailure {
		return false
	}
	for _, t := range p.BlockingTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Executor runs and cancels single work items. *runner.Runner satisfies it.
type Executor interface {
	Execute(ctx context.Context, item *workitem.WorkItem) (workitem.ExecutionResult, error)
	Cancel(item *workitem.WorkItem, reason, msg string) error
}

// RunRecorder stores one summary row per hook run.
type RunRecorder interface {
	RecordRun(r db.Run) error
}

// AggregateResult summarizes one ExecuteHooks call.
type AggregateResult struct {
	RunID    string                     `json:"run_id"`
	Event    string                     `json:"event"`
	Subject  string                     `json:"subject,omitempty"`
	Success  bool                       `json:"success"`
	Total    int                        `json:"total"`
	Failed   int                        `json:"failed"`
	Skipped  int                        `json:"skipped"`
	Results  []workitem.ExecutionResult `json:"results"`
	Messages []string                   `json:"messages,omitempty"`
	Duration time.Duration              `json:"duration"`
}

// Message joins every failure message, one per line.
func (a AggregateResult) Message() string {
	return strings.Join(a.Messages, "\n")
}

// Engine executes hook sets.
type Engine struct {
	registry *Registry
	exec     Executor
	runs     RunRecorder
	logger   *logging.Logger
	handler  EventHandler

	mu     sync.RWMutex
	policy Policy
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the failure policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithRunRecorder sets where run summaries are stored.
func WithRunRecorder(r RunRecorder) Option {
	return func(e *Engine) {
		e.runs = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithEventHandler sets an optional callback for run progress events.
func WithEventHandler(h EventHandler) Option {
	return func(e *Engine) {
		e.handler = h
	}
}

// NewEngine creates a hook engine resolving hooks from reg and running them
// through exec.
func NewEngine(reg *Registry, exec Executor, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		exec:     exec,
		policy:   DefaultPolicy(),
		logger:   logging.Component("hooks"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPolicy swaps the policy for subsequent runs.
func (e *Engine) SetPolicy(p Policy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// Registry returns the hook registry.
func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) emit(ev Event) {
	if e.handler != nil {
		ev.Time = time.Now()
		e.handler(ev)
	}
}

// ExecuteHooks runs every hook registered for event and subject and blocks
// until the tier policy has been satisfied. hookCtx is exported to each hook
// process as VIGIL_CTX_<KEY> variables.
func (e *Engine) ExecuteHooks(ctx context.Context, event, subject string, hookCtx map[string]string) AggregateResult {
	policy := e.Policy()
	start := time.Now()
	agg := AggregateResult{
		RunID:   uuid.NewString(),
		Event:   event,
		Subject: subject,
	}

	defs := e.registry.Resolve(event, subject)
	agg.Total = len(defs)
	e.emit(Event{Type: EventRunStart, RunID: agg.RunID, Event: event, Subject: subject})
	e.logger.InfoCtx("running hooks", map[string]any{
		"run_id":  agg.RunID,
		"event":   event,
		"subject": subject,
		"hooks":   len(defs),
	})

	byTier := make(map[workitem.Priority][]Definition)
	for _, d := range defs {
		byTier[tierOf(d.Priority)] = append(byTier[tierOf(d.Priority)], d)
	}

	env := hookEnv(event, subject, agg.RunID, hookCtx)
	var (
		blockedBy string
		reason    string
	)
	for _, tier := range workitem.Tiers() {
		tierDefs := byTier[tier]
		if len(tierDefs) == 0 {
			continue
		}
		items := make([]*workitem.WorkItem, len(tierDefs))
		for i, d := range tierDefs {
			items[i] = e.workItem(agg.RunID, event, d, tier, env, policy)
		}

		if blockedBy == "" && ctx.Err() != nil {
			blockedBy = "run cancelled"
			reason = workitem.ReasonStopped
		}
		if blockedBy != "" {
			e.emit(Event{Type: EventTierSkipped, RunID: agg.RunID, Event: event, Subject: subject, Tier: tier, Failed: agg.Failed})
			for _, item := range items {
				agg.Results = append(agg.Results, e.skip(item, reason, blockedBy))
				agg.Skipped++
			}
			continue
		}

		e.emit(Event{Type: EventTierStart, RunID: agg.RunID, Event: event, Subject: subject, Tier: tier})
		results := e.runTier(ctx, agg.RunID, event, subject, items, policy.MaxConcurrent)

		tierFailed := 0
		for i, res := range results {
			agg.Results = append(agg.Results, res)
			if res.Success() {
				continue
			}
			tierFailed++
			agg.Failed++
			agg.Messages = append(agg.Messages, failureMessage(tierDefs[i].Name, res))
		}
		e.emit(Event{Type: EventTierEnd, RunID: agg.RunID, Event: event, Subject: subject, Tier: tier, Failed: agg.Failed})

		if tierFailed > 0 && policy.blocks(tier) {
			blockedBy = fmt.Sprintf("%d %s-tier hook(s) failed", tierFailed, tier)
			reason = workitem.ReasonSkippedByPolicy
			e.logger.WarnCtx("blocking tier failed, skipping remaining tiers", map[string]any{
				"run_id": agg.RunID,
				"tier":   tier.String(),
				"failed": tierFailed,
			})
		}
	}

	agg.Success = agg.Failed == 0 && agg.Skipped == 0
	agg.Duration = time.Since(start)
	e.record(agg, start)
	e.emit(Event{Type: EventRunEnd, RunID: agg.RunID, Event: event, Subject: subject, Failed: agg.Failed, Duration: agg.Duration})

	fields := map[string]any{
		"run_id":   agg.RunID,
		"event":    event,
		"total":    agg.Total,
		"failed":   agg.Failed,
		"skipped":  agg.Skipped,
		"duration": agg.Duration.String(),
	}
	if agg.Success {
		e.logger.InfoCtx("hooks passed", fields)
	} else {
		e.logger.WarnCtx("hooks failed", fields)
	}
	return agg
}

// runTier executes items concurrently and returns results in input order.
func (e *Engine) runTier(ctx context.Context, runID, event, subject string, items []*workitem.WorkItem, limit int) []workitem.ExecutionResult {
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	results := make([]workitem.ExecutionResult, len(items))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			res, err := e.exec.Execute(ctx, item)
			if err != nil {
				// Rejected before running: record it so the hook is not lost.
				res = workitem.NewResult(item)
				res.Status = workitem.StatusFailed
				res.Error = err.Error()
				res.ExitCode = -1
				res.CompletedAt = time.Now()
			}
			results[i] = res
			e.emit(Event{
				Type:     EventHookEnd,
				RunID:    runID,
				Event:    event,
				Subject:  subject,
				Tier:     item.Priority,
				Hook:     item.Name,
				Status:   res.Status,
				Duration: res.Duration,
				Error:    res.Error,
			})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) skip(item *workitem.WorkItem, reason, msg string) workitem.ExecutionResult {
	if err := e.exec.Cancel(item, reason, msg); err != nil {
		e.logger.Err(err).Str("id", item.ID).Msg("recording skipped hook")
	}
	return workitem.CancelledResult(item, reason, msg, time.Now())
}

func (e *Engine) workItem(runID, event string, d Definition, tier workitem.Priority, env map[string]string, p Policy) *workitem.WorkItem {
	item := workitem.New(fmt.Sprintf("hook:%s:%s:%s", event, d.Name, runID[:8]))
	item.Kind = workitem.KindHook
	item.Name = d.Name
	item.Priority = tier
	item.Command = d.Command
	item.Args = append([]string(nil), d.Args...)
	item.Shell = d.Shell
	item.Dir = d.Dir
	item.Timeout = d.Timeout
	if item.Timeout <= 0 {
		item.Timeout = p.DefaultTimeout
	}
	if item.Timeout <= 0 {
		item.Timeout = DefaultTimeout
	}
	item.Retry = workitem.RetryPolicy{MaxRetries: d.Retries, Delay: d.RetryDelay}

	item.Env = make(map[string]string, len(env)+len(d.Env))
	for k, v := range d.Env {
		item.Env[k] = v
	}
	for k, v := range env {
		item.Env[k] = v
	}
	return item
}

func (e *Engine) record(agg AggregateResult, start time.Time) {
	if e.runs == nil {
		return
	}
	status := "success"
	if !agg.Success {
		status = "failed"
	}
	label := agg.Event
	if agg.Subject != "" {
		label += ":" + agg.Subject
	}
	err := e.runs.RecordRun(db.Run{
		ID:          agg.RunID,
		Kind:        "hooks",
		Label:       label,
		StartedAt:   start,
		CompletedAt: start.Add(agg.Duration),
		Total:       agg.Total,
		Failed:      agg.Failed,
		Status:      status,
	})
	if err != nil {
		e.logger.Err(err).Str("run_id", agg.RunID).Msg("recording hook run")
	}
}

// hookEnv builds the variables every hook in a run receives.
func hookEnv(event, subject, runID string, hookCtx map[string]string) map[string]string {
	env := map[string]string{
		"VIGIL_EVENT":   event,
		"VIGIL_SUBJECT": subject,
		"VIGIL_RUN_ID":  runID,
	}
	for k, v := range hookCtx {
		env["VIGIL_CTX_"+envKey(k)] = v
	}
	return env
}

// envKey upper-cases k and replaces anything outside [A-Z0-9_] with '_'.
func envKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, k)
}

func failureMessage(name string, res workitem.ExecutionResult) string {
	msg := res.Error
	if msg == "" {
		msg = string(res.Status)
	}
	if s := strings.TrimSpace(res.Stderr); s != "" {
		if i := strings.LastIndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		msg += ": " + s
	}
	return fmt.Sprintf("%s: %s", name, msg)
}
