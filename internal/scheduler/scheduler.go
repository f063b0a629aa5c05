// Package scheduler triggers recurring runs from a cron expression or a
// fixed interval, optionally restricted to a time-of-day window.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcus/vigil/internal/config"
	"github.com/marcus/vigil/internal/logging"
)

var (
	ErrNoSchedule     = errors.New("no cron expression or interval configured")
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (a single-digit hour is accepted).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// String formats as HH:MM.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// Window is a daily time range. End is exclusive; End before Start spans
// midnight.
type Window struct {
	Start    TimeOfDay
	End      TimeOfDay
	Location *time.Location
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.Location != nil {
		t = t.In(w.Location)
	}
	now := t.Hour()*60 + t.Minute()
	start, end := w.Start.Minutes(), w.End.Minutes()
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

// Job is work triggered by the scheduler.
type Job func(ctx context.Context) error

// Scheduler runs jobs on a cron or interval schedule.
type Scheduler struct {
	mu       sync.Mutex
	cronExpr string
	schedule cron.Schedule
	interval time.Duration
	window   *Window
	jobs     []Job
	logger   *logging.Logger

	running bool
	cron    *cron.Cron
	cancel  context.CancelFunc
	done    chan struct{}
	nextRun time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// New creates a scheduler with no schedule.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{logger: logging.Component("scheduler")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromConfig builds a scheduler from the schedule config section.
func NewFromConfig(cfg *config.ScheduleConfig, opts ...Option) (*Scheduler, error) {
	s := New(opts...)
	switch {
	case cfg.Cron != "" && cfg.Interval != "":
		return nil, config.ErrCronAndInterval
	case cfg.Cron != "":
		if err := s.SetCron(cfg.Cron); err != nil {
			return nil, err
		}
	case cfg.Interval != "":
		d, err := time.ParseDuration(cfg.Interval)
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", cfg.Interval, err)
		}
		if err := s.SetInterval(d); err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoSchedule
	}
	if cfg.Window != nil {
		if err := s.SetWindow(cfg.Window); err != nil {
			return nil, err
		}
	}
	return s, nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// SetCron sets a 5-field cron expression and clears any interval.
func (s *Scheduler) SetCron(expr string) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cronExpr = expr
	s.schedule = sched
	s.interval = 0
	return nil
}

// SetInterval sets a fixed interval and clears any cron expression.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("interval must be positive, got %s", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	s.cronExpr = ""
	s.schedule = nil
	return nil
}

// SetWindow restricts runs to a daily window. nil removes the restriction.
func (s *Scheduler) SetWindow(cfg *config.WindowConfig) error {
	if cfg == nil {
		s.mu.Lock()
		s.window = nil
		s.mu.Unlock()
		return nil
	}
	start, err := ParseTimeOfDay(cfg.Start)
	if err != nil {
		return fmt.Errorf("window start: %w", err)
	}
	end, err := ParseTimeOfDay(cfg.End)
	if err != nil {
		return fmt.Errorf("window end: %w", err)
	}
	loc := time.Local
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return fmt.Errorf("window timezone: %w", err)
		}
	}
	s.mu.Lock()
	s.window = &Window{Start: start, End: end, Location: loc}
	s.mu.Unlock()
	return nil
}

// AddJob registers a job to run on every trigger.
func (s *Scheduler) AddJob(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// Start begins triggering jobs until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if s.schedule == nil && s.interval <= 0 {
		return ErrNoSchedule
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	if s.schedule != nil {
		s.cron = cron.New(cron.WithParser(cronParser))
		s.cron.Schedule(s.schedule, cron.FuncJob(func() { s.trigger(runCtx) }))
		s.cron.Start()
		go func() {
			defer close(s.done)
			<-runCtx.Done()
		}()
		s.logger.Infof("started cron schedule %q", s.cronExpr)
		return nil
	}

	s.nextRun = time.Now().Add(s.interval)
	go s.loop(runCtx, s.interval)
	s.logger.Infof("started interval schedule every %s", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.mu.Lock()
			s.nextRun = t.Add(interval)
			s.mu.Unlock()
			s.trigger(ctx)
		}
	}
}

// trigger runs every job in order when inside the window.
func (s *Scheduler) trigger(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := time.Now()
	if !s.IsInWindow(now) {
		s.logger.Debugf("skipping trigger at %s: outside window", now.Format(time.Kitchen))
		return
	}
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	for i, job := range jobs {
		if err := job(ctx); err != nil {
			s.logger.ErrorCtx("scheduled job failed", map[string]any{"job": i, "error": err.Error()})
		}
	}
}

// Stop halts triggering and waits for an in-flight trigger to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	cancel, done, c := s.cancel, s.done, s.cron
	s.cron = nil
	s.mu.Unlock()

	cancel()
	if c != nil {
		<-c.Stop().Done()
	}
	<-done
	return nil
}

// IsRunning reports whether Start has been called without Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns when jobs fire next, or zero when not running.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	if s.cron != nil {
		if entries := s.cron.Entries(); len(entries) > 0 {
			if !entries[0].Next.IsZero() {
				return entries[0].Next
			}
		}
		return s.schedule.Next(time.Now())
	}
	return s.nextRun
}

// NextRunAfter returns the first trigger time after t without starting the
// scheduler. The window is not applied.
func (s *Scheduler) NextRunAfter(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.schedule != nil:
		return s.schedule.Next(t)
	case s.interval > 0:
		return t.Add(s.interval)
	}
	return time.Time{}
}

// IsInWindow reports whether t is inside the window. No window means always.
func (s *Scheduler) IsInWindow(t time.Time) bool {
	s.mu.Lock()
	w := s.window
	s.mu.Unlock()
	if w == nil {
		return true
	}
	return w.Contains(t)
}
