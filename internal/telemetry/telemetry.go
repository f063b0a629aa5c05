// Package telemetry exports work item metrics through OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/marcus/vigil/internal/logging"
	"github.com/marcus/vigil/internal/notify"
)

const meterName = "github.com/marcus/vigil"

// Metric names.
const (
	MetricCompleted = "vigil.workitems.completed"
	MetricDuration  = "vigil.workitems.duration"
	MetricHookRuns  = "vigil.hooks.runs"
)

// Config controls metric export.
type Config struct {
	Enabled  bool
	Interval time.Duration // export period
	Writer   io.Writer     // stdout when nil
}

// Recorder records completions. It implements notify.Notifier.
type Recorder struct {
	provider  metric.MeterProvider
	shutdown  func(context.Context) error
	completed metric.Int64Counter
	duration  metric.Float64Histogram
	hookRuns  metric.Int64Counter
	logger    *logging.Logger
}

// New creates a recorder exporting to cfg.Writer every cfg.Interval. A
// disabled config yields a recorder backed by a no-op provider.
func New(cfg Config) (*Recorder, error) {
	if !cfg.Enabled {
		return NewWithProvider(noop.NewMeterProvider(), nil)
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}
	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
	)
	return NewWithProvider(mp, mp.Shutdown)
}

// NewWithProvider records into an existing provider. shutdown may be nil.
func NewWithProvider(mp metric.MeterProvider, shutdown func(context.Context) error) (*Recorder, error) {
	meter := mp.Meter(meterName)

	completed, err := meter.Int64Counter(MetricCompleted,
		metric.WithDescription("Work items reaching a terminal state"))
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	duration, err := meter.Float64Histogram(MetricDuration,
		metric.WithDescription("Work item execution time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create histogram: %w", err)
	}
	hookRuns, err := meter.Int64Counter(MetricHookRuns,
		metric.WithDescription("Hook event runs by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}

	return &Recorder{
		provider:  mp,
		shutdown:  shutdown,
		completed: completed,
		duration:  duration,
		hookRuns:  hookRuns,
		logger:    logging.Component("telemetry"),
	}, nil
}

// Notify records one terminal transition.
func (r *Recorder) Notify(e notify.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("kind", string(e.Kind)),
		attribute.String("status", string(e.Status)),
	)
	r.completed.Add(ctx, 1, attrs)
	if e.Duration > 0 {
		r.duration.Record(ctx, e.Duration.Seconds(), attrs)
	}
}

// RecordHookRun counts one hook event run.
func (r *Recorder) RecordHookRun(event string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failed"
	}
	r.hookRuns.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("outcome", outcome),
	))
}

// Shutdown flushes and stops the exporter.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r.shutdown == nil {
		return nil
	}
	if err := r.shutdown(ctx); err != nil {
		r.logger.Err(err).Msg("metric shutdown")
		return err
	}
	return nil
}

var _ notify.Notifier = (*Recorder)(nil)
