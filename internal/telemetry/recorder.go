package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Recorder is the scheduler/walker-facing view of telemetry: one duration
// histogram and one status-labeled counter per job completion, plus a
// span per job. The zero value is a working no-op recorder, so callers
// that don't configure telemetry pay nothing and change no control flow.
type Recorder struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
	outcomes metric.Int64Counter
}

// NewRecorder builds a Recorder reading instruments off the current global
// MeterProvider/TracerProvider. Safe to call before InitMetrics/InitTracing
// -- the global providers default to no-ops until configured.
func NewRecorder() *Recorder {
	meter := otel.Meter("buildgraph/walker")
	duration, _ := meter.Float64Histogram("buildgraph_job_duration_seconds")
	outcomes, _ := meter.Int64Counter("buildgraph_job_outcomes_total")
	return &Recorder{
		tracer:   otel.Tracer("buildgraph/walker"),
		duration: duration,
		outcomes: outcomes,
	}
}

// StartSpan starts a span named "job" for uid and returns a context carrying
// it plus an end function.
func (r *Recorder) StartSpan(ctx context.Context, uid string) (context.Context, func()) {
	if r == nil || r.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := r.tracer.Start(ctx, "job", trace.WithAttributes(attribute.String("job.uid", uid)))
	return ctx, func() { span.End() }
}

// RecordCompletion records one job's terminal duration and status.
func (r *Recorder) RecordCompletion(ctx context.Context, statusLabel string, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", statusLabel))
	if r.duration != nil {
		r.duration.Record(ctx, d.Seconds(), attrs)
	}
	if r.outcomes != nil {
		r.outcomes.Add(ctx, 1, attrs)
	}
}
