package triggers

import (
	"context"
	"encoding/json"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/buildgraph/engine/internal/resilience"
	"github.com/buildgraph/engine/internal/status"
)

var propagator = propagation.TraceContext{}

// completionEvent is the wire payload published for each job completion,
// so an external dashboard can follow a run live without polling.
type completionEvent struct {
	UID    string `json:"uid"`
	Status string `json:"status"`
	Code   int    `json:"code"`
}

// EventPublisher fans out one NATS message per job completion, with
// trace-context propagation on the message headers. Satisfies
// walker.EventPublisher. Publish failures never block a run: while the
// circuit breaker is open, publishes to a down broker are skipped rather
// than retried inline, and every publish error is only logged.
type EventPublisher struct {
	nc      *nats.Conn
	subject string
	breaker *resilience.CircuitBreaker
}

// NewEventPublisher wraps nc, publishing to subject and guarded by
// breaker (nil disables the guard, publishing unconditionally).
func NewEventPublisher(nc *nats.Conn, subject string, breaker *resilience.CircuitBreaker) *EventPublisher {
	return &EventPublisher{nc: nc, subject: subject, breaker: breaker}
}

// PublishCompletion implements walker.EventPublisher.
func (p *EventPublisher) PublishCompletion(ctx context.Context, uid string, st status.Status) {
	if p.breaker != nil && !p.breaker.Allow() {
		slog.Debug("event publish skipped, circuit open", "uid", uid, "subject", p.subject)
		return
	}

	data, err := json.Marshal(completionEvent{UID: uid, Status: st.String(), Code: int(st)})
	if err != nil {
		slog.Warn("event marshal failed", "uid", uid, "error", err)
		return
	}

	err = publish(ctx, p.nc, p.subject, data)
	if p.breaker != nil {
		p.breaker.RecordResult(err == nil)
	}
	if err != nil {
		slog.Warn("event publish failed", "uid", uid, "subject", p.subject, "error", err)
	}
}

// publish injects the current trace context into NATS headers before
// publishing, so a consumer can continue the same trace.
func publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// Subscribe wraps nc.Subscribe, extracting the publisher's trace context
// for each message and starting a child span around handler.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	tracer := otel.Tracer("buildgraph/triggers")
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		ctx, span := tracer.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
