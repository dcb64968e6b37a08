// Package resilience provides generic retry-with-backoff and an adaptive
// circuit breaker, shared by process-spawning jobs and the triggers
// package's event-publishing path.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn up to attempts times with exponential backoff (capped
// at 60s) and full jitter between attempts. It returns the first
// successful result, or the last error if every attempt failed.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	cur := delay
	var lastErr error
	meter := otel.Meter("buildgraph")
	attemptCounter, _ := meter.Int64Counter("buildgraph_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("buildgraph_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("buildgraph_resilience_retry_fail_total")

	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
