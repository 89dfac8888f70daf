// Package resilience provides the retry, circuit-breaking, and rate-limiting
// primitives the engine layers onto external tool/sandbox/capability calls.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/swarmguard/dagcore/internal/otelinit"
)

// Retry executes fn with exponential backoff and full jitter. attempts is the
// total number of tries (including the first); delay is the initial backoff.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	meter := otelinit.Meter()
	attemptCounter, _ := meter.Int64Counter("dagcore_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("dagcore_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("dagcore_resilience_retry_fail_total")

	cur := delay
	var lastErr error
	for i := 1; i <= attempts; i++ {
		v, err := fn(i)
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts {
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

// FixedRetry runs fn with the literal wait sequence given (no jitter, no
// exponential growth computed internally) — used where the caller already
// knows the exact backoff schedule it must honor (e.g. the dispatcher's
// safe-to-fail policy). It makes len(waits) attempts and sleeps waits[i]
// after failed attempt i+1, so the final entry of waits is never slept.
func FixedRetry[T any](ctx context.Context, waits []time.Duration, fn func(attempt int) (T, error)) (T, error, int) {
	var zero T
	var lastErr error
	attempts := len(waits)
	for i := 0; i < attempts; i++ {
		v, err := fn(i + 1)
		if err == nil {
			return v, nil, i + 1
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err(), i + 1
		case <-time.After(waits[i]):
		}
	}
	return zero, lastErr, attempts
}
