package resilience

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", time.Second, 4, 3, 0.5, 50*time.Millisecond, 1)

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("attempt %d: expected closed breaker to allow", i)
		}
		cb.RecordResult(false)
	}

	if cb.Allow() {
		t.Fatalf("expected breaker to be open after 3/3 failures at minSamples=3")
	}
}

func TestCircuitBreakerStaysClosedBelowMinSamples(t *testing.T) {
	cb := NewCircuitBreaker("test", time.Second, 4, 10, 0.5, 50*time.Millisecond, 1)

	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordResult(false)
	}
	if !cb.Allow() {
		t.Fatalf("expected breaker to stay closed below minSamples")
	}
}

func TestCircuitBreakerHalfOpensAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker("test", time.Second, 4, 2, 0.5, 30*time.Millisecond, 1)

	for i := 0; i < 2; i++ {
		cb.Allow()
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("expected breaker open immediately after tripping")
	}

	time.Sleep(40 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected a half-open probe to be allowed after cooldown")
	}
}

func TestCircuitBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker("test", time.Second, 4, 2, 0.5, 20*time.Millisecond, 1)
	for i := 0; i < 2; i++ {
		cb.Allow()
		cb.RecordResult(false)
	}
	time.Sleep(30 * time.Millisecond)

	if !cb.Allow() {
		t.Fatalf("expected half-open probe to be allowed")
	}
	cb.RecordResult(true)

	if !cb.Allow() {
		t.Fatalf("expected breaker to close and allow requests after a successful probe")
	}
}

func TestCircuitBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", time.Second, 4, 2, 0.5, 20*time.Millisecond, 1)
	for i := 0; i < 2; i++ {
		cb.Allow()
		cb.RecordResult(false)
	}
	time.Sleep(30 * time.Millisecond)

	cb.Allow()
	cb.RecordResult(false)

	if cb.Allow() {
		t.Fatalf("expected breaker to reopen after a failed half-open probe")
	}
}
