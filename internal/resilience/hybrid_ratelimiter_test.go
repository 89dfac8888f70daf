package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHybridRateLimiterAllowWithinBurst(t *testing.T) {
	rl := NewHybridRateLimiter(2, 0, 4, 10*time.Millisecond)
	defer rl.Stop()

	if !rl.Allow(context.Background()) || !rl.Allow(context.Background()) {
		t.Fatalf("expected both burst tokens to be allowed immediately")
	}
	if rl.Allow(context.Background()) {
		t.Fatalf("expected the 3rd immediate call to exceed the burst")
	}
}

func TestHybridRateLimiterWaitQueuesAndDrains(t *testing.T) {
	rl := NewHybridRateLimiter(1, 0, 4, 10*time.Millisecond)
	defer rl.Stop()

	rl.Allow(context.Background()) // consume the only burst token

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestHybridRateLimiterWaitRejectsWhenQueueFull(t *testing.T) {
	rl := NewHybridRateLimiter(0, 0, 1, time.Hour) // leak rate parked far in the future
	defer rl.Stop()

	ctx := context.Background()
	go rl.Wait(ctx) // occupies the single queue slot
	time.Sleep(20 * time.Millisecond)

	err := rl.Wait(ctx)
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("err = %v, want ErrRateLimitExceeded", err)
	}
}

func TestHybridRateLimiterWaitRespectsContextCancellation(t *testing.T) {
	rl := NewHybridRateLimiter(0, 0, 4, time.Hour)
	defer rl.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestHybridRateLimiterStopUnblocksWaiters(t *testing.T) {
	rl := NewHybridRateLimiter(0, 0, 4, time.Hour)

	done := make(chan error, 1)
	go func() { done <- rl.Wait(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	rl.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Stop did not unblock a queued waiter")
	}
}
