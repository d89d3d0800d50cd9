package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	ctx := context.Background()
	v, err := Retry(ctx, 4, time.Millisecond, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhausted(t *testing.T) {
	ctx := context.Background()
	_, err := Retry(ctx, 2, time.Millisecond, func() (int, error) {
		return 0, errors.New("permanent")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
}

func TestRateLimiterBasic(t *testing.T) {
	rl := NewRateLimiter(2, 1, time.Second, 10)
	if !rl.Allow() || !rl.Allow() {
		t.Fatal("expected first two requests to be allowed")
	}
	if rl.Allow() {
		t.Fatal("expected third immediate request to be denied")
	}
}

func TestCircuitBreakerOpensOnFailures(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Second, 4, 4, 0.5, 50*time.Millisecond, 1)
	for i := 0; i < 4; i++ {
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatal("expected breaker to be open after sustained failures")
	}
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected breaker to allow a half-open probe after cooldown")
	}
}

func TestHybridRateLimiterAllow(t *testing.T) {
	rl := NewHybridRateLimiter(2, 10, 1, 10*time.Millisecond)
	defer rl.Stop()
	ctx := context.Background()
	if !rl.Allow(ctx) {
		t.Fatal("expected first request to be allowed immediately")
	}
}
