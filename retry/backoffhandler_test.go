package retry

import (
	"context"
	"testing"
	"time"
)

func immediateTimeAfter(time.Duration) <-chan time.Time {
	c := make(chan time.Time, 1)
	c <- time.Now()
	return c
}

func TestBackoffRetries(t *testing.T) {
	ctx := context.Background()
	backoff := NewBackoff(3, 0, false)
	// make backoff return immediately
	backoff.Clock.After = immediateTimeAfter
	if !backoff.Backoff(ctx) {
		t.Fatalf("backoff failed immediately")
	}
	if !backoff.Backoff(ctx) {
		t.Fatalf("backoff failed after 1 retry")
	}
	if !backoff.Backoff(ctx) {
		t.Fatalf("backoff failed after 2 retry")
	}
	if backoff.Backoff(ctx) {
		t.Fatalf("backoff allowed after 3 (max) retries")
	}
	if !backoff.ReachedMaxRetries() {
		t.Fatalf("ReachedMaxRetries false after exhausting retries")
	}
}

func TestBackoffCancel(t *testing.T) {
	// prevent backoff from returning normally
	ctx, cancelFunc := context.WithCancel(context.Background())
	backoff := NewBackoff(3, 0, false)
	backoff.Clock.After = func(time.Duration) <-chan time.Time { return make(chan time.Time) }
	cancelFunc()
	if backoff.Backoff(ctx) {
		t.Fatalf("backoff allowed after cancel")
	}
	if _, ok := backoff.NextBackoff(ctx); ok {
		t.Fatalf("backoff allowed after cancel")
	}
}

func TestNextBackoffGrowsExponentially(t *testing.T) {
	ctx := context.Background()
	backoff := NewBackoff(10, time.Second, false)
	backoff.Clock.After = immediateTimeAfter

	expectWindow := func(attempt int, base time.Duration) {
		duration, ok := backoff.NextBackoff(ctx)
		if !ok {
			t.Fatalf("backoff refused on attempt %d", attempt)
		}
		if duration < base || duration >= base+MaxJitter {
			t.Fatalf("attempt %d waited %s, want [%s, %s)", attempt, duration, base, base+MaxJitter)
		}
	}

	expectWindow(0, time.Second)
	backoff.Backoff(ctx)
	expectWindow(1, 2*time.Second)
	backoff.Backoff(ctx)
	expectWindow(2, 4*time.Second)
	backoff.Backoff(ctx)
	expectWindow(3, 8*time.Second)
}

func TestNextBackoffCapped(t *testing.T) {
	ctx := context.Background()
	backoff := NewBackoff(100, time.Second, false)
	backoff.Clock.After = immediateTimeAfter

	for i := 0; i < 20; i++ {
		backoff.Backoff(ctx)
	}
	duration, ok := backoff.NextBackoff(ctx)
	if !ok {
		t.Fatalf("backoff refused below max retries")
	}
	if duration < MaxBackoff || duration >= MaxBackoff+MaxJitter {
		t.Fatalf("capped backoff waited %s, want [%s, %s)", duration, MaxBackoff, MaxBackoff+MaxJitter)
	}
}

func TestResetNowRestartsSchedule(t *testing.T) {
	ctx := context.Background()
	backoff := NewBackoff(2, time.Second, false)
	backoff.Clock.After = immediateTimeAfter

	backoff.Backoff(ctx)
	backoff.Backoff(ctx)
	if backoff.Backoff(ctx) {
		t.Fatalf("backoff allowed after 2 (max) retries")
	}

	backoff.ResetNow()
	if backoff.Retries() != 0 {
		t.Fatalf("retries not cleared by ResetNow")
	}
	if duration, ok := backoff.NextBackoff(ctx); !ok || duration >= time.Second+MaxJitter {
		t.Fatalf("schedule not restarted after ResetNow, got %s", duration)
	}
	if !backoff.Backoff(ctx) {
		t.Fatalf("backoff refused after ResetNow")
	}
}

func TestBackoffRetryForever(t *testing.T) {
	ctx := context.Background()
	backoff := NewBackoff(2, time.Second, true)
	backoff.Clock.After = immediateTimeAfter

	for i := 0; i < 10; i++ {
		if !backoff.Backoff(ctx) {
			t.Fatalf("backoff refused on retry %d despite retryForever", i)
		}
	}
	if backoff.ReachedMaxRetries() {
		t.Fatalf("ReachedMaxRetries true despite retryForever")
	}
	if duration, ok := backoff.NextBackoff(ctx); !ok || duration < 4*time.Second {
		t.Fatalf("backoff not held at cap under retryForever, got %s", duration)
	}
}
