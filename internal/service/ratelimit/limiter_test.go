package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllowAndRefill(t *testing.T) {
	now := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	l := New(2, 1)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("expected two tokens")
	}
	if l.Allow("a") {
		t.Fatalf("expected bucket to be empty")
	}
	if !l.Allow("b") {
		t.Fatalf("keys must not share buckets")
	}

	now = now.Add(time.Second)
	if !l.Allow("a") {
		t.Fatalf("expected refill after one second")
	}
}

func TestLimiterSweep(t *testing.T) {
	now := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	l := New(5, 1)
	l.now = func() time.Time { return now }
	l.Allow("a")
	now = now.Add(10 * time.Second)
	l.Allow("b")
	if n := l.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept bucket, got %d", n)
	}
}

func TestLimiterPartialRefillDenies(t *testing.T) {
	now := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	l := New(1, 1)
	l.now = func() time.Time { return now }

	if !l.Allow("a") {
		t.Fatalf("expected first token")
	}
	now = now.Add(500 * time.Millisecond)
	if l.Allow("a") {
		t.Fatalf("half a token must not be enough")
	}
	if n := l.Sweep(); n != 0 {
		t.Fatalf("drained bucket swept, got %d", n)
	}
}
