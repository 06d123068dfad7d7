package dispatch

import (
	"testing"
	"time"
)

func TestTokenBucket_StartsFull(t *testing.T) {
	b := NewTokenBucket(1, 3)

	for i := 0; i < 3; i++ {
		if !b.Acquire(0) {
			t.Fatalf("expected token %d available from a full bucket", i+1)
		}
	}
	if b.Acquire(0) {
		t.Error("expected empty bucket to refuse a 4th token")
	}
}

func TestTokenBucket_NonBlockingReturnsFalse(t *testing.T) {
	b := NewTokenBucket(0.1, 1)
	b.Acquire(0) // drain

	if b.Acquire(0) {
		t.Error("Acquire(0) must return false with fewer than 1 token")
	}
}

func TestTokenBucket_NeverExceedsCapacity(t *testing.T) {
	b := NewTokenBucket(1000, 2)

	// Long idle: force a refill far beyond capacity
	b.mu.Lock()
	b.last = time.Now().Add(-time.Hour)
	b.mu.Unlock()

	if got := b.Available(); got > 2 {
		t.Errorf("bucket exceeded capacity after idle: %f", got)
	}
}

func TestTokenBucket_LazyRefill(t *testing.T) {
	b := NewTokenBucket(100, 1) // 100 tokens/sec
	if !b.Acquire(0) {
		t.Fatal("expected initial token")
	}
	if b.Acquire(0) {
		t.Fatal("expected bucket drained")
	}

	time.Sleep(30 * time.Millisecond) // ~3 tokens earned, capped at 1
	if !b.Acquire(0) {
		t.Error("expected lazy refill to restore a token")
	}
}

func TestTokenBucket_BlockingAcquireTimesOut(t *testing.T) {
	b := NewTokenBucket(0.1, 1) // one token per 10s
	b.Acquire(0)                // drain

	start := time.Now()
	ok := b.Acquire(50 * time.Millisecond)
	elapsed := time.Since(start)

	if ok {
		t.Error("expected timeout without a token")
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("returned before the timeout elapsed: %s", elapsed)
	}
}

func TestTokenBucket_BlockingAcquireSucceeds(t *testing.T) {
	b := NewTokenBucket(50, 1) // token every 20ms
	b.Acquire(0)               // drain

	if !b.Acquire(200 * time.Millisecond) {
		t.Error("expected blocking acquire to obtain a refilled token")
	}
}
