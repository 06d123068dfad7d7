package dispatch

import (
	"sync"
	"time"
)

// pollInterval is the granularity of blocking Acquire waits.
const pollInterval = 10 * time.Millisecond

// TokenBucket is a lazy-refill rate limiter. There is no background timer:
// tokens are replenished from elapsed wall time on every call.
type TokenBucket struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	capacity float64
	tokens   float64
	last     time.Time
}

// NewTokenBucket creates a full bucket refilling at rate tokens/second.
func NewTokenBucket(rate, capacity float64) *TokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		last:     time.Now(),
	}
}

// refillLocked tops the bucket up from elapsed time. Must hold the lock.
func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// tryAcquire consumes one token if available.
func (b *TokenBucket) tryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Acquire takes one token, waiting up to timeout. timeout == 0 means
// non-blocking: return false immediately when fewer than 1 token is held.
func (b *TokenBucket) Acquire(timeout time.Duration) bool {
	if b.tryAcquire() {
		return true
	}
	if timeout <= 0 {
		return false
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		time.Sleep(wait)

		if b.tryAcquire() {
			return true
		}
	}
}

// Available returns the current token count after a refill.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}
