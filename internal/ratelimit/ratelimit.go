package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// LimitedError indicates local admission-control rejection.
// Params: bucket capacity at rejection time.
// Returns: typed fail-fast error distinct from a remote 429.
type LimitedError struct {
	Capacity float64
}

// Error renders rejection message.
// Params: none.
// Returns: string representation.
func (e *LimitedError) Error() string {
	return fmt.Sprintf("local rate limit exceeded (bucket capacity %.0f)", e.Capacity)
}

// IsLimited reports whether error is a local rate-limit rejection.
// Params: candidate error.
// Returns: true for LimitedError values.
func IsLimited(err error) bool {
	var limited *LimitedError
	return errors.As(err, &limited)
}

// TokenBucket is a mutex-guarded token bucket limiter.
// Params: capacity, refill rate per second, available tokens, and last refill instant.
// Returns: shared admission gate safe for concurrent use.
type TokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	refillPerSec float64
	tokens       float64
	lastRefill   time.Time
	now          func() time.Time
}

// NewTokenBucket creates a full bucket.
// Params: positive capacity, positive refill rate per second, and now function (defaults to time.Now).
// Returns: initialized bucket or parameter error.
func NewTokenBucket(capacity, refillPerSec float64, now func() time.Time) (*TokenBucket, error) {
	if capacity <= 0 {
		return nil, errors.New("token bucket capacity must be >0")
	}
	if refillPerSec <= 0 {
		return nil, errors.New("token bucket refill rate must be >0")
	}
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		capacity:     capacity,
		refillPerSec: refillPerSec,
		tokens:       capacity,
		lastRefill:   now(),
		now:          now,
	}, nil
}

// Allow takes one token without blocking.
// Params: none.
// Returns: true when a token was available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Wait blocks until one token is available or the context ends.
// Params: caller context carrying cancellation/deadline.
// Returns: nil after taking a token, or ctx error.
func (b *TokenBucket) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		missing := 1 - b.tokens
		b.mu.Unlock()

		delay := time.Duration(missing / b.refillPerSec * float64(time.Second))
		if delay < time.Millisecond {
			delay = time.Millisecond
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Capacity returns configured bucket capacity.
// Params: none.
// Returns: capacity value.
func (b *TokenBucket) Capacity() float64 {
	return b.capacity
}

// Reject builds the fail-fast error for this bucket.
// Params: none.
// Returns: LimitedError carrying the bucket capacity.
func (b *TokenBucket) Reject() error {
	return &LimitedError{Capacity: b.capacity}
}

// refillLocked credits tokens for wall-clock time elapsed since last refill.
// Params: none (caller holds the lock).
// Returns: token count bounded by [0, capacity]; elapsed time never applied retroactively.
func (b *TokenBucket) refillLocked() {
	current := b.now()
	elapsed := current.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.lastRefill = current
	b.tokens += elapsed.Seconds() * b.refillPerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}
