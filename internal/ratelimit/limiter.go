package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Quota classes. Paginated reads and mutations draw from separate buckets so
// a long pull cannot starve pushes.
const (
	ClassRead     = "read"
	ClassMutation = "mutation"
)

// ErrTimeout is returned by Wait when the context expires before enough
// tokens become available.
var ErrTimeout = errors.New("rate limit timeout")

// bucket is a continuously refilled token bucket
type bucket struct {
	capacity     float64
	refillPerSec float64
	tokens       float64
	lastRefill   time.Time

	// authoritative reset reported by the remote, if any
	remoteReset time.Time
}

// Limiter is a token-bucket rate limiter with one bucket per quota class.
// Buckets refill continuously at capacity/window and can be clamped to the
// authoritative quota the remote reports in its response headers.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	now func() time.Time
}

// New creates a limiter with the default read and mutation classes, each
// holding capacity tokens refilled over window.
func New(capacity int, window time.Duration) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	l.AddClass(ClassRead, capacity, window)
	l.AddClass(ClassMutation, capacity, window)
	return l
}

// AddClass registers a quota class. Existing classes are reset.
func (l *Limiter) AddClass(class string, capacity int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cap := float64(capacity)
	if cap <= 0 {
		cap = 1
	}
	windowSec := window.Seconds()
	if windowSec <= 0 {
		windowSec = 1
	}
	l.buckets[class] = &bucket{
		capacity:     cap,
		refillPerSec: cap / windowSec,
		tokens:       cap,
		lastRefill:   l.now(),
	}
}

// refill credits tokens accrued since the last access. Caller holds l.mu.
func (l *Limiter) refill(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillPerSec)
		b.lastRefill = now
	}
}

// Acquire attempts to debit cost tokens from the class without blocking.
// It reports whether the debit succeeded.
func (l *Limiter) Acquire(class string, cost int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[class]
	if !ok {
		return false
	}
	l.refill(b)

	if b.tokens < float64(cost) {
		return false
	}
	b.tokens -= float64(cost)
	return true
}

// Wait blocks until cost tokens can be debited from the class or the context
// expires. Expiry surfaces ErrTimeout.
func (l *Limiter) Wait(ctx context.Context, class string, cost int) error {
	for {
		l.mu.Lock()
		b, ok := l.buckets[class]
		if !ok {
			l.mu.Unlock()
			return fmt.Errorf("unknown rate limit class %q", class)
		}
		if float64(cost) > b.capacity {
			l.mu.Unlock()
			return fmt.Errorf("cost %d exceeds capacity %.0f for class %q", cost, b.capacity, class)
		}
		l.refill(b)

		if b.tokens >= float64(cost) {
			b.tokens -= float64(cost)
			l.mu.Unlock()
			return nil
		}

		deficit := float64(cost) - b.tokens
		sleep := time.Duration(deficit / b.refillPerSec * float64(time.Second))
		l.mu.Unlock()

		if sleep < 10*time.Millisecond {
			sleep = 10 * time.Millisecond
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-timer.C:
		}
	}
}

// Status reports the whole-token balance of the class and when the bucket is
// expected to be full again.
func (l *Limiter) Status(class string) (remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[class]
	if !ok {
		return 0, l.now()
	}
	l.refill(b)

	remaining = int(b.tokens)
	now := l.now()
	if b.tokens >= b.capacity {
		resetAt = now
	} else {
		deficit := b.capacity - b.tokens
		resetAt = now.Add(time.Duration(deficit / b.refillPerSec * float64(time.Second)))
	}
	if b.remoteReset.After(resetAt) {
		resetAt = b.remoteReset
	}
	return remaining, resetAt
}

// Reconcile clamps the class to the authoritative quota the remote reported.
// The local estimate only ever moves down; the remote cannot grant us more
// than the configured capacity.
func (l *Limiter) Reconcile(class string, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[class]
	if !ok {
		return
	}
	l.refill(b)

	if float64(remaining) < b.tokens {
		b.tokens = float64(remaining)
	}
	if resetAt.After(b.remoteReset) {
		b.remoteReset = resetAt
	}
}
