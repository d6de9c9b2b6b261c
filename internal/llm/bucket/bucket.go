// Package bucket implements the process-wide outbound token bucket that
// keeps the service under the AI provider's quota. One explicitly
// constructed instance is injected into the request pipeline; there is no
// package-level singleton.
package bucket

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Bucket throttles the process's own calls to the AI provider. Tokens
// refill lazily at acquisition time (never by a background timer) and the
// refill-then-subtract step is a single critical section inside
// rate.Limiter, so concurrent callers can never over-grant.
type Bucket struct {
	limiter    *rate.Limiter
	capacity   int
	refillRate float64

	granted atomic.Int64
	denied  atomic.Int64
}

// New constructs a bucket holding at most capacity tokens, refilled at
// refillPerSecond. Both values must be positive; they are clamped to 1
// and a minimal rate otherwise so a misconfigured bucket throttles hard
// instead of granting nothing or everything.
func New(capacity int, refillPerSecond float64) *Bucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = 0.1
	}
	return &Bucket{
		limiter:    rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		capacity:   capacity,
		refillRate: refillPerSecond,
	}
}

// TryAcquire attempts to take cost tokens. On grant it returns (true, 0).
// On denial it returns (false, retryAfter) where retryAfter approximates
// (cost - tokens) / refillRate, computed without consuming tokens via the
// reserve-then-cancel pattern. A cost above capacity can never be granted
// and is clamped to capacity so the caller gets finite retry guidance.
func (b *Bucket) TryAcquire(cost int) (bool, time.Duration) {
	if cost < 1 {
		cost = 1
	}
	if cost > b.capacity {
		cost = b.capacity
	}

	now := time.Now()
	if b.limiter.AllowN(now, cost) {
		b.granted.Add(1)
		return true, 0
	}

	// Reserve to learn the wait, then cancel so the failed attempt does
	// not consume future capacity.
	reservation := b.limiter.ReserveN(now, cost)
	retryAfter := reservation.DelayFrom(now)
	reservation.CancelAt(now)

	b.denied.Add(1)
	return false, retryAfter
}

// Stats is a point-in-time snapshot of bucket state and counters.
type Stats struct {
	Capacity   int
	RefillRate float64
	Tokens     float64
	Granted    int64
	Denied     int64
}

// Stats returns a snapshot for logging and debugging.
func (b *Bucket) Stats() Stats {
	return Stats{
		Capacity:   b.capacity,
		RefillRate: b.refillRate,
		Tokens:     b.limiter.Tokens(),
		Granted:    b.granted.Load(),
		Denied:     b.denied.Load(),
	}
}
