package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultProbeInterval is how long the fallback store serves from memory
// before re-trying the shared backend.
const defaultProbeInterval = 15 * time.Second

// FallbackStore wraps a shared CounterStore with the in-memory one and
// fails open to it on backend errors: availability of the product takes
// priority over perfect global accuracy of the limiter. Requests are
// never failed because the shared backend is down.
//
// While degraded, a probe is sent to the shared backend at most once per
// probe interval; a successful probe restores shared counting.
type FallbackStore struct {
	shared CounterStore
	local  *MemoryStore

	degraded      atomic.Bool
	lastProbeNano atomic.Int64
	probeInterval time.Duration

	logger *slog.Logger
}

// NewFallbackStore wraps shared with in-memory fail-open behavior.
func NewFallbackStore(shared CounterStore) *FallbackStore {
	return &FallbackStore{
		shared:        shared,
		local:         NewMemoryStore(),
		probeInterval: defaultProbeInterval,
		logger:        slog.Default().With("component", "ratelimit"),
	}
}

// Incr increments through the shared backend when healthy, the local
// store otherwise. Backend errors degrade silently (a warning is logged,
// the caller never sees them); non-backend errors propagate.
func (s *FallbackStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if s.degraded.Load() && !s.probeDue() {
		return s.local.Incr(ctx, key, window)
	}

	count, ttl, err := s.shared.Incr(ctx, key, window)
	if err == nil {
		if s.degraded.CompareAndSwap(true, false) {
			s.logger.Info("shared rate limit backend recovered")
		}
		return count, ttl, nil
	}

	if !isBackendError(err) {
		return 0, 0, err
	}

	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn("shared rate limit backend unreachable, falling back to in-memory counters",
			"error", err)
	}
	return s.local.Incr(ctx, key, window)
}

// Degraded reports whether the store is currently serving from memory.
func (s *FallbackStore) Degraded() bool { return s.degraded.Load() }

// probeDue reserves the next probe slot. At most one request per probe
// interval pays the cost of re-trying the shared backend.
func (s *FallbackStore) probeDue() bool {
	now := time.Now().UnixNano()
	last := s.lastProbeNano.Load()
	if now-last < s.probeInterval.Nanoseconds() {
		return false
	}
	return s.lastProbeNano.CompareAndSwap(last, now)
}

// isBackendError distinguishes infrastructure failures (degrade and fall
// back) from application errors (propagate).
func isBackendError(err error) bool {
	if err == nil {
		return false
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
