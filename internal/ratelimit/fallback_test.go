package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore is a CounterStore whose failure mode can be toggled mid-test.
type flakyStore struct {
	inner   *MemoryStore
	failing atomic.Bool
	failErr error
	calls   atomic.Int64
}

func newFlakyStore(failErr error) *flakyStore {
	return &flakyStore{inner: NewMemoryStore(), failErr: failErr}
}

func (s *flakyStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.calls.Add(1)
	if s.failing.Load() {
		return 0, 0, s.failErr
	}
	return s.inner.Incr(ctx, key, window)
}

func TestFallbackStore_HealthyBackendPassesThrough(t *testing.T) {
	shared := newFlakyStore(context.DeadlineExceeded)
	fs := NewFallbackStore(shared)
	ctx := context.Background()

	count, _, err := fs.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.False(t, fs.Degraded())
}

func TestFallbackStore_DegradesOnBackendError(t *testing.T) {
	shared := newFlakyStore(context.DeadlineExceeded)
	fs := NewFallbackStore(shared)
	ctx := context.Background()

	// Build some history, then kill the backend mid-run.
	for i := 0; i < 3; i++ {
		_, _, err := fs.Incr(ctx, "k", time.Minute)
		require.NoError(t, err)
	}
	shared.failing.Store(true)

	count, ttl, err := fs.Incr(ctx, "k", time.Minute)
	require.NoError(t, err, "backend failure must never surface to the caller")
	assert.Equal(t, int64(1), count, "local counting restarts from an empty window")
	assert.Greater(t, ttl, time.Duration(0))
	assert.True(t, fs.Degraded())

	// The next request consumes the initial probe slot; after that,
	// requests count locally without touching the backend until the
	// probe interval elapses.
	count, _, err = fs.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	callsBefore := shared.calls.Load()
	count, _, err = fs.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, callsBefore, shared.calls.Load())
}

func TestFallbackStore_ProbeRestoresSharedCounting(t *testing.T) {
	shared := newFlakyStore(context.DeadlineExceeded)
	fs := NewFallbackStore(shared)
	fs.probeInterval = time.Millisecond
	ctx := context.Background()

	shared.failing.Store(true)
	_, _, err := fs.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, fs.Degraded())

	shared.failing.Store(false)
	time.Sleep(5 * time.Millisecond) // Let the probe slot come due.

	count, _, err := fs.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, fs.Degraded(), "a successful probe must restore shared counting")
	assert.Equal(t, int64(1), count, "recovered backend starts its own window")
}

func TestFallbackStore_FailedProbeStaysDegraded(t *testing.T) {
	shared := newFlakyStore(context.DeadlineExceeded)
	fs := NewFallbackStore(shared)
	fs.probeInterval = time.Millisecond
	ctx := context.Background()

	shared.failing.Store(true)
	_, _, err := fs.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	count, _, err := fs.Incr(ctx, "k", time.Minute)
	require.NoError(t, err, "failed probe still serves the request from memory")
	assert.Equal(t, int64(2), count)
	assert.True(t, fs.Degraded())
}

func TestFallbackStore_NonBackendErrorPropagates(t *testing.T) {
	appErr := errors.New("malformed counter reply")
	shared := newFlakyStore(appErr)
	fs := NewFallbackStore(shared)
	shared.failing.Store(true)

	_, _, err := fs.Incr(context.Background(), "k", time.Minute)
	assert.ErrorIs(t, err, appErr)
	assert.False(t, fs.Degraded(), "application errors must not trigger fallback")
}

func TestIsBackendError(t *testing.T) {
	assert.False(t, isBackendError(nil))
	assert.False(t, isBackendError(errors.New("app error")))
	assert.True(t, isBackendError(context.DeadlineExceeded))
	assert.True(t, isBackendError(context.Canceled))
	assert.True(t, isBackendError(&fakeNetErr{}))
}

type fakeNetErr struct{}

func (*fakeNetErr) Error() string   { return "dial tcp: connection refused" }
func (*fakeNetErr) Timeout() bool   { return false }
func (*fakeNetErr) Temporary() bool { return true }
