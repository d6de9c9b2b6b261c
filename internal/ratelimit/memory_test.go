package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_IncrCountsWithinWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		count, ttl, err := s.Incr(ctx, "analysis:1.2.3.4", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, time.Minute)
	}
}

func TestMemoryStore_KeysAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	count, _, err := s.Incr(ctx, "analysis:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, _, err = s.Incr(ctx, "analysis:5.6.7.8", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "a different client must start its own window")

	count, _, err = s.Incr(ctx, "default:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "a different route group must start its own window")
}

func TestMemoryStore_WindowResets(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }
	ctx := context.Background()

	// Windows start at the first request, not on wall-clock boundaries.
	count, _, err := s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	now = base.Add(59 * time.Second)
	count, ttl, err := s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, time.Second, ttl)

	now = base.Add(time.Minute)
	count, ttl, err = s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "elapsed window must reset to a fresh count")
	assert.Equal(t, time.Minute, ttl)
}

func TestMemoryStore_SweepPurgesExpiredRecords(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, _, err := s.Incr(ctx, "short-lived", time.Second)
	require.NoError(t, err)
	_, _, err = s.Incr(ctx, "long-lived", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	// Past the sweep interval, the next Incr purges expired records.
	now = base.Add(2 * time.Minute)
	_, _, err = s.Incr(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len(), "expired record must be swept, live one kept")
}

func TestMemoryStore_ConcurrentIncr(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const goroutines = 20
	const perGoroutine = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				_, _, err := s.Incr(ctx, "shared", time.Hour)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	count, _, err := s.Incr(ctx, "shared", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(goroutines*perGoroutine+1), count)
}
