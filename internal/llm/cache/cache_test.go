package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averlon/speechgate/internal/analysis"
	"github.com/averlon/speechgate/internal/llm/transport"
)

func TestStore_GetPut(t *testing.T) {
	s := NewStore(10)

	_, ok := s.Get("fp-1")
	assert.False(t, ok, "empty store must miss")

	require.True(t, s.Put("fp-1", []byte("payload"), time.Minute))

	payload, ok := s.Get("fp-1")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), payload)
}

func TestStore_LazyExpiry(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }

	require.True(t, s.Put("fp-1", []byte("payload"), time.Minute))

	now = base.Add(59 * time.Second)
	_, ok := s.Get("fp-1")
	assert.True(t, ok, "entry before expiry must hit")

	// Expiry boundary: an entry is served only while now < expires_at.
	now = base.Add(time.Minute)
	_, ok = s.Get("fp-1")
	assert.False(t, ok, "entry at exact expiry must miss")
	assert.Equal(t, 0, s.Len(), "expired entry is purged on access")
}

func TestStore_FirstWriterWins(t *testing.T) {
	s := NewStore(10)

	require.True(t, s.Put("fp-1", []byte("first"), time.Minute))
	assert.False(t, s.Put("fp-1", []byte("second"), time.Minute),
		"write to an unexpired entry must be discarded")

	payload, ok := s.Get("fp-1")
	require.True(t, ok)
	assert.Equal(t, []byte("first"), payload)
}

func TestStore_ExpiredEntryReplaceable(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }

	require.True(t, s.Put("fp-1", []byte("first"), time.Minute))

	now = base.Add(2 * time.Minute)
	require.True(t, s.Put("fp-1", []byte("second"), time.Minute),
		"expired entry must accept a fresh write")

	payload, ok := s.Get("fp-1")
	require.True(t, ok)
	assert.Equal(t, []byte("second"), payload)
}

func TestStore_RejectsNonPositiveTTL(t *testing.T) {
	s := NewStore(10)
	assert.False(t, s.Put("fp-1", []byte("x"), 0))
	assert.False(t, s.Put("fp-1", []byte("x"), -time.Second))
	assert.Equal(t, 0, s.Len())
}

func TestStore_EvictsOldestCreatedFirst(t *testing.T) {
	s := NewStore(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }

	require.True(t, s.Put("fp-a", []byte("a"), time.Hour))
	now = base.Add(time.Second)
	require.True(t, s.Put("fp-b", []byte("b"), time.Hour))
	now = base.Add(2 * time.Second)
	require.True(t, s.Put("fp-c", []byte("c"), time.Hour))

	_, ok := s.Get("fp-a")
	assert.False(t, ok, "oldest created entry must be evicted")
	_, ok = s.Get("fp-b")
	assert.True(t, ok)
	_, ok = s.Get("fp-c")
	assert.True(t, ok)

	stats := s.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestStore_Stats(t *testing.T) {
	s := NewStore(10)
	s.Put("fp-1", []byte("x"), time.Minute)
	s.Get("fp-1")
	s.Get("fp-missing")

	stats := s.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func analysisRequest(text string) *transport.Request {
	req := &transport.Request{
		Text:       text,
		PromptType: analysis.PromptGeneral,
		Model:      "gpt-4o-mini",
	}
	req.Fingerprint = transport.ComputeFingerprint(req)
	return req
}

func countingHandler(calls *atomic.Int64) transport.Handler {
	return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		calls.Add(1)
		return &transport.Response{
			Result: &analysis.Result{
				ClarityScore:    80,
				PaceScore:       70,
				ConfidenceScore: 90,
				Feedback:        "well paced",
			},
			Model: req.Model,
		}, nil
	})
}

func TestMiddleware_HitSkipsUpstream(t *testing.T) {
	var calls atomic.Int64
	store := NewStore(10)
	handler := transport.Chain(countingHandler(&calls), NewMiddleware(store, time.Minute))
	req := analysisRequest("Hello everyone, thanks for coming.")

	first, err := handler.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := handler.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, int64(1), calls.Load(), "cache hit must not reach the provider")
}

func TestMiddleware_DistinctFingerprintsBothCall(t *testing.T) {
	var calls atomic.Int64
	store := NewStore(10)
	handler := transport.Chain(countingHandler(&calls), NewMiddleware(store, time.Minute))

	_, err := handler.Handle(context.Background(), analysisRequest("speech one"))
	require.NoError(t, err)
	_, err = handler.Handle(context.Background(), analysisRequest("speech two"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), calls.Load())
}

func TestMiddleware_CoalescesConcurrentIdenticalRequests(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	slow := transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		calls.Add(1)
		<-release
		return &transport.Response{
			Result: &analysis.Result{ClarityScore: 50, PaceScore: 50, ConfidenceScore: 50, Feedback: "ok"},
		}, nil
	})

	store := NewStore(10)
	handler := transport.Chain(slow, NewMiddleware(store, time.Minute))
	req := analysisRequest("same speech, many listeners")

	const n = 8
	var wg sync.WaitGroup
	results := make([]*transport.Response, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = handler.Handle(context.Background(), req)
		}(i)
	}

	// Let the goroutines pile onto the flight before releasing the leader.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
	}
	assert.Equal(t, int64(1), calls.Load(),
		"concurrent identical requests must collapse into one upstream call")
}

func TestMiddleware_AbandonedFlightStillPersists(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	slow := transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		calls.Add(1)
		<-release
		return &transport.Response{
			Result: &analysis.Result{ClarityScore: 50, PaceScore: 50, ConfidenceScore: 50, Feedback: "ok"},
		}, nil
	})

	store := NewStore(10)
	handler := transport.Chain(slow, NewMiddleware(store, time.Minute))
	req := analysisRequest("a speech the caller gave up on")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := handler.Handle(ctx, req)
		errCh <- err
	}()

	// Let the leader reach the provider, then disconnect the caller.
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	err := <-errCh
	require.ErrorIs(t, err, context.Canceled, "a disconnected caller must return promptly")

	// The in-flight call completes anyway and its result is persisted.
	close(release)
	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, time.Millisecond)

	resp, err := handler.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, int64(1), calls.Load(),
		"the abandoned call's result must serve later requests without a new upstream call")
}

func TestMiddleware_FollowerSurvivesLeaderCancel(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	slow := transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		calls.Add(1)
		<-release
		return &transport.Response{
			Result: &analysis.Result{ClarityScore: 50, PaceScore: 50, ConfidenceScore: 50, Feedback: "ok"},
		}, nil
	})

	store := NewStore(10)
	handler := transport.Chain(slow, NewMiddleware(store, time.Minute))
	req := analysisRequest("shared flight, impatient leader")

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := handler.Handle(leaderCtx, req)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	followerDone := make(chan error, 1)
	var followerResp *transport.Response
	go func() {
		var err error
		followerResp, err = handler.Handle(context.Background(), req)
		followerDone <- err
	}()

	// Give the follower time to join the flight before the leader quits.
	time.Sleep(20 * time.Millisecond)
	cancelLeader()
	require.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	require.NoError(t, <-followerDone, "leader cancellation must not fail the shared flight")
	require.NotNil(t, followerResp)
	assert.Equal(t, int64(1), calls.Load())
}

func TestMiddleware_ErrorNotCached(t *testing.T) {
	var calls atomic.Int64
	failing := transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		calls.Add(1)
		return nil, context.DeadlineExceeded
	})

	store := NewStore(10)
	handler := transport.Chain(failing, NewMiddleware(store, time.Minute))
	req := analysisRequest("failing speech")

	_, err := handler.Handle(context.Background(), req)
	require.Error(t, err)
	_, err = handler.Handle(context.Background(), req)
	require.Error(t, err)

	assert.Equal(t, int64(2), calls.Load(), "failures must not populate the cache")
	assert.Equal(t, 0, store.Len())
}

func TestMiddleware_EmptyFingerprintBypasses(t *testing.T) {
	var calls atomic.Int64
	store := NewStore(10)
	handler := transport.Chain(countingHandler(&calls), NewMiddleware(store, time.Minute))

	req := &transport.Request{Text: "no fingerprint", PromptType: analysis.PromptGeneral}
	_, err := handler.Handle(context.Background(), req)
	require.NoError(t, err)
	_, err = handler.Handle(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, 0, store.Len())
}
