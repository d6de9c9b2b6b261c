package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepInterval bounds how often Incr walks the whole map purging
// expired records. Individual records are also purged lazily on access.
const sweepInterval = 1 * time.Minute

// MemoryStore is the in-process counter backend: a locked map from key
// to windowed count. Volatile and single-instance; it is both the
// default backend and the fail-open fallback when Redis is unreachable.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]*counterRecord
	lastSweep time.Time

	// now is swappable for tests.
	now func() time.Time
}

// counterRecord is owned exclusively by the store and mutated only under
// its lock. count never goes negative; the window resets when its start
// falls out of range.
type counterRecord struct {
	count       int64
	windowStart time.Time
	window      time.Duration
}

// NewMemoryStore creates an empty in-process counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*counterRecord),
		now:     time.Now,
	}
}

// Incr atomically increments the counter for key within its current
// window. A key whose window has elapsed starts a fresh window at count 1.
func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.maybeSweep(now)

	rec, ok := s.records[key]
	if !ok || !now.Before(rec.windowStart.Add(rec.window)) {
		rec = &counterRecord{count: 0, windowStart: now, window: window}
		s.records[key] = rec
	}
	rec.count++

	ttl := rec.windowStart.Add(rec.window).Sub(now)
	return rec.count, ttl, nil
}

// Len returns the number of live records, counting not-yet-swept expired
// ones.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// maybeSweep purges expired records at most once per sweepInterval.
// Callers must hold mu.
func (s *MemoryStore) maybeSweep(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now

	for key, rec := range s.records {
		if !now.Before(rec.windowStart.Add(rec.window)) {
			delete(s.records, key)
		}
	}
}
