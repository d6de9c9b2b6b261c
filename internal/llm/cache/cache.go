// Package cache provides the content-addressed response cache for AI
// provider calls. Entries are keyed by request fingerprint, immutable
// once written, expired lazily on read, and evicted oldest-created-first
// when the store exceeds its capacity.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Store maps request fingerprints to previously computed payloads.
// All operations are safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	entries    map[string]*entry
	order      *list.List // front = oldest created
	maxEntries int

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	// now is swappable for tests.
	now func() time.Time
}

type entry struct {
	fingerprint string
	payload     []byte
	createdAt   time.Time
	expiresAt   time.Time
	elem        *list.Element
}

// NewStore creates a cache holding at most maxEntries entries.
func NewStore(maxEntries int) *Store {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Store{
		entries:    make(map[string]*entry),
		order:      list.New(),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the payload for a fingerprint, or (nil, false) on miss.
// Expired entries are removed on access and reported as misses; an entry
// is only ever returned while now < expiresAt.
func (s *Store) Get(fingerprint string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fingerprint]
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	if !s.now().Before(e.expiresAt) {
		s.remove(e)
		s.misses.Add(1)
		return nil, false
	}

	s.hits.Add(1)
	return e.payload, true
}

// Put stores a payload under a fingerprint. Writes are idempotent: if an
// unexpired entry already exists the new payload is discarded and the
// existing one retained, so concurrent identical requests can never store
// divergent values. Returns true when the write was accepted.
func (s *Store) Put(fingerprint string, payload []byte, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.entries[fingerprint]; ok {
		if now.Before(existing.expiresAt) {
			return false // First writer wins.
		}
		s.remove(existing)
	}

	e := &entry{
		fingerprint: fingerprint,
		payload:     payload,
		createdAt:   now,
		expiresAt:   now.Add(ttl),
	}
	e.elem = s.order.PushBack(e)
	s.entries[fingerprint] = e

	// Capacity eviction: oldest created_at first, until under the limit.
	for len(s.entries) > s.maxEntries {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		s.remove(oldest.Value.(*entry))
		s.evictions.Add(1)
	}

	return true
}

// Len returns the current entry count, including not-yet-purged expired
// entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// remove deletes an entry from both indexes. Callers must hold mu.
func (s *Store) remove(e *entry) {
	delete(s.entries, e.fingerprint)
	s.order.Remove(e.elem)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Stats returns a snapshot for logging and debugging.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	entries := len(s.entries)
	s.mu.Unlock()

	return Stats{
		Entries:   entries,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}
