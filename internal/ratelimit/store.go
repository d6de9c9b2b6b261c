package ratelimit

import (
	"context"
	"time"
)

// CounterStore abstracts "increment and read a counter for a key within
// a time window". Incr is the store's only operation; callers never read
// then write. Implementations must be atomic under concurrent callers
// for the same key.
//
// The returned count includes the increment just performed; ttl is the
// time remaining until the key's window resets.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}
