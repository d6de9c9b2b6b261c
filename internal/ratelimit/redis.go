package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces limiter counters in the shared Redis instance.
const keyPrefix = "rl:"

// incrScript atomically increments a windowed counter. The TTL is set
// only when the key is first created, so subsequent hits never reset the
// window. A PTTL of -1 (key exists without expiry, possible after a
// partial failure) restores the window rather than leaving the counter
// immortal.
var incrScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return {count, ttl}
`)

// RedisStore is the shared counter backend. Multiple service instances
// incrementing the same key observe one consistent count, making the
// rate limit a property of the whole fleet.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client. The caller owns the
// client's lifecycle.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Incr runs the atomic increment-with-expiry script for key.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	result, err := incrScript.Run(ctx, s.client,
		[]string{keyPrefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis counter increment failed: %w", err)
	}

	values, ok := result.([]any)
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected script result format: %T", result)
	}
	count, ok1 := values[0].(int64)
	ttlMs, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("unexpected script result values: %v", values)
	}

	return count, time.Duration(ttlMs) * time.Millisecond, nil
}
