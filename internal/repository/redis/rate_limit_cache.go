package redis

import (
	"context"
	"fmt"
	"time"

	"identity-service/internal/client"
)

// RateLimitCache implements fixed-window counters in Redis. The first hit
// in a window creates the counter with the window TTL; the window boundary
// is wherever the first request landed, not a wall-clock alignment.
type RateLimitCache struct {
	redis *client.RedisClient
}

func NewRateLimitCache(redisClient *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{redis: redisClient}
}

// The script increments the counter, arms the TTL only on creation, and
// returns both the count and the remaining window so a single round trip
// yields everything a limit decision needs.
const fixedWindowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`

// Result of one rate-limit check.
type LimitResult struct {
	Allowed   bool
	Count     int64
	Remaining int64
	ResetIn   time.Duration
}

// Hit counts one attempt against the key and reports whether it stays
// within limit for the window.
func (c *RateLimitCache) Hit(ctx context.Context, key string, limit int64, window time.Duration) (*LimitResult, error) {
	raw, err := c.redis.Eval(ctx, fixedWindowScript,
		[]string{"ratelimit:" + key},
		window.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("rate limit script failed: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return nil, fmt.Errorf("rate limit script returned unexpected value: %v", raw)
	}
	count, _ := values[0].(int64)
	ttlMillis, _ := values[1].(int64)
	if ttlMillis < 0 {
		ttlMillis = window.Milliseconds()
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return &LimitResult{
		Allowed:   count <= limit,
		Count:     count,
		Remaining: remaining,
		ResetIn:   time.Duration(ttlMillis) * time.Millisecond,
	}, nil
}

// Reset clears the counter for a key. Used after a successful attempt
// where continued throttling would punish a legitimate caller.
func (c *RateLimitCache) Reset(ctx context.Context, key string) error {
	return c.redis.Client().Del(ctx, "ratelimit:"+key).Err()
}
