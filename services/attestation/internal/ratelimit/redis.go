package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianpay/offline-settle/services/attestation/internal/cache"
)

// RedisLimiter implements Limiter with a fixed-window counter in Redis.
type RedisLimiter struct {
	cache    *cache.Client
	requests int
	window   time.Duration
	prefix   string
}

// NewRedisLimiter constructs a RedisLimiter allowing requests per window.
func NewRedisLimiter(cache *cache.Client, requests int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		cache:    cache,
		requests: requests,
		window:   window,
		prefix:   "attestation:ratelimit:",
	}
}

// Allow checks whether key is still within its window's request budget.
// A limiter built without a Redis client allows every request.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, Info, error) {
	if l.cache == nil {
		return true, Info{Limit: l.requests, Remaining: l.requests, Reset: time.Now().Add(l.window)}, nil
	}
	redisKey := l.prefix + key

	count, err := l.cache.Incr(ctx, redisKey)
	if err != nil {
		return false, Info{}, fmt.Errorf("increment rate limit counter: %w", err)
	}

	if count == 1 {
		if err := l.cache.Expire(ctx, redisKey, l.window); err != nil {
			return false, Info{}, fmt.Errorf("set rate limit expiry: %w", err)
		}
	}

	ttl, err := l.cache.TTL(ctx, redisKey)
	if err != nil {
		ttl = l.window
	}

	info := Info{
		Limit:     l.requests,
		Remaining: max(0, l.requests-int(count)),
		Reset:     time.Now().Add(ttl),
	}

	if int(count) > l.requests {
		return false, info, nil
	}
	return true, info, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
