package governor

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter coordinates a fixed one-minute window per bucket across
// replicas. Coarser than the in-memory token bucket, but the budgets here
// are small enough that the difference does not matter in practice.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter builds a RedisLimiter.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "governor:"}
}

// Allow increments the key's window counter, setting the window expiry on
// first touch.
func (r *RedisLimiter) Allow(ctx context.Context, key string, perMinute int) (Decision, error) {
	full := r.prefix + key

	pipe := r.client.TxPipeline()
	count := pipe.Incr(ctx, full)
	pipe.ExpireNX(ctx, full, time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	if count.Val() <= int64(perMinute) {
		return Decision{Allowed: true}, nil
	}

	ttl, err := r.client.TTL(ctx, full).Result()
	if err != nil || ttl < 0 {
		ttl = time.Minute
	}
	return Decision{Allowed: false, RetryAfter: ttl}, nil
}
