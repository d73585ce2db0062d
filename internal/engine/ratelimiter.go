package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is the per-subscription admission gate consulted before each
// delivery attempt. Returning false defers the attempt without consuming a
// retry slot; the task runtime re-enqueues it shortly after.
type RateLimiter interface {
	Allow(ctx context.Context, subscriptionID int64) bool
}

// AllowAll admits every attempt. This is the reference implementation used
// when no rate limit is configured.
type AllowAll struct{}

func (AllowAll) Allow(ctx context.Context, subscriptionID int64) bool {
	return true
}

// RedisRateLimiter implements a sliding window counter in Redis, keyed by
// subscription id. A Lua script atomically evicts expired entries, checks
// the count, and admits or denies.
type RedisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
	script *redis.Script
	limit  int
	window time.Duration
}

// Lua script for atomic sliding window rate limiting:
// 1. Remove entries older than the window
// 2. Count remaining entries
// 3. Under the limit: add a new entry and return 1 (allowed)
// 4. At/over the limit: return 0 (denied)
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, window / 1000 + 1)
    return 1
else
    return 0
end
`)

// NewRedisRateLimiter admits up to limit deliveries per subscription within
// each window.
func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration, logger *slog.Logger) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		logger: logger,
		script: slidingWindowScript,
		limit:  limit,
		window: window,
	}
}

func rlKey(subscriptionID int64) string {
	return fmt.Sprintf("rl:%d", subscriptionID)
}

func (rl *RedisRateLimiter) Allow(ctx context.Context, subscriptionID int64) bool {
	if rl.limit <= 0 {
		return true
	}

	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%d", now, time.Now().UnixNano()%10000)

	result, err := rl.script.Run(ctx, rl.client, []string{rlKey(subscriptionID)},
		now, rl.window.Milliseconds(), rl.limit, member,
	).Int64()
	if err != nil {
		// Fail open: a Redis outage must not stall deliveries
		rl.logger.Error("rate limiter script failed", "error", err, "subscription_id", subscriptionID)
		return true
	}

	if result == 0 {
		rl.logger.Debug("rate limited", "subscription_id", subscriptionID, "limit", rl.limit)
		return false
	}
	return true
}
