package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter implements sliding-window rate limiting in Redis so the
// limit holds across every delivery worker instance. Each request is a
// sorted-set member scored by its timestamp; the check-and-add is one atomic
// Lua script.
//
// When Redis is unreachable the limiter degrades to the in-process token
// bucket rather than blocking deliveries.
type RedisRateLimiter struct {
	client   *redis.Client
	window   time.Duration
	fallback *LocalRateLimiter
	logger   *slog.Logger
}

func NewRedisRateLimiter(client *redis.Client, window time.Duration, logger *slog.Logger) *RedisRateLimiter {
	if window <= 0 {
		window = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateLimiter{
		client:   client,
		window:   window,
		fallback: NewLocalRateLimiter(),
		logger:   logger,
	}
}

// allowScript atomically trims the window, counts entries, and admits the
// request if under the limit. Returns 1 if allowed, 0 if limited.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return 1
else
    return 0
end
`)

func (r *RedisRateLimiter) Allow(ctx context.Context, subscriptionID string, limit int) (bool, error) {
	key := "webhookd:ratelimit:" + subscriptionID
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%d", now, time.Now().UnixNano()%1000000)

	result, err := allowScript.Run(ctx, r.client, []string{key}, now, r.window.Milliseconds(), limit, member).Int()
	if err != nil {
		r.logger.Warn("redis rate limiter unavailable, using local fallback",
			"error", err,
			"subscription_id", subscriptionID,
		)
		return r.fallback.Allow(ctx, subscriptionID, limit)
	}
	return result == 1, nil
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
