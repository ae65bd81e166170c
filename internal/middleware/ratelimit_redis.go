package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	apperrors "github.com/reefmind/posepair/internal/errors"
)

const (
	rateLimitKeyPrefix = "ratelimit:"
	rateLimitWindow    = 60 * time.Second
)

var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, 0, resetAt}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('EXPIRE', key, window + 10)

local remaining = limit - count - 1
local resetAt = now + window

return {1, remaining, resetAt}
`)

// RedisRateLimiter shares the sliding window across agent restarts. While
// redis is failing, checks go to the fallback limiter; with no fallback they
// fail open.
type RedisRateLimiter struct {
	client   *redis.Client
	fallback Limiter
}

func NewRedisRateLimiter(client *redis.Client, fallback Limiter) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, fallback: fallback}
}

func (rl *RedisRateLimiter) Check(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt int64) {
	now := time.Now().Unix()
	window := int64(rateLimitWindow.Seconds())

	result, err := rl.check(ctx, key, now, window, limit)
	if err == nil {
		return result[0] == 1, int(result[1]), result[2]
	}

	if rl.fallback != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis rate limit check failed, using in-process limiter")
		return rl.fallback.Check(ctx, key, limit)
	}
	log.Warn().Err(err).Str("key", key).Msg("redis rate limit check failed, allowing request")
	return true, limit - 1, now + window
}

func (rl *RedisRateLimiter) check(ctx context.Context, key string, now, window int64, limit int) ([]int64, error) {
	result, err := rateLimitScript.Run(ctx, rl.client, []string{rateLimitKeyPrefix + key}, now, window, limit).Int64Slice()
	if err != nil {
		return nil, apperrors.External("redis rate limit", err)
	}
	if len(result) != 3 {
		return nil, apperrors.External("redis rate limit", fmt.Errorf("unexpected result length %d", len(result)))
	}
	return result, nil
}
