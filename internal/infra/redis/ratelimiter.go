package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/docbatch-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerWindow = 10
	defaultWindow         = time.Second
	maxWaitStep           = 250 * time.Millisecond
	rateLimitKeyPrefix    = "docbatch:ratelimit:"
)

// reserveScript keeps one sorted-set member per granted call, scored by its
// grant time in milliseconds. It returns 0 when a slot was taken, otherwise
// the milliseconds until the oldest grant leaves the window.
var reserveScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return 0
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then
  wait = 1
end
return wait
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a sliding-window quota on extraction calls shared by
// every process pointed at the same Redis.
type RedisRateLimiter struct {
	client *goredis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	newID  func() string
}

func NewRedisRateLimiter(client *goredis.Client, limitPerSec int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, int64(limitPerSec), defaultWindow, time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limit int64,
	window time.Duration,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		limit = defaultLimitPerWindow
	}
	if window <= 0 {
		window = defaultWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    nowFn,
		sleep:  sleepFn,
		newID:  uuid.NewString,
	}, nil
}

// reserve takes a slot for key if one is free and otherwise reports how long
// until the next one frees up.
func (r *RedisRateLimiter) reserve(ctx context.Context, key string) (time.Duration, error) {
	normalizedKey := strings.ToLower(strings.TrimSpace(key))
	if normalizedKey == "" {
		return 0, fmt.Errorf("rate limit key is required")
	}

	waitMs, err := reserveScript.Run(ctx, r.client,
		[]string{rateLimitKeyPrefix + normalizedKey},
		r.now().UnixMilli(), r.window.Milliseconds(), r.limit, r.newID(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	return time.Duration(waitMs) * time.Millisecond, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	wait, err := r.reserve(ctx, key)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// Wait blocks until a slot is granted or ctx ends. Sleeps are capped so a
// slot released by another process is noticed promptly.
func (r *RedisRateLimiter) Wait(ctx context.Context, key string) error {
	for {
		wait, err := r.reserve(ctx, key)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if err := r.sleep(ctx, min(wait, maxWaitStep)); err != nil {
			return err
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
