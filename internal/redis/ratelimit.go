package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum events allowed per window
	Window time.Duration // Sliding window length
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // until a slot frees up; zero when allowed
	ResetAt    time.Time
}

// slidingWindow trims the window, then admits n events if they fit. Scores
// are Unix milliseconds, which Lua formats without losing precision.
//
// Returns {allowed, remaining, wait_ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count + n <= limit then
	for i = 1, n do
		redis.call('ZADD', key, ARGV[1], ARGV[4 + i])
	end
	redis.call('PEXPIRE', key, window + 1000)
	return {1, limit - count - n, 0}
end

local wait = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
	wait = tonumber(oldest[2]) + window - now
end
return {0, math.max(0, limit - count), wait}
`)

// RateLimiter implements a sliding window limit shared by every instance.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow checks whether one event for key fits in the window.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN admits n events for key atomically, or none of them.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	args := []interface{}{
		now.UnixMilli(),
		r.config.Window.Milliseconds(),
		r.config.Limit,
		n,
	}
	for i := 0; i < n; i++ {
		args = append(args, uuid.NewString())
	}

	vals, err := slidingWindow.Run(ctx, r.client.rdb, []string{r.client.key("ratelimit", key)}, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis sliding window: %w", err)
	}

	res := &RateLimitResult{
		Allowed:   vals[0] == 1,
		Limit:     r.config.Limit,
		Remaining: int(vals[1]),
		ResetAt:   now.Add(r.config.Window),
	}
	if !res.Allowed {
		res.RetryAfter = time.Duration(vals[2]) * time.Millisecond
		res.ResetAt = now.Add(res.RetryAfter)
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", r.config.Limit),
			zap.Duration("retry_after", res.RetryAfter),
		)
	}
	return res, nil
}

// Throttle blocks callers until the shared window has room. It satisfies
// gateway.Limiter, so every instance sending through one provider account
// respects a single cluster-wide rate.
type Throttle struct {
	limiter *RateLimiter
	key     string
	logger  *zap.Logger
}

// NewThrottle creates a blocking throttle over key.
func NewThrottle(limiter *RateLimiter, key string, logger *zap.Logger) *Throttle {
	return &Throttle{limiter: limiter, key: key, logger: logger}
}

// Wait returns once a slot is taken or ctx ends. If Redis is unreachable the
// throttle fails open and only the local limiter applies.
func (t *Throttle) Wait(ctx context.Context) error {
	for {
		res, err := t.limiter.Allow(ctx, t.key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("shared throttle unavailable, continuing without it", zap.Error(err))
			return nil
		}
		if res.Allowed {
			return nil
		}

		wait := res.RetryAfter
		if wait <= 0 || wait > t.limiter.config.Window {
			wait = t.limiter.config.Window
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
