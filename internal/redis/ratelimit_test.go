package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop(), prefix: "herald"}

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
	})

	return limiter, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 5, time.Minute)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "test-key")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 3, time.Minute)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		result, _ := limiter.Allow(ctx, "test-key")
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	limiter.now = func() time.Time { return base.Add(20 * time.Second) }
	result, err := limiter.Allow(ctx, "test-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("request should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
	if result.RetryAfter != 40*time.Second {
		t.Errorf("expected retry after 40s, got %v", result.RetryAfter)
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 2, time.Minute)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	limiter.now = func() time.Time { return base }
	limiter.Allow(ctx, "k")
	limiter.now = func() time.Time { return base.Add(30 * time.Second) }
	limiter.Allow(ctx, "k")

	limiter.now = func() time.Time { return base.Add(61 * time.Second) }
	result, _ := limiter.Allow(ctx, "k")
	if !result.Allowed {
		t.Fatal("oldest event left the window; request should be allowed")
	}
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	limiter, mr, cleanup := setupTestRateLimiter(t, 2, time.Minute)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		limiter.Allow(ctx, "key-a")
	}

	result, _ := limiter.Allow(ctx, "key-b")
	if !result.Allowed {
		t.Fatal("key-b should be allowed")
	}
	if result.Remaining != 1 {
		t.Errorf("expected remaining 1, got %d", result.Remaining)
	}
	if !mr.Exists("herald:ratelimit:key-a") {
		t.Error("expected prefixed key in redis")
	}
}

func TestRateLimiter_AllowN(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 10, time.Minute)
	defer cleanup()

	ctx := context.Background()

	result, err := limiter.AllowN(ctx, "test-key", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatal("should be allowed")
	}
	if result.Remaining != 5 {
		t.Errorf("expected remaining 5, got %d", result.Remaining)
	}

	result, _ = limiter.AllowN(ctx, "test-key", 6)
	if result.Allowed {
		t.Fatal("should be blocked")
	}
}

func TestThrottle_WaitsForSlot(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 1, 50*time.Millisecond)
	defer cleanup()

	throttle := NewThrottle(limiter, "gateway:sns", zap.NewNop())
	ctx := context.Background()

	start := time.Now()
	if err := throttle.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := throttle.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("second wait should block for the window, took %v", elapsed)
	}
}

func TestThrottle_ContextCancel(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 1, time.Hour)
	defer cleanup()

	throttle := NewThrottle(limiter, "gateway:sns", zap.NewNop())
	throttle.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := throttle.Wait(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestThrottle_FailsOpen(t *testing.T) {
	limiter, mr, cleanup := setupTestRateLimiter(t, 1, time.Hour)
	defer cleanup()

	throttle := NewThrottle(limiter, "gateway:sns", zap.NewNop())
	mr.Close()

	if err := throttle.Wait(context.Background()); err != nil {
		t.Fatalf("expected fail-open when redis is down, got %v", err)
	}
}
