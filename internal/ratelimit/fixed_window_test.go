package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newLimiter(t *testing.T, mr *miniredis.Miniredis, limit int) *FixedWindowLimiter {
	t.Helper()
	limiter, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "test:ratelimit", limit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })
	return limiter
}

func TestAllowCountsDownThenDenies(t *testing.T) {
	limiter := newLimiter(t, miniredis.RunT(t), 2)
	ctx := context.Background()

	first := limiter.Allow(ctx, "login|10.0.0.1")
	if !first.Allowed || first.Remaining != 1 {
		t.Fatalf("first decision = %+v", first)
	}
	if second := limiter.Allow(ctx, "login|10.0.0.1"); !second.Allowed || second.Remaining != 0 {
		t.Fatalf("second decision = %+v", second)
	}
	third := limiter.Allow(ctx, "login|10.0.0.1")
	if third.Allowed {
		t.Fatalf("third call should be denied")
	}
	if third.RetryAfter <= 0 || third.RetryAfter > time.Minute {
		t.Fatalf("retry after = %s", third.RetryAfter)
	}
	if other := limiter.Allow(ctx, "login|10.0.0.2"); !other.Allowed {
		t.Fatalf("keys must be counted separately")
	}
}

func TestAllowOpensNextWindow(t *testing.T) {
	limiter := newLimiter(t, miniredis.RunT(t), 1)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }
	ctx := context.Background()

	if !limiter.Allow(ctx, "register").Allowed {
		t.Fatalf("first call should pass")
	}
	if limiter.Allow(ctx, "register").Allowed {
		t.Fatalf("second call in the same window should be denied")
	}
	limiter.now = func() time.Time { return base.Add(time.Minute) }
	if !limiter.Allow(ctx, "register").Allowed {
		t.Fatalf("next window should start a fresh count")
	}
}

func TestAllowDeniesWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := newLimiter(t, mr, 5)
	mr.Close()
	if limiter.Allow(context.Background(), "activation").Allowed {
		t.Fatalf("limiter should deny on redis errors")
	}
}

func TestNewRequiresAddrAndPositiveLimit(t *testing.T) {
	if _, err := NewRedisFixedWindowLimiter("", "", "", 1, time.Second); err == nil {
		t.Fatalf("expected error for empty redis addr")
	}
	if _, err := NewRedisFixedWindowLimiter("127.0.0.1:6379", "", "", 0, time.Second); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}
