package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisResendGuardCooldown(t *testing.T) {
	mr := miniredis.RunT(t)
	guard, err := NewRedisResendGuard(mr.Addr(), "", time.Minute)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	t.Cleanup(func() { _ = guard.Close() })
	ctx := context.Background()

	if err := guard.Acquire(ctx, "Ada@Example.com"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := guard.Acquire(ctx, "ada@example.com "); !errors.Is(err, ErrResendTooSoon) {
		t.Fatalf("expected cooldown for normalized email, got %v", err)
	}
	mr.FastForward(61 * time.Second)
	if err := guard.Acquire(ctx, "ada@example.com"); err != nil {
		t.Fatalf("acquire after cooldown: %v", err)
	}
	if err := guard.Release(ctx, "ada@example.com"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := guard.Acquire(ctx, "ada@example.com"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestRedisResendGuardRequiresAddr(t *testing.T) {
	if _, err := NewRedisResendGuard(" ", "", time.Minute); err == nil {
		t.Fatalf("expected error for empty redis addr")
	}
}
