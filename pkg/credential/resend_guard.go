package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrResendTooSoon is returned while an email is inside its resend cooldown.
var ErrResendTooSoon = errors.New("too many activation code requests")

// ResendGuard throttles activation resends per email.
type ResendGuard interface {
	Acquire(ctx context.Context, email string) error
	Release(ctx context.Context, email string) error
}

// RedisResendGuard holds a SETNX cooldown key per email.
type RedisResendGuard struct {
	client    *redis.Client
	keyPrefix string
	cooldown  time.Duration
}

// NewRedisResendGuard builds a guard with the given cooldown.
func NewRedisResendGuard(addr, password string, cooldown time.Duration) (*RedisResendGuard, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("resend guard redis addr is required")
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &RedisResendGuard{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		keyPrefix: "booknetwork:auth:activation:resend",
		cooldown:  cooldown,
	}, nil
}

// Acquire starts the cooldown, or fails with ErrResendTooSoon if one runs.
func (g *RedisResendGuard) Acquire(ctx context.Context, email string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	allowed, err := g.client.SetNX(ctx, g.key(email), "1", g.cooldown).Result()
	if err != nil {
		return fmt.Errorf("resend guard: %w", err)
	}
	if !allowed {
		return ErrResendTooSoon
	}
	return nil
}

// Release clears the cooldown, used when the resend itself failed.
func (g *RedisResendGuard) Release(ctx context.Context, email string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return g.client.Del(ctx, g.key(email)).Err()
}

// Close releases the Redis connection pool.
func (g *RedisResendGuard) Close() error {
	return g.client.Close()
}

func (g *RedisResendGuard) key(email string) string {
	return fmt.Sprintf("%s:%s", g.keyPrefix, strings.ToLower(strings.TrimSpace(email)))
}
