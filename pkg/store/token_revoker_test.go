package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryTokenRevokerUserCutoffMonotonic(t *testing.T) {
	r := NewMemoryTokenRevoker()
	first := time.Now().UTC().Add(-time.Minute)
	second := time.Now().UTC()

	if err := r.RevokeUser("user-1", first); err != nil {
		t.Fatalf("revoke user first: %v", err)
	}
	if err := r.RevokeUser("user-1", first.Add(-time.Minute)); err != nil {
		t.Fatalf("revoke user older cutoff: %v", err)
	}
	got, err := r.RevokedAfter("user-1")
	if err != nil {
		t.Fatalf("revoked after first: %v", err)
	}
	if !got.Equal(first) {
		t.Fatalf("expected first cutoff to be kept, got %v", got)
	}

	if err := r.RevokeUser("user-1", second); err != nil {
		t.Fatalf("revoke user second: %v", err)
	}
	got, err = r.RevokedAfter("user-1")
	if err != nil {
		t.Fatalf("revoked after second: %v", err)
	}
	if !got.Equal(second) {
		t.Fatalf("expected newest cutoff, got %v", got)
	}
}

func TestMemoryTokenRevokerExpiresEntries(t *testing.T) {
	r := NewMemoryTokenRevoker()
	if err := r.Revoke("jti-1", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := r.Revoke("jti-2", 0); err != nil {
		t.Fatalf("revoke zero ttl: %v", err)
	}
	if ok, _ := r.IsRevoked("jti-1"); !ok {
		t.Fatalf("expected jti-1 revoked")
	}
	if ok, _ := r.IsRevoked("jti-2"); ok {
		t.Fatalf("zero ttl should not record a revocation")
	}
}

func TestRedisTokenRevoker(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedisTokenRevoker(mr.Addr(), "", time.Hour)
	t.Cleanup(func() { _ = r.Close() })

	if err := r.Revoke("jti-redis", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	ok, err := r.IsRevoked("jti-redis")
	if err != nil || !ok {
		t.Fatalf("expected revoked, ok=%v err=%v", ok, err)
	}
	mr.FastForward(2 * time.Minute)
	if ok, _ := r.IsRevoked("jti-redis"); ok {
		t.Fatalf("revocation should expire with the token")
	}

	cutoff := time.Now().UTC().Truncate(time.Millisecond)
	if err := r.RevokeUser("user-redis", cutoff); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if err := r.RevokeUser("user-redis", cutoff.Add(-time.Hour)); err != nil {
		t.Fatalf("revoke user older: %v", err)
	}
	got, err := r.RevokedAfter("user-redis")
	if err != nil {
		t.Fatalf("revoked after: %v", err)
	}
	if !got.Equal(cutoff) {
		t.Fatalf("expected cutoff %v, got %v", cutoff, got)
	}
	none, err := r.RevokedAfter("user-other")
	if err != nil || !none.IsZero() {
		t.Fatalf("expected zero cutoff, got %v err=%v", none, err)
	}
}

func TestRedisTokenRevokerClose(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedisTokenRevoker(mr.Addr(), "", time.Hour)
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := r.IsRevoked("jti-closed"); err == nil {
		t.Fatalf("expected lookups to fail after close")
	}
}
