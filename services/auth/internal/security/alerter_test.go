package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newAlerter(t *testing.T) *AuditAlerter {
	t.Helper()
	mr := miniredis.RunT(t)
	alerter := NewAuditAlerter(mr.Addr(), "", "test:alerts")
	if alerter == nil {
		t.Fatalf("expected alerter")
	}
	t.Cleanup(func() { _ = alerter.Close() })
	return alerter
}

func TestObserveTriggersOncePerBurst(t *testing.T) {
	alerter := newAlerter(t)
	ctx := context.Background()
	triggered := 0
	for i := 0; i < 12; i++ {
		result, err := alerter.Observe(ctx, "auth.authenticate", "fail", "127.0.0.1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if result.Triggered {
			triggered++
			if result.Count != 10 || result.Threshold != 10 {
				t.Fatalf("triggered at %+v", result)
			}
		}
	}
	if triggered != 1 {
		t.Fatalf("expected one alert for the burst, got %d", triggered)
	}
}

func TestObserveRateLimitedMatchesAnyEvent(t *testing.T) {
	alerter := newAlerter(t)
	result, err := alerter.Observe(context.Background(), "auth.register", "rate_limited", "10.0.0.1")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Count != 1 || result.Threshold != 20 || result.Window != time.Minute {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestObserveIgnoresUnknownRule(t *testing.T) {
	alerter := newAlerter(t)
	result, err := alerter.Observe(context.Background(), "auth.authenticate", "success", "127.0.0.1")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Triggered || result.Count != 0 {
		t.Fatalf("success events must not be counted, got %+v", result)
	}
}

func TestObserveCountsPerIPAndWindow(t *testing.T) {
	alerter := newAlerter(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	alerter.now = func() time.Time { return base }
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := alerter.Observe(ctx, "auth.activate", "fail", "10.0.0.1"); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	other, err := alerter.Observe(ctx, "auth.activate", "fail", "10.0.0.2")
	if err != nil || other.Count != 1 {
		t.Fatalf("expected separate counter per ip, got %+v, %v", other, err)
	}
	alerter.now = func() time.Time { return base.Add(5 * time.Minute) }
	next, err := alerter.Observe(ctx, "auth.activate", "fail", "10.0.0.1")
	if err != nil || next.Count != 1 {
		t.Fatalf("expected a fresh window, got %+v, %v", next, err)
	}
}

func TestNilAuditAlerterIsNoop(t *testing.T) {
	alerter := NewAuditAlerter(" ", "", "")
	if alerter != nil {
		t.Fatalf("expected nil alerter without redis addr")
	}
	if _, err := alerter.Observe(context.Background(), "auth.authenticate", "fail", "127.0.0.1"); err != nil {
		t.Fatalf("nil observe: %v", err)
	}
	if err := alerter.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
