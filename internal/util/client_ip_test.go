package util

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestClientIPForwardedChain(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8", " 192.168.1.10 ", ""})
	if err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}

	cases := map[string]struct {
		remote  string
		xff     string
		realIP  string
		trusted *TrustedProxies
		want    string
	}{
		"untrusted peer ignores headers": {
			remote: "198.51.100.10:1234", xff: "203.0.113.5", realIP: "203.0.113.6",
			trusted: trusted, want: "198.51.100.10",
		},
		"no trust list ignores headers": {
			remote: "10.0.0.20:1234", xff: "203.0.113.5", want: "10.0.0.20",
		},
		"rightmost untrusted hop wins": {
			remote: "10.0.0.20:1234", xff: "198.51.100.1, 203.0.113.5, 10.0.0.10",
			trusted: trusted, want: "203.0.113.5",
		},
		"single bare ip entry is trusted": {
			remote: "192.168.1.10:80", xff: "203.0.113.9",
			trusted: trusted, want: "203.0.113.9",
		},
		"real ip used when chain unparsable": {
			remote: "10.0.0.20:1234", xff: "garbage", realIP: "203.0.113.7",
			trusted: trusted, want: "203.0.113.7",
		},
		"fully trusted chain returns leftmost": {
			remote: "10.0.0.20:1234", xff: "10.0.0.5, 10.0.0.10",
			trusted: trusted, want: "10.0.0.5",
		},
		"ipv4 mapped peer is unmapped": {
			remote: "[::ffff:10.0.0.20]:1234", xff: "203.0.113.5",
			trusted: trusted, want: "203.0.113.5",
		},
		"unparsable peer returned verbatim": {
			remote: "pipe", trusted: trusted, want: "pipe",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/authenticate", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	empty, err := NewTrustedProxies([]string{" ", ""})
	if err != nil || empty != nil {
		t.Fatalf("blank entries should trust nobody, got %v, %v", empty, err)
	}
	if empty.Contains(netip.MustParseAddr("10.0.0.1")) {
		t.Fatalf("nil trust list must not contain anything")
	}
	if _, err := NewTrustedProxies([]string{"10.0.0.0/33"}); err == nil {
		t.Fatalf("expected error for invalid prefix")
	}
	if _, err := NewTrustedProxies([]string{"proxy.internal"}); err == nil {
		t.Fatalf("expected error for hostname entry")
	}
	trusted, err := NewTrustedProxies([]string{"10.1.2.3/8"})
	if err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}
	if !trusted.Contains(netip.MustParseAddr("10.200.0.1")) {
		t.Fatalf("prefix should be masked to 10.0.0.0/8")
	}
}
