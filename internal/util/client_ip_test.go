package util

import (
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestClientIP(t *testing.T) {
	proxies, err := NewTrustedProxies([]string{"10.0.0.0/8", "192.168.1.10"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}

	cases := []struct {
		name    string
		remote  string
		xff     string
		realIP  string
		proxies *TrustedProxies
		want    string
	}{
		{"untrusted peer ignores headers", "198.51.100.10:1234", "203.0.113.5", "203.0.113.6", nil, "198.51.100.10"},
		{"trusted peer reads forwarded for", "10.0.0.20:1234", "203.0.113.5", "", proxies, "203.0.113.5"},
		{"skips trusted hops from the right", "10.0.0.20:1234", "203.0.113.5, 10.0.0.10", "", proxies, "203.0.113.5"},
		{"spoofed left hop is not chosen", "10.0.0.20:1234", "1.2.3.4, 203.0.113.5", "", proxies, "203.0.113.5"},
		{"falls back to x-real-ip", "10.0.0.20:1234", "garbage", "203.0.113.7", proxies, "203.0.113.7"},
		{"all hops trusted returns leftmost", "10.0.0.20:1234", "10.0.0.5, 10.0.0.10", "", proxies, "10.0.0.5"},
		{"single trusted address", "192.168.1.10:80", "203.0.113.9", "", proxies, "203.0.113.9"},
		{"unparseable remote is returned as is", "pipe", "", "", proxies, "pipe"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "http://loans.local/loans", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(req, tc.proxies); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	proxies, err := NewTrustedProxies([]string{" 10.1.2.3/8 ", "::1"})
	if err != nil {
		t.Fatalf("valid entries: %v", err)
	}
	if !proxies.Contains(netip.MustParseAddr("10.200.0.1")) {
		t.Fatalf("prefix should be masked to 10.0.0.0/8")
	}
	if !proxies.Contains(netip.MustParseAddr("::1")) {
		t.Fatalf("bare ipv6 address should be trusted")
	}
	if empty, err := NewTrustedProxies([]string{"", "  "}); err != nil || empty != nil {
		t.Fatalf("blank entries should trust nothing, got %v %v", empty, err)
	}
	if _, err := NewTrustedProxies([]string{"bad-cidr"}); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := NewTrustedProxies([]string{"10.0.0.0/40"}); err == nil {
		t.Fatalf("expected prefix error")
	}
}
