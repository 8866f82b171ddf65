package secplane

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPDirectConnection(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.10:54321"

	if ip := ClientIP(r, false, 0); ip != "203.0.113.10" {
		t.Errorf("Expected 203.0.113.10, got %s", ip)
	}
}

func TestClientIPIgnoresHeadersWithoutTrust(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:443"
	r.Header.Set("X-Forwarded-For", "198.51.100.7")
	r.Header.Set("X-Real-IP", "198.51.100.8")

	// Without trustProxy the headers are attacker-controlled and must be
	// ignored.
	if ip := ClientIP(r, false, 0); ip != "10.0.0.1" {
		t.Errorf("Expected 10.0.0.1, got %s", ip)
	}
}

func TestClientIPForwardedFor(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		proxyCount int
		want       string
	}{
		{
			name:       "single proxy",
			xff:        "198.51.100.7",
			proxyCount: 1,
			want:       "198.51.100.7",
		},
		{
			name:       "two proxies",
			xff:        "198.51.100.7, 10.0.0.2",
			proxyCount: 1,
			want:       "198.51.100.7",
		},
		{
			name:       "spoofed prefix with two trusted proxies",
			xff:        "6.6.6.6, 198.51.100.7, 10.0.0.2, 10.0.0.3",
			proxyCount: 2,
			want:       "198.51.100.7",
		},
		{
			name:       "invalid entry falls back to remote addr",
			xff:        "not-an-ip",
			proxyCount: 1,
			want:       "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = "10.0.0.1:443"
			r.Header.Set("X-Forwarded-For", tt.xff)

			if ip := ClientIP(r, true, tt.proxyCount); ip != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, ip)
			}
		})
	}
}

func TestClientIPRealIPFallback(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:443"
	r.Header.Set("X-Real-IP", "198.51.100.9")

	if ip := ClientIP(r, true, 1); ip != "198.51.100.9" {
		t.Errorf("Expected 198.51.100.9, got %s", ip)
	}
}
