package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		hops   int
		want   string
	}{
		{"no hops ignores xff", "10.0.0.1:1234", "203.0.113.5", 0, "10.0.0.1"},
		{"public peer ignores xff", "198.51.100.7:80", "203.0.113.5", 1, "198.51.100.7"},
		{"one hop takes rightmost", "10.0.0.1:1234", "203.0.113.5, 198.51.100.9", 1, "198.51.100.9"},
		{"two hops", "10.0.0.1:1234", "203.0.113.5, 198.51.100.9", 2, "203.0.113.5"},
		{"too few entries fails closed", "10.0.0.1:1234", "203.0.113.5", 3, "10.0.0.1"},
		{"garbage entry falls back", "10.0.0.1:1234", "not-an-ip", 1, "10.0.0.1"},
		{"loopback peer trusted", "127.0.0.1:9", "203.0.113.5", 1, "203.0.113.5"},
		{"no port", "192.0.2.1", "", 0, "192.0.2.1"},
		{"garbage remote", "nonsense", "", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := resolveClientIP(r, tt.hops); got != tt.want {
				t.Fatalf("resolveClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIP_StripsUntrustedHeaders(t *testing.T) {
	var xff string
	h := ClientIP(ClientIPOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		xff = r.Header.Get("X-Forwarded-For")
	}))
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.Header.Set("X-Forwarded-For", "203.0.113.5")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if xff != "" {
		t.Fatalf("X-Forwarded-For should be stripped, got %q", xff)
	}
}

func TestClientIP_StoresInContext(t *testing.T) {
	var got string
	h := ClientIP(ClientIPOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	// httptest.NewRequest uses 192.0.2.1:1234
	if got != "192.0.2.1" {
		t.Fatalf("client ip = %q, want 192.0.2.1", got)
	}
}

func TestWithClientIP_EmptyIgnored(t *testing.T) {
	ctx := WithClientIP(context.Background(), "")
	if ClientIPFromContext(ctx) != "" {
		t.Fatal("empty ip should not be stored")
	}
}
