package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"feedpack/internal/observability/logging"
)

func TestResolveClientKey(t *testing.T) {
	cases := []struct {
		name    string
		remote  string
		xff     string
		trusted bool
		want    string
	}{
		{"peer host", "192.0.2.1:1234", "", true, "192.0.2.1"},
		{"first forwarded entry", "10.0.0.1:80", " 198.51.100.4 , 10.0.0.9", true, "198.51.100.4"},
		{"forwarded ignored", "10.0.0.1:80", "198.51.100.4", false, "10.0.0.1"},
		{"empty forwarded entry", "10.0.0.1:80", " ,198.51.100.4", true, "10.0.0.1"},
		{"ipv6 peer", "[2001:db8::1]:443", "", true, "2001:db8::1"},
		{"no port", "192.0.2.7", "", false, "192.0.2.7"},
		{"no peer", "", "", false, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := resolveClientKey(req, tc.trusted); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestClientKeyMiddlewareStoresKey(t *testing.T) {
	var got string
	handler := clientKeyMiddleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = logging.ClientKeyFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.50")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got != "203.0.113.50" {
		t.Fatalf("expected client key in context, got %q", got)
	}
}
