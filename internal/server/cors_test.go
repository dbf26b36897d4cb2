package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSMiddlewareAllowsConfiguredOrigins(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/download/all/someone", nil)
	req.Header.Set("Origin", "https://APP.example.com")
	req.Host = "api.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil)(next).ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected next handler to be called")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://APP.example.com" {
		t.Fatalf("unexpected allow origin header: %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("expected credentials to be allowed, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); got != exposedHeaders {
		t.Fatalf("unexpected exposed headers: %q", got)
	}
}

func TestCORSMiddlewareWildcard(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"*"}})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rec := httptest.NewRecorder()
	corsMiddleware(policy, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard allow origin, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Fatalf("wildcard must not allow credentials, got %q", got)
	}
}

func TestCORSMiddlewareAnswersPreflight(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}

	req := httptest.NewRequest(http.MethodOptions, "/download/post", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "X-Request-Id")
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil)(http.NotFoundHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, HEAD, OPTIONS" {
		t.Fatalf("unexpected allow methods: %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "X-Request-Id" {
		t.Fatalf("unexpected allow headers: %q", got)
	}
}

func TestCORSMiddlewareBlocksUnknownOrigin(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodGet, "/download/all/someone", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Host = "api.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil)(next).ServeHTTP(rec, req)

	if called {
		t.Fatal("expected request to be blocked")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCORSMiddlewareAllowsSameOrigin(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://api.example.com")
	req.Host = "api.example.com"
	rec := httptest.NewRecorder()
	corsMiddleware(policy, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected same-origin request to pass, got %d", rec.Code)
	}
}

func TestCORSMiddlewarePassesRequestsWithoutOrigin(t *testing.T) {
	policy, _ := newCORSPolicy(CORSConfig{})
	rec := httptest.NewRecorder()
	corsMiddleware(policy, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected passthrough, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("expected no CORS headers without Origin")
	}
}
