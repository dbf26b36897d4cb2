package gatewaystub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"feedpack/internal/fetcher"
)

// Options describes how the fake gateway should behave.
type Options struct {
	// Token, when set, must be presented as a bearer token on API routes.
	Token string

	// FailFirst causes the first N API requests to return HTTP 503.
	FailFirst int

	// Latency delays every API response.
	Latency time.Duration
}

// Request is a recorded interaction.
type Request struct {
	Method    string
	Path      string
	Query     string
	Status    int
	Timestamp time.Time
}

type failure struct {
	status     int
	retryAfter string
}

type media struct {
	contentType string
	body        []byte
}

// Gateway serves the fetch gateway API and a media CDN from one
// httptest.Server.
type Gateway struct {
	server *httptest.Server
	opts   Options

	mu       sync.Mutex
	profiles map[string]fetcher.ProfileMeta
	posts    map[string][]fetcher.Post
	byCode   map[string]fetcher.Post
	media    map[string]media
	failures map[string]failure
	requests []Request
	apiCalls int
}

// Start spins up a gateway stub using the provided options.
func Start(opts Options) *Gateway {
	g := &Gateway{
		opts:     opts,
		profiles: make(map[string]fetcher.ProfileMeta),
		posts:    make(map[string][]fetcher.Post),
		byCode:   make(map[string]fetcher.Post),
		media:    make(map[string]media),
		failures: make(map[string]failure),
	}

	r := chi.NewRouter()
	r.Get("/media/{name}", g.handleMedia)
	r.Group(func(api chi.Router) {
		api.Use(g.apiGate)
		api.Get("/profiles/{username}", g.handleProfile)
		api.Get("/profiles/{username}/posts", g.handlePosts)
		api.Get("/posts/{shortcode}", g.handlePost)
	})
	g.server = httptest.NewServer(r)
	return g
}

// Close shuts down the underlying HTTP server.
func (g *Gateway) Close() {
	if g.server != nil {
		g.server.Close()
	}
}

// BaseURL returns the gateway's base URL.
func (g *Gateway) BaseURL() string {
	return g.server.URL
}

// Client returns an HTTP client wired to the stub.
func (g *Gateway) Client() *http.Client {
	return g.server.Client()
}

// MediaURL returns the URL at which AddMedia content for name is served.
func (g *Gateway) MediaURL(name string) string {
	return g.server.URL + "/media/" + name
}

// AddProfile registers a profile and its posts, newest first.
func (g *Gateway) AddProfile(meta fetcher.ProfileMeta, posts ...fetcher.Post) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profiles[strings.ToLower(meta.Username)] = meta
	g.posts[strings.ToLower(meta.Username)] = append([]fetcher.Post(nil), posts...)
	for _, p := range posts {
		g.byCode[p.Shortcode] = p
	}
}

// AddPost registers a post reachable by shortcode only.
func (g *Gateway) AddPost(post fetcher.Post) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byCode[post.Shortcode] = post
}

// AddMedia registers CDN content served under /media/{name}.
func (g *Gateway) AddMedia(name, contentType string, body []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.media[name] = media{contentType: contentType, body: append([]byte(nil), body...)}
}

// Fail makes every request for path return status. For 429 responses
// retryAfter is sent as the Retry-After header.
func (g *Gateway) Fail(path string, status int, retryAfter string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[path] = failure{status: status, retryAfter: retryAfter}
}

// Requests returns a copy of all recorded requests in arrival order.
func (g *Gateway) Requests() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, len(g.requests))
	copy(out, g.requests)
	return out
}

// Count returns how many recorded requests hit path.
func (g *Gateway) Count(path string) int {
	n := 0
	for _, req := range g.Requests() {
		if req.Path == path {
			n++
		}
	}
	return n
}

func (g *Gateway) apiGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.opts.Latency > 0 {
			select {
			case <-time.After(g.opts.Latency):
			case <-r.Context().Done():
				return
			}
		}
		if token := strings.TrimSpace(g.opts.Token); token != "" {
			if r.Header.Get("Authorization") != fmt.Sprintf("Bearer %s", token) {
				g.record(r, http.StatusUnauthorized)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		g.mu.Lock()
		g.apiCalls++
		attempt := g.apiCalls
		g.mu.Unlock()
		if attempt <= g.opts.FailFirst {
			g.record(r, http.StatusServiceUnavailable)
			http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
			return
		}
		if g.injectFailure(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) injectFailure(w http.ResponseWriter, r *http.Request) bool {
	g.mu.Lock()
	f, ok := g.failures[r.URL.Path]
	g.mu.Unlock()
	if !ok {
		return false
	}
	g.record(r, f.status)
	if f.retryAfter != "" {
		w.Header().Set("Retry-After", f.retryAfter)
	}
	http.Error(w, http.StatusText(f.status), f.status)
	return true
}

func (g *Gateway) handleProfile(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	meta, ok := g.profiles[strings.ToLower(chi.URLParam(r, "username"))]
	g.mu.Unlock()
	if !ok {
		g.record(r, http.StatusNotFound)
		http.Error(w, "no such profile", http.StatusNotFound)
		return
	}
	g.writeJSON(w, r, meta)
}

func (g *Gateway) handlePosts(w http.ResponseWriter, r *http.Request) {
	username := strings.ToLower(chi.URLParam(r, "username"))
	g.mu.Lock()
	meta, ok := g.profiles[username]
	posts := append([]fetcher.Post(nil), g.posts[username]...)
	g.mu.Unlock()
	if !ok {
		g.record(r, http.StatusNotFound)
		http.Error(w, "no such profile", http.StatusNotFound)
		return
	}
	if meta.IsPrivate {
		g.record(r, http.StatusForbidden)
		http.Error(w, "private profile", http.StatusForbidden)
		return
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(posts) {
		posts = posts[:limit]
	}
	g.writeJSON(w, r, map[string]any{"posts": posts})
}

func (g *Gateway) handlePost(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	post, ok := g.byCode[chi.URLParam(r, "shortcode")]
	g.mu.Unlock()
	if !ok {
		g.record(r, http.StatusNotFound)
		http.Error(w, "no such post", http.StatusNotFound)
		return
	}
	g.writeJSON(w, r, post)
}

func (g *Gateway) handleMedia(w http.ResponseWriter, r *http.Request) {
	if g.injectFailure(w, r) {
		return
	}
	g.mu.Lock()
	m, ok := g.media[chi.URLParam(r, "name")]
	g.mu.Unlock()
	if !ok {
		g.record(r, http.StatusNotFound)
		http.NotFound(w, r)
		return
	}
	g.record(r, http.StatusOK)
	if m.contentType != "" {
		w.Header().Set("Content-Type", m.contentType)
	}
	_, _ = w.Write(m.body)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	g.record(r, http.StatusOK)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) record(r *http.Request, status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Status:    status,
		Timestamp: time.Now(),
	})
}
