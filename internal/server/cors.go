package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// exposedHeaders lets browser clients read the download name and statistics.
const exposedHeaders = "Content-Disposition, Retry-After, X-Request-Id, X-Workspace-Id, " +
	"X-Download-Stats-Posts, X-Download-Stats-ProfilePic, X-Download-Stats-Files, " +
	"X-Download-Stats-Bytes, X-Download-Time-Seconds"

// CORSConfig declares the origins allowed to call the API from a browser.
// A "*" entry admits every origin without credentials. When the list is
// empty, only same-origin requests are permitted.
type CORSConfig struct {
	AllowedOrigins []string
}

type corsPolicy struct {
	allowed  map[string]struct{}
	wildcard bool
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{allowed: make(map[string]struct{})}
	for _, origin := range cfg.AllowedOrigins {
		if strings.TrimSpace(origin) == "*" {
			policy.wildcard = true
			continue
		}
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return corsPolicy{}, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized != "" {
			policy.allowed[normalized] = struct{}{}
		}
	}
	return policy, nil
}

func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host)), nil
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			switch {
			case policy.wildcard:
				header.Set("Access-Control-Allow-Origin", "*")
			case policy.allows(origin, originForRequest(r)):
				header.Set("Access-Control-Allow-Origin", origin)
				header.Set("Access-Control-Allow-Credentials", "true")
				header.Add("Vary", "Origin")
			default:
				if logger != nil {
					logger.Warn("blocked CORS origin", "origin", origin, "path", r.URL.Path)
				}
				writeMiddlewareError(w, http.StatusForbidden, "ORIGIN_NOT_ALLOWED", "origin not allowed")
				return
			}
			header.Set("Access-Control-Expose-Headers", exposedHeaders)

			if r.Method == http.MethodOptions {
				if r.Header.Get("Access-Control-Request-Method") == "" {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				header.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
				if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
					header.Set("Access-Control-Allow-Headers", requested)
				} else {
					header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
				}
				header.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (p corsPolicy) allows(origin string, requestOrigin string) bool {
	normalizedOrigin, err := normalizeOrigin(origin)
	if err != nil || normalizedOrigin == "" {
		return false
	}
	if _, ok := p.allowed[normalizedOrigin]; ok {
		return true
	}
	if requestOrigin == "" {
		return false
	}
	return normalizedOrigin == requestOrigin
}

func originForRequest(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return fmt.Sprintf("%s://%s", scheme, host)
}
