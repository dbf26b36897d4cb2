package server

import (
	"net"
	"net/http"
	"strings"

	"feedpack/internal/observability/logging"
)

// clientKeyMiddleware stores the admission key for the request in its
// context.
func clientKeyMiddleware(trustForwarded bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := logging.ContextWithClientKey(r.Context(), resolveClientKey(r, trustForwarded))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolveClientKey returns the first X-Forwarded-For entry when forwarded
// headers are trusted, else the peer host.
func resolveClientKey(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	return peerHost(r.RemoteAddr)
}

func peerHost(remoteAddr string) string {
	if remoteAddr == "" {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
