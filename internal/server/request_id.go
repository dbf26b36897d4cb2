package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"feedpack/internal/observability/logging"
)

const maxRequestIDLength = 128

type idGenerator func() string

func requestIDMiddleware(generator idGenerator) func(http.Handler) http.Handler {
	if generator == nil {
		generator = uuid.NewString
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if requestID == "" || len(requestID) > maxRequestIDLength {
				requestID = generator()
			}
			w.Header().Set("X-Request-Id", requestID)
			ctx := logging.ContextWithRequestID(r.Context(), requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
