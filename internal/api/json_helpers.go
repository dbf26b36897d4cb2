package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"feedpack/internal/download"
)

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Timestamp string `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError writes the JSON error envelope shared by handlers and
// middleware.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Success:   false,
		Error:     message,
		ErrorCode: code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// statusClientClosedRequest is nginx's code for a client that hung up
// before the response was ready.
const statusClientClosedRequest = 499

var kindStatus = map[download.Kind]int{
	download.KindRateLimited:       http.StatusTooManyRequests,
	download.KindResource:          http.StatusServiceUnavailable,
	download.KindNotFound:          http.StatusNotFound,
	download.KindUnauthorized:      http.StatusForbidden,
	download.KindGone:              http.StatusGone,
	download.KindUpstreamThrottled: http.StatusTooManyRequests,
	download.KindTimeout:           http.StatusGatewayTimeout,
	download.KindCanceled:          statusClientClosedRequest,
	download.KindPackaging:         http.StatusInternalServerError,
	download.KindFetchFailed:       http.StatusBadGateway,
	download.KindInvalidRequest:    http.StatusBadRequest,
	download.KindInternal:          http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for a failure kind.
func StatusFor(kind download.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeDownloadError(w http.ResponseWriter, err error) {
	de := download.AsError(err)
	if de.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(de.RetryAfter)))
	}
	message := de.Message
	if de.Kind == download.KindInternal {
		message = "an unexpected error occurred"
	}
	WriteError(w, StatusFor(de.Kind), de.Code(), message)
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func invalidRequest(message string) *download.Error {
	return &download.Error{Kind: download.KindInvalidRequest, Message: message}
}
