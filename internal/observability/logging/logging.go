// Package logging builds the service's log/slog loggers and carries
// request-scoped attributes (request ID, client key) through contexts.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"feedpack/internal/observability/metrics"
)

type Config struct {
	Level  string
	Writer io.Writer
	Format string
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init creates a slog.Logger using the provided configuration and installs it
// as the process-wide default logger.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New creates a structured slog.Logger using the provided configuration.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	return slog.New(newHandler(cfg, writer))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandler(cfg Config, writer io.Writer) slog.Handler {
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	switch LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) {
	case FormatText:
		return slog.NewTextHandler(writer, options)
	default:
		return slog.NewJSONHandler(writer, options)
	}
}

func parseLevel(level string) slog.Leveler {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return l
}

// ValidLevel reports whether level is one parseLevel understands.
func ValidLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// WithComponent returns a logger annotated with the provided component field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	clientKeyKey contextKey = "client_key"
)

// ContextWithRequestID adds the provided request ID to the context when it is non-empty.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request ID previously stored on the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return value(ctx, requestIDKey)
}

// ContextWithClientKey records the admission key the request is billed to.
func ContextWithClientKey(ctx context.Context, key string) context.Context {
	return withValue(ctx, clientKeyKey, key)
}

// ClientKeyFromContext extracts the client key previously stored on the context.
func ClientKeyFromContext(ctx context.Context) (string, bool) {
	return value(ctx, clientKeyKey)
}

func withValue(ctx context.Context, key contextKey, v string) context.Context {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, key, trimmed)
}

func value(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(key).(string)
	return v, ok && v != ""
}

// WithContext returns a logger annotated with the request ID and client key
// held in the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	if requestID, ok := RequestIDFromContext(ctx); ok {
		logger = logger.With("request_id", requestID)
	}
	if clientKey, ok := ClientKeyFromContext(ctx); ok {
		logger = logger.With("client_key", clientKey)
	}
	return logger
}

// RequestLoggerConfig configures the HTTP request logging middleware.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	AdditionalFields  func(*http.Request, int, time.Duration) []any
}

// RequestLogger returns middleware that logs one line per completed request
// with method, route, path, status and duration.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	baseLogger := cfg.Logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)
			duration := time.Since(start)

			attrs := []any{
				"method", r.Method,
				"route", metrics.RoutePattern(r),
				"path", r.URL.Path,
				"status", recorder.Status(),
				"duration_ms", duration.Milliseconds(),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, recorder.Status(), duration)...)
			}

			level := slog.LevelInfo
			if recorder.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			WithContext(r.Context(), baseLogger).Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
