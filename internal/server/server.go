package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"feedpack/internal/api"
	"feedpack/internal/observability/logging"
	"feedpack/internal/observability/metrics"
)

const defaultWriteTimeout = 6 * time.Minute

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr    string
	TLS     TLSConfig
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	CORS    CORSConfig
	// Security overrides the hardening headers.
	Security SecurityConfig
	// TrustForwardedFor keys admission on the first X-Forwarded-For entry.
	TrustForwardedFor bool
	// WriteTimeout must outlast the slowest download.
	WriteTimeout time.Duration
	// RequestID generates IDs for requests that arrive without one.
	RequestID func() string
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if (strings.TrimSpace(cfg.TLS.CertFile) == "") != (strings.TrimSpace(cfg.TLS.KeyFile) == "") {
		return nil, errors.New("both TLS cert file and key file must be provided")
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	router := chi.NewRouter()
	router.Use(
		requestIDMiddleware(cfg.RequestID),
		clientKeyMiddleware(cfg.TrustForwardedFor),
		logging.RequestLogger(logging.RequestLoggerConfig{Logger: logging.WithComponent(logger, "http")}),
		metrics.HTTPMiddleware(recorder),
		securityHeadersMiddleware(cfg.Security),
		corsMiddleware(policy, logger),
		middleware.Recoverer,
	)
	router.NotFound(api.NotFound)
	router.MethodNotAllowed(api.MethodNotAllowed)
	router.Method(http.MethodGet, "/metrics", recorder.Handler())
	handler.Routes(router)

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler exposes the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}

	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}

	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ServeTLS(ln, s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
