// Package serverutil runs an HTTP server until its context ends, then shuts
// it down and releases the resources registered as shutdown hooks.
package serverutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server is the part of *server.Server that Run drives.
type Server interface {
	Serve(ln net.Listener) error
	Shutdown(ctx context.Context) error
}

// Hook releases a resource after the HTTP server has stopped.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Config controls the server lifecycle.
type Config struct {
	Server          Server
	Addr            string
	ShutdownTimeout time.Duration
	// Ready receives the bound address once the listener is open.
	Ready chan<- net.Addr
	// Hooks run in order after the server stops, sharing the shutdown
	// deadline.
	Hooks  []Hook
	Logger *slog.Logger
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run listens on Addr and serves until ctx is cancelled or serving fails.
// Either way the server is shut down gracefully and every hook runs; their
// errors are joined into the result.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	logger.Info("listening", "addr", ln.Addr().String())
	if cfg.Ready != nil {
		cfg.Ready <- ln.Addr()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	var errs []error
	stopped := false
	select {
	case err := <-serveErr:
		stopped = true
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("serve: %w", err))
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if !stopped {
		if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown: %w", err))
		}
		select {
		case err := <-serveErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs = append(errs, fmt.Errorf("serve: %w", err))
			}
		case <-shutdownCtx.Done():
			errs = append(errs, fmt.Errorf("shutdown: %w", shutdownCtx.Err()))
		}
	}

	for _, hook := range cfg.Hooks {
		if hook.Fn == nil {
			continue
		}
		if err := hook.Fn(shutdownCtx); err != nil {
			logger.Warn("shutdown hook failed", "hook", hook.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
		}
	}

	return errors.Join(errs...)
}
