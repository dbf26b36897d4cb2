// Package admission decides whether a client may start another download.
//
// Each client key owns a sliding-window log of admission timestamps. A check
// purges timestamps older than the window, then either appends the current
// time (allowed) or reports how long until the oldest entry leaves the
// window (denied). Check-and-append is atomic per key.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds for headers.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed || d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// Store records admissions for a key and reports the resulting decision.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
	Ping(ctx context.Context) error
}

type sweeper interface {
	Sweep(now time.Time) int
}

type closer interface {
	Close() error
}

// Config controls the admission policy.
type Config struct {
	MaxRequests int
	Period      time.Duration
	Store       Store
	Logger      *slog.Logger
}

// Controller applies the admission policy for every client key.
type Controller struct {
	limit  int
	period time.Duration
	store  Store
	logger *slog.Logger
}

// NewController builds a controller. A nil store selects the in-memory
// sharded store.
func NewController(cfg Config) *Controller {
	period := cfg.Period
	if period <= 0 {
		period = time.Minute
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore(MemoryOptions{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		limit:  cfg.MaxRequests,
		period: period,
		store:  store,
		logger: logger,
	}
}

// Enabled reports whether checks can ever be denied.
func (c *Controller) Enabled() bool {
	return c != nil && c.limit > 0
}

// Check admits or denies one request for clientKey.
func (c *Controller) Check(ctx context.Context, clientKey string) (Decision, error) {
	if !c.Enabled() {
		return Decision{Allowed: true}, nil
	}
	key := strings.TrimSpace(clientKey)
	if key == "" {
		key = "unknown"
	}
	decision, err := c.store.Allow(ctx, key, c.limit, c.period)
	if err != nil {
		return Decision{}, fmt.Errorf("admission check: %w", err)
	}
	if !decision.Allowed {
		decision.RetryAfter = clampRetry(decision.RetryAfter, c.period)
		c.logger.Debug("admission denied", "client_key", key, "retry_after", decision.RetryAfter)
	}
	return decision, nil
}

// Sweep drops keys whose windows are empty. Stores that expire keys on their
// own report zero.
func (c *Controller) Sweep(now time.Time) int {
	if c == nil {
		return 0
	}
	if s, ok := c.store.(sweeper); ok {
		return s.Sweep(now)
	}
	return 0
}

// Ping checks the backing store.
func (c *Controller) Ping(ctx context.Context) error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.Ping(ctx)
}

// Close releases the backing store when it holds connections.
func (c *Controller) Close() error {
	if c == nil {
		return nil
	}
	if cl, ok := c.store.(closer); ok {
		return cl.Close()
	}
	return nil
}

// clampRetry keeps retry hints within (0, period] and on whole seconds.
func clampRetry(retry, period time.Duration) time.Duration {
	if retry <= 0 {
		retry = time.Second
	}
	if retry > period {
		retry = period
	}
	rounded := time.Duration(math.Ceil(retry.Seconds())) * time.Second
	if rounded > period {
		return period
	}
	return rounded
}
