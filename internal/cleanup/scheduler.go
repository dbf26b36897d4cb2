// Package cleanup deletes finished workspaces after a grace period.
//
// A single polling worker wakes on a fixed interval and removes every task
// whose deadline has passed. Request handlers add tasks concurrently with
// the worker's sweep.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultPollInterval = 5 * time.Second

// Target is anything the scheduler can delete.
type Target interface {
	ID() string
	Root() string
	Destroy() error
}

// aged is implemented by targets that know when they were created.
type aged interface {
	CreatedAt() time.Time
}

// Observer receives deletion outcomes.
type Observer interface {
	CleanupPending(n int)
	CleanupCompleted(result string)
}

// Ticker abstracts time.Ticker for tests.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }
func (t timeTicker) Stop()               { t.ticker.Stop() }

// TickerFactory builds the worker's ticker.
type TickerFactory func(time.Duration) Ticker

// Config configures a Scheduler.
type Config struct {
	Enabled      bool
	PollInterval time.Duration
	Logger       *slog.Logger
	Observer     Observer
	Now          func() time.Time
	NewTicker    TickerFactory
}

// Task is a pending deletion.
type Task struct {
	Target Target
	DueAt  time.Time
}

// Scheduler holds pending deletions keyed by workspace ID.
type Scheduler struct {
	enabled   bool
	interval  time.Duration
	logger    *slog.Logger
	observer  Observer
	now       func() time.Time
	newTicker TickerFactory

	tasks   sync.Map
	pending atomic.Int64
}

// New constructs a Scheduler. It does nothing until Run or Start is called.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		enabled:   cfg.Enabled,
		interval:  cfg.PollInterval,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		now:       cfg.Now,
		newTicker: cfg.NewTicker,
	}
	if s.interval <= 0 {
		s.interval = defaultPollInterval
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newTicker == nil {
		s.newTicker = func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		}
	}
	return s
}

// Enabled reports whether Schedule records tasks.
func (s *Scheduler) Enabled() bool {
	return s.enabled
}

// Schedule arranges for target to be deleted no earlier than delay from
// now. Scheduling the same target again replaces the earlier task. When
// cleanup is disabled nothing is recorded and the target stays on disk.
func (s *Scheduler) Schedule(target Target, delay time.Duration) {
	if target == nil {
		return
	}
	if !s.enabled {
		s.logger.Debug("cleanup disabled, workspace retained", "workspace_id", target.ID(), "root", target.Root())
		return
	}
	if delay < 0 {
		delay = 0
	}
	task := &Task{Target: target, DueAt: s.now().Add(delay)}
	if _, loaded := s.tasks.Swap(target.ID(), task); !loaded {
		s.notePending(1)
	}
	s.logger.Debug("cleanup scheduled", "workspace_id", target.ID(), "due_at", task.DueAt)
}

// Cancel drops any pending task for target and deletes it immediately.
func (s *Scheduler) Cancel(target Target) {
	if target == nil {
		return
	}
	if _, loaded := s.tasks.LoadAndDelete(target.ID()); loaded {
		s.notePending(-1)
	}
	s.destroy(target, "immediate")
}

// Pending reports the number of scheduled tasks.
func (s *Scheduler) Pending() int {
	return int(s.pending.Load())
}

// DueAt returns the deadline recorded for a workspace ID.
func (s *Scheduler) DueAt(id string) (time.Time, bool) {
	value, ok := s.tasks.Load(id)
	if !ok {
		return time.Time{}, false
	}
	return value.(*Task).DueAt, true
}

// Sweep deletes every task due at or before now and returns how many ran.
func (s *Scheduler) Sweep(now time.Time) int {
	ran := 0
	s.tasks.Range(func(key, value any) bool {
		task := value.(*Task)
		if task.DueAt.After(now) {
			return true
		}
		if !s.tasks.CompareAndDelete(key, value) {
			return true
		}
		s.notePending(-1)
		s.destroy(task.Target, "scheduled")
		ran++
		return true
	})
	return ran
}

// Flush deletes every pending task regardless of deadline.
func (s *Scheduler) Flush() int {
	ran := 0
	s.tasks.Range(func(key, value any) bool {
		if s.tasks.CompareAndDelete(key, value) {
			s.notePending(-1)
			s.destroy(value.(*Task).Target, "flush")
			ran++
		}
		return true
	})
	return ran
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.newTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if ran := s.Sweep(s.now()); ran > 0 {
				s.logger.Debug("cleanup sweep finished", "deleted", ran, "pending", s.Pending())
			}
		}
	}
}

// Start runs the worker in the background. The returned stop function is
// safe to call more than once and waits for the worker to exit.
func (s *Scheduler) Start(ctx context.Context) func() {
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(workerCtx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (s *Scheduler) destroy(target Target, reason string) {
	if err := target.Destroy(); err != nil {
		s.logger.Warn("workspace cleanup failed", "workspace_id", target.ID(), "reason", reason, "error", err)
		s.observe("error")
		return
	}
	attrs := []any{"workspace_id", target.ID(), "reason", reason}
	if a, ok := target.(aged); ok {
		attrs = append(attrs, "age", s.now().Sub(a.CreatedAt()))
	}
	s.logger.Debug("workspace removed", attrs...)
	s.observe(reason)
}

func (s *Scheduler) notePending(delta int64) {
	n := s.pending.Add(delta)
	if s.observer != nil {
		s.observer.CleanupPending(int(n))
	}
}

func (s *Scheduler) observe(result string) {
	if s.observer != nil {
		s.observer.CleanupCompleted(result)
	}
}
