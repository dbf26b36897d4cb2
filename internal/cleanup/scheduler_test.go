package cleanup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedpack/internal/workspace"
)

type fakeTarget struct {
	id        string
	err       error
	destroyed atomic.Int32
}

func (f *fakeTarget) ID() string   { return f.id }
func (f *fakeTarget) Root() string { return "/tmp/" + f.id }
func (f *fakeTarget) Destroy() error {
	f.destroyed.Add(1)
	return f.err
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func newManualTicker() *manualTicker {
	return &manualTicker{c: make(chan time.Time), stopped: make(chan struct{})}
}

func (m *manualTicker) C() <-chan time.Time { return m.c }
func (m *manualTicker) Stop()               { m.once.Do(func() { close(m.stopped) }) }

// Tick blocks until the worker receives the tick.
func (m *manualTicker) Tick(t *testing.T) {
	t.Helper()
	select {
	case m.c <- time.Now():
	case <-time.After(time.Second):
		t.Fatal("worker did not receive tick")
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingObserver struct {
	mu      sync.Mutex
	pending int
	results []string
}

func (o *recordingObserver) CleanupPending(n int) {
	o.mu.Lock()
	o.pending = n
	o.mu.Unlock()
}

func (o *recordingObserver) CleanupCompleted(result string) {
	o.mu.Lock()
	o.results = append(o.results, result)
	o.mu.Unlock()
}

func (o *recordingObserver) snapshot() (int, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending, append([]string(nil), o.results...)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerDeletesOnlyDueTasks(t *testing.T) {
	clk := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	ticker := newManualTicker()
	s := New(Config{
		Enabled:   true,
		Logger:    discard(),
		Now:       clk.Now,
		NewTicker: func(time.Duration) Ticker { return ticker },
	})
	stop := s.Start(context.Background())
	defer stop()

	soon := &fakeTarget{id: "soon"}
	later := &fakeTarget{id: "later"}
	s.Schedule(soon, 2*time.Second)
	s.Schedule(later, time.Minute)
	require.Equal(t, 2, s.Pending())

	clk.Advance(time.Second)
	ticker.Tick(t)
	ticker.Tick(t)
	assert.Equal(t, int32(0), soon.destroyed.Load())

	clk.Advance(2 * time.Second)
	ticker.Tick(t)
	ticker.Tick(t)
	assert.Equal(t, int32(1), soon.destroyed.Load())
	assert.Equal(t, int32(0), later.destroyed.Load())
	assert.Equal(t, 1, s.Pending())

	stop()
	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop")
	}
}

func TestScheduledWorkspaceRemovedAfterDelay(t *testing.T) {
	mgr, err := workspace.NewManager(workspace.Options{BaseDir: t.TempDir(), Logger: discard()})
	require.NoError(t, err)
	ws, err := mgr.Create("user")
	require.NoError(t, err)
	_, err = ws.AddFile("pic.jpg", []byte("jpeg"))
	require.NoError(t, err)

	s := New(Config{Enabled: true, PollInterval: 100 * time.Millisecond, Logger: discard()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := s.Start(ctx)
	defer stop()

	s.Schedule(ws, 2*time.Second)

	_, err = os.Stat(ws.Root())
	require.NoError(t, err, "workspace should exist right after scheduling")

	time.Sleep(3 * time.Second)
	_, err = os.Stat(ws.Root())
	assert.True(t, os.IsNotExist(err), "workspace should be gone after the delay")
	assert.Equal(t, 0, mgr.Active())
}

func TestRemovalLogsWorkspaceAge(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mgr, err := workspace.NewManager(workspace.Options{
		BaseDir: t.TempDir(),
		Logger:  discard(),
		Now:     func() time.Time { return created },
	})
	require.NoError(t, err)
	ws, err := mgr.Create("user")
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := New(Config{Enabled: true, Logger: logger, Now: func() time.Time { return created.Add(5 * time.Minute) }})

	s.Cancel(ws)

	assert.Contains(t, buf.String(), "workspace_id="+ws.ID())
	assert.Contains(t, buf.String(), "age=5m0s")
}

func TestScheduleIsNoOpWhenDisabled(t *testing.T) {
	s := New(Config{Enabled: false, Logger: discard()})
	target := &fakeTarget{id: "kept"}

	s.Schedule(target, 0)
	ran := s.Sweep(time.Now().Add(time.Hour))

	assert.Equal(t, 0, ran)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, int32(0), target.destroyed.Load())
}

func TestCancelDeletesImmediately(t *testing.T) {
	observer := &recordingObserver{}
	s := New(Config{Enabled: true, Logger: discard(), Observer: observer})
	target := &fakeTarget{id: "x"}

	s.Schedule(target, time.Hour)
	s.Cancel(target)

	assert.Equal(t, int32(1), target.destroyed.Load())
	assert.Equal(t, 0, s.Pending())
	_, ok := s.DueAt("x")
	assert.False(t, ok)

	pending, results := observer.snapshot()
	assert.Equal(t, 0, pending)
	assert.Equal(t, []string{"immediate"}, results)
}

func TestCancelWithoutScheduleStillDeletes(t *testing.T) {
	s := New(Config{Enabled: false, Logger: discard()})
	target := &fakeTarget{id: "failed-request"}

	s.Cancel(target)

	assert.Equal(t, int32(1), target.destroyed.Load())
}

func TestFailedDeletionDoesNotBlockOthers(t *testing.T) {
	observer := &recordingObserver{}
	now := time.Now()
	s := New(Config{Enabled: true, Logger: discard(), Observer: observer, Now: func() time.Time { return now }})

	broken := &fakeTarget{id: "broken", err: errors.New("permission denied")}
	fine := &fakeTarget{id: "fine"}
	s.Schedule(broken, 0)
	s.Schedule(fine, 0)

	ran := s.Sweep(now)

	assert.Equal(t, 2, ran)
	assert.Equal(t, int32(1), broken.destroyed.Load())
	assert.Equal(t, int32(1), fine.destroyed.Load())
	assert.Equal(t, 0, s.Pending())

	_, results := observer.snapshot()
	assert.ElementsMatch(t, []string{"error", "scheduled"}, results)

	s.Sweep(now.Add(time.Hour))
	assert.Equal(t, int32(1), broken.destroyed.Load(), "failed deletions are not retried")
}

func TestRescheduleReplacesDeadline(t *testing.T) {
	clk := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	s := New(Config{Enabled: true, Logger: discard(), Now: clk.Now})
	target := &fakeTarget{id: "x"}

	s.Schedule(target, time.Minute)
	s.Schedule(target, time.Hour)

	due, ok := s.DueAt("x")
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(time.Hour), due)
	assert.Equal(t, 1, s.Pending())
}

func TestFlushDeletesEverything(t *testing.T) {
	s := New(Config{Enabled: true, Logger: discard()})
	targets := []*fakeTarget{{id: "a"}, {id: "b"}, {id: "c"}}
	for _, target := range targets {
		s.Schedule(target, time.Hour)
	}

	assert.Equal(t, 3, s.Flush())
	for _, target := range targets {
		assert.Equal(t, int32(1), target.destroyed.Load())
	}
	assert.Equal(t, 0, s.Pending())
}

func TestConcurrentScheduleAndSweep(t *testing.T) {
	now := time.Now()
	s := New(Config{Enabled: true, Logger: discard(), Now: func() time.Time { return now }})

	const n = 200
	targets := make([]*fakeTarget, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		targets[i] = &fakeTarget{id: "target-" + strconv.Itoa(i)}
		wg.Add(1)
		go func(target *fakeTarget) {
			defer wg.Done()
			s.Schedule(target, 0)
		}(targets[i])
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			s.Sweep(now)
		}
	}()
	wg.Wait()
	<-done
	s.Sweep(now)

	for _, target := range targets {
		assert.Equal(t, int32(1), target.destroyed.Load(), target.id)
	}
	assert.Equal(t, 0, s.Pending())
}
