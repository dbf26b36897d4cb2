package serverutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRun(t *testing.T, cfg Config) (context.CancelFunc, net.Addr, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan net.Addr, 1)
	cfg.Ready = ready
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg)
	}()

	select {
	case addr := <-ready:
		return cancel, addr, done
	case err := <-done:
		t.Fatalf("run returned before ready: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	return nil, nil, nil
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
		return nil
	}
}

func TestRunServesAndShutsDownGracefully(t *testing.T) {
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})}
	var order []string
	cancel, addr, done := startRun(t, Config{
		Server:          server,
		ShutdownTimeout: time.Second,
		Hooks: []Hook{
			{Name: "first", Fn: func(context.Context) error { order = append(order, "first"); return nil }},
			{Name: "second", Fn: func(context.Context) error { order = append(order, "second"); return nil }},
		},
	})

	resp, err := http.Get(fmt.Sprintf("http://%s/", addr))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRunJoinsHookErrors(t *testing.T) {
	boom := errors.New("flush failed")
	ran := false
	cancel, _, done := startRun(t, Config{
		Server: &http.Server{Handler: http.NotFoundHandler()},
		Hooks: []Hook{
			{Name: "cleanup", Fn: func(context.Context) error { return boom }},
			{Name: "admission", Fn: func(context.Context) error { ran = true; return nil }},
		},
	})

	cancel()
	err := waitDone(t, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "cleanup")
	assert.True(t, ran, "later hooks still run")
}

type failingServer struct {
	shutdowns int
}

func (f *failingServer) Serve(ln net.Listener) error {
	ln.Close()
	return errors.New("accept failed")
}

func (f *failingServer) Shutdown(context.Context) error {
	f.shutdowns++
	return nil
}

func TestRunReportsServeFailureAndStillRunsHooks(t *testing.T) {
	srv := &failingServer{}
	hookRan := false
	err := Run(context.Background(), Config{
		Server: srv,
		Addr:   "127.0.0.1:0",
		Hooks:  []Hook{{Name: "close", Fn: func(context.Context) error { hookRan = true; return nil }}},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "accept failed")
	assert.True(t, hookRan)
	assert.Zero(t, srv.shutdowns)
}

func TestRunRejectsMissingServerAndBadAddr(t *testing.T) {
	assert.Error(t, Run(context.Background(), Config{}))
	assert.Error(t, Run(context.Background(), Config{Server: &failingServer{}, Addr: "256.0.0.1:-1"}))
}
