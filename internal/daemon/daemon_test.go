package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/supervisr/internal/config"
	"github.com/loykin/supervisr/internal/history"
	"github.com/loykin/supervisr/internal/manager"
	"github.com/loykin/supervisr/internal/service"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "d.pid")
	require.NoError(t, writePidFile(pidFile, 4242))
	pid, err := ReadPidFile(pidFile)
	require.NoError(t, err)
	require.Equal(t, 4242, pid)
	require.NoError(t, removePidFile(pidFile))
	_, err = os.Stat(pidFile)
	require.True(t, os.IsNotExist(err))
	require.NoError(t, removePidFile(pidFile), "removing twice is fine")
	require.NoError(t, removePidFile(""))
}

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "d.lock")
	l, err := acquireLock(path)
	require.NoError(t, err)
	_, err = acquireLock(path)
	require.ErrorIs(t, err, ErrLockedElsewhere)
	require.NoError(t, l.Unlock())
	l2, err := acquireLock(path)
	require.NoError(t, err)
	require.NoError(t, l2.Unlock())
}

func TestHistoryEvent(t *testing.T) {
	code := 3
	now := time.Now()
	he, ok := historyEvent(manager.Event{
		Kind: manager.EventExited, Time: now, ID: 9, Name: "web", PID: 100,
		RunID: "r1", ExitCode: &code, Crashes: 2,
	})
	require.True(t, ok)
	require.Equal(t, history.EventExit, he.Type)
	require.Equal(t, now, he.OccurredAt)
	require.Equal(t, uint64(9), he.Record.ServiceID)
	require.Equal(t, 3, *he.Record.ExitCode)
	require.Equal(t, 2, he.Record.Crashes)

	_, ok = historyEvent(manager.Event{Kind: manager.EventAdded})
	require.False(t, ok)
	for kind, want := range historyTypes {
		he, ok := historyEvent(manager.Event{Kind: kind})
		require.True(t, ok)
		require.Equal(t, want, he.Type)
	}
}

type memSink struct{ got chan history.Event }

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.got <- e
	return nil
}

func TestForwardHistory(t *testing.T) {
	sink := &memSink{got: make(chan history.Event, 4)}
	d := history.NewDispatcher(discard(), 8, sink)
	events := make(chan manager.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()
	go func() { _ = forwardHistory(ctx, events, d) }()

	events <- manager.Event{Kind: manager.EventAdded, Name: "x"}
	events <- manager.Event{Kind: manager.EventStarted, Name: "x", PID: 7}
	select {
	case e := <-sink.got:
		require.Equal(t, history.EventStart, e.Type)
		require.Equal(t, 7, e.Record.PID)
	case <-time.After(5 * time.Second):
		t.Fatal("no history event delivered")
	}
}

func TestHTTPServiceStopsOnCancel(t *testing.T) {
	svc := newHTTPService("api", &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- svc.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("http service did not stop")
	}
	require.Equal(t, "api", svc.String())
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServe(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	dir := t.TempDir()
	data := `
[engine]
restart_interval = "100ms"
kill_timeout = "2s"
subreaper = false

[log]
dir = "` + filepath.Join(dir, "logs") + `"

[server]
listen = "` + freeAddr(t) + `"
pidfile = "` + filepath.Join(dir, "d.pid") + `"
lockfile = "` + filepath.Join(dir, "d.lock") + `"

[history]
dsn = ["sqlite://` + filepath.Join(dir, "history.db") + `"]

[[services]]
id = 3
name = "sleeper"
command = "sleep 30"

[[services]]
name = "greeter"
command = "sh -c 'echo hello'"
`
	cfg, err := config.Parse([]byte(data), "toml")
	require.NoError(t, err)
	d, err := New(cfg, discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Serve(ctx) }()

	bg := context.Background()
	var pid int
	require.Eventually(t, func() bool {
		st, err := d.Manager().Get(bg, "3")
		if err != nil || st.State != service.Running {
			return false
		}
		pid = st.PID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		st, err := d.Manager().Get(bg, "greeter")
		return err == nil && st.State == service.Finished
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		out, _ := os.ReadFile(filepath.Join(dir, "logs", "greeter.stdout.log"))
		return string(out) == "hello\n"
	}, 5*time.Second, 10*time.Millisecond)

	b, err := os.ReadFile(filepath.Join(dir, "d.pid"))
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(b))
	_, err = acquireLock(filepath.Join(dir, "d.lock"))
	require.ErrorIs(t, err, ErrLockedElsewhere)

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/services/sleeper", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/services/greeter/logs?tail=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello\n", rec.Body.String())

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/services/greeter/history", nil))
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), `"type":"exit"`)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	require.True(t, errors.Is(syscall.Kill(pid, 0), syscall.ESRCH), "child still alive")
	_, err = os.Stat(filepath.Join(dir, "d.pid"))
	require.True(t, os.IsNotExist(err))
}
