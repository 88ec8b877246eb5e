package process

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

type events chan Event

func (e events) notify(ev Event) { e <- ev }

func (e events) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-e:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process event")
		return Event{}
	}
}

// syncBuffer is closed by the launcher once the pipe is drained.
type syncBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed chan struct{}
}

func newSyncBuffer() *syncBuffer { return &syncBuffer{closed: make(chan struct{})} }

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Close() error {
	close(b.closed)
	return nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLauncher(t *testing.T) *Launcher {
	t.Helper()
	l := NewLauncher(nil)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestSpawnExitCode(t *testing.T) {
	l := newTestLauncher(t)
	ch := make(events, 4)
	h, err := l.Spawn(Spec{Name: "exit3", Path: "/bin/sh", Args: []string{"-c", "exit 3"}}, Stdio{}, ch.notify)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if h.PID <= 0 || h.RunID == "" {
		t.Fatalf("bad handle %+v", h)
	}
	ev := ch.next(t)
	if ev.Kind != Exited || ev.Handle != h || ev.Exit.Code != 3 || ev.Exit.Signaled() {
		t.Fatalf("unexpected event %+v", ev)
	}
	if err := l.Signal(h, syscall.SIGTERM); !errors.Is(err, ErrProcessDone) {
		t.Fatalf("signal after exit: %v", err)
	}
	if l.Running() != 0 {
		t.Fatalf("launcher still tracks %d children", l.Running())
	}
}

func TestSpawnCapturesOutput(t *testing.T) {
	l := newTestLauncher(t)
	ch := make(events, 4)
	out, errOut := newSyncBuffer(), newSyncBuffer()
	_, err := l.Spawn(Spec{Name: "echo", Path: "/bin/sh", Args: []string{"-c", "echo hello; echo oops >&2"}},
		Stdio{Stdout: out, Stderr: errOut}, ch.notify)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if ev := ch.next(t); !ev.Exit.Success() {
		t.Fatalf("exit: %v", ev.Exit)
	}
	for _, b := range []*syncBuffer{out, errOut} {
		select {
		case <-b.closed:
		case <-time.After(5 * time.Second):
			t.Fatal("writer was not closed after drain")
		}
	}
	if strings.TrimSpace(out.String()) != "hello" || strings.TrimSpace(errOut.String()) != "oops" {
		t.Fatalf("stdout=%q stderr=%q", out.String(), errOut.String())
	}
}

func TestSpawnEnvAndWorkDir(t *testing.T) {
	l := newTestLauncher(t)
	ch := make(events, 4)
	dir := t.TempDir()
	out := newSyncBuffer()
	_, err := l.Spawn(Spec{
		Name:    "env",
		Path:    "/bin/sh",
		Args:    []string{"-c", "echo $GREETING; pwd"},
		WorkDir: dir,
		Env:     []string{"GREETING=hi", "PATH=/usr/bin:/bin"},
	}, Stdio{Stdout: out}, ch.notify)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	ch.next(t)
	<-out.closed
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || lines[0] != "hi" {
		t.Fatalf("output %q", out.String())
	}
	want, _ := os.Stat(dir)
	got, err := os.Stat(lines[1])
	if err != nil || !os.SameFile(want, got) {
		t.Fatalf("workdir %q, want %q", lines[1], dir)
	}
}

func TestSpawnErrors(t *testing.T) {
	l := newTestLauncher(t)
	cases := []Spec{
		{Name: "missing", Path: "/nonexistent/binary"},
		{Name: "nodir", Path: "/bin/true", WorkDir: "/nonexistent/dir"},
	}
	for _, spec := range cases {
		_, err := l.Spawn(spec, Stdio{}, nil)
		var se *SpawnError
		if !errors.As(err, &se) {
			t.Fatalf("%s: expected SpawnError, got %v", spec.Name, err)
		}
		if se.Path != spec.Path {
			t.Fatalf("%s: path %q", spec.Name, se.Path)
		}
	}
}

func TestSignalTerminates(t *testing.T) {
	l := newTestLauncher(t)
	ch := make(events, 4)
	h, err := l.Spawn(Spec{Name: "sleep", Path: "/bin/sleep", Args: []string{"30"}}, Stdio{}, ch.notify)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := l.Signal(h, syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	ev := ch.next(t)
	if ev.Kind != Exited || ev.Exit.Signal != syscall.SIGTERM {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Exit.String() != "signal SIGTERM" {
		t.Fatalf("exit string %q", ev.Exit.String())
	}
}

func TestSuspendAndContinue(t *testing.T) {
	l := newTestLauncher(t)
	ch := make(events, 8)
	h, err := l.Spawn(Spec{Name: "sleep", Path: "/bin/sleep", Args: []string{"30"}}, Stdio{}, ch.notify)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	_ = l.Signal(h, syscall.SIGSTOP)
	if ev := ch.next(t); ev.Kind != Suspended || ev.StopSignal != syscall.SIGSTOP {
		t.Fatalf("expected suspended, got %+v", ev)
	}
	_ = l.Signal(h, syscall.SIGCONT)
	if ev := ch.next(t); ev.Kind != Continued {
		t.Fatalf("expected continued, got %+v", ev)
	}
	_ = l.Signal(h, syscall.SIGKILL)
	if ev := ch.next(t); ev.Kind != Exited || ev.Exit.Signal != syscall.SIGKILL {
		t.Fatalf("expected killed, got %+v", ev)
	}
}

func TestSpawnAfterClose(t *testing.T) {
	l := NewLauncher(nil)
	_ = l.Close()
	if _, err := l.Spawn(Spec{Path: "/bin/true"}, Stdio{}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
