package process

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Stdio carries the destinations for a child's output. Nil discards. A
// writer that is not an *os.File is fed through a pipe and, if it is an
// io.Closer, closed once the child's output is drained.
type Stdio struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Handle identifies one run of a child. A new Handle is returned by every
// successful Spawn.
type Handle struct {
	PID       int
	RunID     string
	StartedAt time.Time

	proc   *os.Process
	exited bool
}

type child struct {
	h      *Handle
	notify func(Event)
	drain  sync.WaitGroup
}

// Launcher starts children and reaps them. It collects exit statuses with
// wait4(-1) on every SIGCHLD, so it must be the only thing in the process
// that waits on children.
type Launcher struct {
	logger *slog.Logger

	mu       sync.Mutex
	children map[int]*child
	closed   bool

	sigCh  chan os.Signal
	faults chan error
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewLauncher installs the SIGCHLD handler and starts the reaper.
func NewLauncher(logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Launcher{
		logger:   logger.With("component", "launcher"),
		children: make(map[int]*child),
		sigCh:    make(chan os.Signal, 1),
		faults:   make(chan error, 4),
		done:     make(chan struct{}),
	}
	signal.Notify(l.sigCh, syscall.SIGCHLD)
	l.wg.Add(1)
	go l.reapLoop()
	return l
}

// Faults reports unrecoverable errors from the reaper.
func (l *Launcher) Faults() <-chan error { return l.faults }

// Spawn starts a child. notify is called from the reaper goroutine for
// every status change of the child, ending with exactly one Exited event.
func (l *Launcher) Spawn(spec Spec, stdio Stdio, notify func(Event)) (*Handle, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	c := &child{notify: notify}
	var parentEnds, childEnds []*os.File
	closeAll := func(fs []*os.File) {
		for _, f := range fs {
			_ = f.Close()
		}
	}
	attach := func(w io.Writer) (*os.File, error) {
		if w == nil {
			f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
			if err == nil {
				childEnds = append(childEnds, f)
			}
			return f, err
		}
		if f, ok := w.(*os.File); ok {
			return f, nil
		}
		r, pw, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		parentEnds = append(parentEnds, r)
		childEnds = append(childEnds, pw)
		c.drain.Add(1)
		go func() {
			defer c.drain.Done()
			_, _ = io.Copy(w, r)
			_ = r.Close()
		}()
		return pw, nil
	}
	var err error
	if cmd.Stdout, err = attach(stdio.Stdout); err == nil {
		cmd.Stderr, err = attach(stdio.Stderr)
	}
	if err != nil {
		closeAll(childEnds)
		closeAll(parentEnds)
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		closeAll(childEnds)
		closeAll(parentEnds)
		return nil, ErrClosed
	}
	err = cmd.Start()
	closeAll(childEnds)
	if err != nil {
		l.mu.Unlock()
		closeAll(parentEnds)
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	h := &Handle{
		PID:       cmd.Process.Pid,
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		proc:      cmd.Process,
	}
	c.h = h
	l.children[h.PID] = c
	l.mu.Unlock()

	go func() {
		c.drain.Wait()
		closeWriter(stdio.Stdout)
		if stdio.Stderr != stdio.Stdout {
			closeWriter(stdio.Stderr)
		}
	}()
	l.logger.Debug("spawned", "name", spec.Name, "pid", h.PID, "path", spec.Path)
	return h, nil
}

func closeWriter(w io.Writer) {
	if w == nil {
		return
	}
	if _, ok := w.(*os.File); ok {
		return
	}
	if c, ok := w.(io.Closer); ok {
		_ = c.Close()
	}
}

// Signal delivers sig to the child's process group, or to the child alone
// if the group is gone. It returns ErrProcessDone once the child was reaped.
func (l *Launcher) Signal(h *Handle, sig syscall.Signal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h == nil || h.exited {
		return ErrProcessDone
	}
	err := unix.Kill(-h.PID, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(h.PID, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return ErrProcessDone
	}
	return err
}

// Running returns the number of children not yet reaped.
func (l *Launcher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.children)
}

// Close stops the reaper. Children still running are left alone.
func (l *Launcher) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	signal.Stop(l.sigCh)
	close(l.done)
	l.wg.Wait()
	return nil
}

func (l *Launcher) reapLoop() {
	defer l.wg.Done()
	// a child may have exited before the handler was installed
	l.reap()
	for {
		select {
		case <-l.done:
			return
		case <-l.sigCh:
			l.reap()
		}
	}
}

func (l *Launcher) reap() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return
		case err != nil:
			select {
			case l.faults <- err:
			default:
			}
			l.logger.Error("wait4 failed", "error", err)
			return
		case pid <= 0:
			return
		}
		l.dispatch(pid, ws)
	}
}

func (l *Launcher) dispatch(pid int, ws unix.WaitStatus) {
	l.mu.Lock()
	c, ok := l.children[pid]
	if !ok {
		l.mu.Unlock()
		if ws.Exited() || ws.Signaled() {
			l.logger.Debug("reaped orphan", "pid", pid, "status", exitFromStatus(ws).String())
		}
		return
	}
	var ev Event
	switch {
	case ws.Stopped():
		ev = Event{Handle: c.h, Kind: Suspended, StopSignal: ws.StopSignal()}
	case ws.Continued():
		ev = Event{Handle: c.h, Kind: Continued}
	default:
		delete(l.children, pid)
		c.h.exited = true
		_ = c.h.proc.Release()
		ev = Event{Handle: c.h, Kind: Exited, Exit: exitFromStatus(ws)}
	}
	l.mu.Unlock()
	if c.notify != nil {
		c.notify(ev)
	}
}
