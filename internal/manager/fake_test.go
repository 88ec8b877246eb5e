package manager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/supervisr/internal/env"
	"github.com/loykin/supervisr/internal/process"
	"github.com/loykin/supervisr/internal/service"
	"github.com/loykin/supervisr/internal/timer"
)

type sentSignal struct {
	pid int
	sig syscall.Signal
}

type fakeChild struct {
	h      *process.Handle
	notify func(process.Event)
}

// fakeLauncher records spawns and signals. Children only exit when the test
// says so.
type fakeLauncher struct {
	mu       sync.Mutex
	nextPID  int
	spawnErr error
	spawns   []process.Spec
	signals  []sentSignal
	live     map[int]*fakeChild
	faults   chan error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, live: make(map[int]*fakeChild), faults: make(chan error, 1)}
}

func (f *fakeLauncher) Spawn(spec process.Spec, _ process.Stdio, notify func(process.Event)) (*process.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, &process.SpawnError{Path: spec.Path, Err: f.spawnErr}
	}
	f.nextPID++
	h := &process.Handle{PID: f.nextPID, RunID: fmt.Sprintf("run-%d", f.nextPID), StartedAt: time.Now()}
	f.spawns = append(f.spawns, spec)
	f.live[h.PID] = &fakeChild{h: h, notify: notify}
	return h, nil
}

func (f *fakeLauncher) Signal(h *process.Handle, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[h.PID]; !ok {
		return process.ErrProcessDone
	}
	f.signals = append(f.signals, sentSignal{pid: h.PID, sig: sig})
	return nil
}

func (f *fakeLauncher) Faults() <-chan error { return f.faults }

func (f *fakeLauncher) notify(pid int, ev process.Event, remove bool) {
	f.mu.Lock()
	c, ok := f.live[pid]
	if ok && remove {
		delete(f.live, pid)
	}
	f.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("no live child %d", pid))
	}
	ev.Handle = c.h
	c.notify(ev)
}

func (f *fakeLauncher) exit(pid int, e process.Exit) {
	f.notify(pid, process.Event{Kind: process.Exited, Exit: e}, true)
}

func (f *fakeLauncher) suspend(pid int) {
	f.notify(pid, process.Event{Kind: process.Suspended, StopSignal: syscall.SIGSTOP}, false)
}

func (f *fakeLauncher) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

func (f *fakeLauncher) sent(pid int, sig syscall.Signal) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.signals {
		if s.pid == pid && s.sig == sig {
			return true
		}
	}
	return false
}

var epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	m     *Manager
	fl    *fakeLauncher
	clock *timer.ManualClock
}

func newHarness(t *testing.T, start time.Time, mutate func(*Options)) *harness {
	t.Helper()
	fl := newFakeLauncher()
	clock := timer.NewManualClock(start)
	opts := Options{
		Clock:           clock,
		Launcher:        fl,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Env:             env.New(),
		RestartInterval: time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &harness{t: t, m: New(opts), fl: fl, clock: clock}
}

func (h *harness) add(def service.Definition) service.ID {
	h.t.Helper()
	id, err := h.m.Add(context.Background(), def)
	if err != nil {
		h.t.Fatalf("add %s: %v", def.Name, err)
	}
	return id
}

func (h *harness) snap(ref string) service.Snapshot {
	h.t.Helper()
	s, err := h.m.reg.Lookup(ref)
	if err != nil {
		h.t.Fatalf("lookup %s: %v", ref, err)
	}
	return s
}

func (h *harness) wantState(ref string, want service.State) service.Snapshot {
	h.t.Helper()
	s := h.snap(ref)
	if s.State != want {
		h.t.Fatalf("%s: state %s, want %s", ref, s.State, want)
	}
	return s
}

// advance moves the clock and lets the engine handle what became due.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.m.step()
}

// crash makes the current child of ref exit with code 1 and handles it.
func (h *harness) crash(ref string) {
	h.t.Helper()
	s := h.wantState(ref, service.Running)
	h.fl.exit(s.PID, process.Exit{Code: 1})
	h.m.step()
}

// queue puts a command into the inbox without handling it.
func (h *harness) queue(a action, ref string) chan reply {
	cmd := &command{action: a, ref: ref, reply: make(chan reply, 1)}
	h.m.inbox <- message{cmd: cmd}
	return cmd.reply
}

// backoffDelay returns how far in the future the restart deadline of id is.
func (h *harness) backoffDelay(id service.ID) time.Duration {
	h.t.Helper()
	at, ok := h.m.timers.Get(backoffKey(id))
	if !ok {
		h.t.Fatalf("no restart deadline for %d", id)
	}
	return at - h.clock.Elapsed()
}

func svc(name string) service.Definition {
	return service.Definition{Name: name, Command: service.Command{Path: "/bin/app"}, Active: true}
}
