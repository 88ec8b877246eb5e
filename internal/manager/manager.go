// Package manager is the supervision engine. One control loop owns the
// service registry and handles, one at a time, commands from callers,
// notifications from the process launcher and expired deadlines from the
// timer queue.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/supervisr/internal/cron"
	"github.com/loykin/supervisr/internal/env"
	"github.com/loykin/supervisr/internal/process"
	"github.com/loykin/supervisr/internal/service"
	"github.com/loykin/supervisr/internal/timer"
)

const (
	phaseIdle = iota
	phaseLooping
	phaseClosed
)

// clockCheckID is the timer id of the wall clock check. Service ids start
// at 1.
const clockCheckID = 0

type message struct {
	cmd *command
	ev  *process.Event
}

// run is the live child of a service.
type run struct {
	h              *process.Handle
	stdio          process.Stdio
	startedElapsed time.Duration
	terminating    bool
	restartAfter   bool
	removals       []chan reply
}

type Manager struct {
	opts     Options
	clock    timer.Clock
	launcher Launcher
	logger   *slog.Logger
	env      *env.Env

	reg       *service.Registry
	timers    *timer.Queue
	runs      map[service.ID]*run
	handles   map[*process.Handle]service.ID
	schedules map[service.ID]*cron.Schedule
	idle      []chan struct{}

	inbox chan message
	done  chan struct{}
	bus   *bus

	mu    sync.Mutex
	phase int

	lastWall    time.Time
	lastElapsed time.Duration
	fatal       error
}

func New(opts Options) *Manager {
	opts.setDefaults()
	m := &Manager{
		opts:      opts,
		clock:     opts.Clock,
		launcher:  opts.Launcher,
		logger:    opts.Logger.With("component", "engine"),
		env:       opts.Env,
		reg:       service.NewRegistry(),
		timers:    timer.NewQueue(),
		runs:      make(map[service.ID]*run),
		handles:   make(map[*process.Handle]service.ID),
		schedules: make(map[service.ID]*cron.Schedule),
		inbox:     make(chan message, opts.InboxSize),
		done:      make(chan struct{}),
		bus:       newBus(),
	}
	m.lastWall = m.clock.Now()
	m.lastElapsed = m.clock.Elapsed()
	m.timers.Schedule(timer.Key{Kind: timer.KindClockCheck, ID: clockCheckID}, m.lastElapsed+opts.ClockCheckInterval)
	return m
}

// Subscribe returns a channel of engine events and a func that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.bus.subscribe(buffer)
}

// DroppedEvents counts events lost to full subscriber buffers.
func (m *Manager) DroppedEvents() uint64 { return m.bus.droppedCount() }

// Done is closed once Run has returned.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Run is the control loop. Commands issued before Run are handled
// synchronously by the caller. Run returns nil when ctx is cancelled and an
// error wrapping ErrFatal when a facility of the engine fails. Children are
// never killed on return.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	switch m.phase {
	case phaseLooping:
		m.mu.Unlock()
		return ErrAlreadyRunning
	case phaseClosed:
		m.mu.Unlock()
		return ErrClosed
	}
	m.phase = phaseLooping
	m.mu.Unlock()
	defer m.shutdown()

	m.logger.Info("supervision engine started", "services", m.reg.Len())
	wake := time.NewTimer(time.Hour)
	defer wake.Stop()
	faults := m.launcher.Faults()
	for {
		m.step()
		if m.fatal != nil {
			m.logger.Error("supervision engine stopping", "error", m.fatal)
			return m.fatal
		}
		wake.Reset(m.untilNext())
		select {
		case <-ctx.Done():
			m.logger.Info("supervision engine stopped", "running", len(m.runs))
			return nil
		case msg := <-m.inbox:
			m.handle(msg)
		case <-wake.C:
		case err, ok := <-faults:
			if !ok {
				faults = nil
				continue
			}
			m.logger.Error("launcher fault", "error", err)
			return fmt.Errorf("%w: launcher: %w", ErrFatal, err)
		}
	}
}

// step drains everything already queued and then fires due deadlines, so a
// command that arrived before a deadline was handled always wins over it.
func (m *Manager) step() {
	for m.fatal == nil {
		select {
		case msg := <-m.inbox:
			m.handle(msg)
			continue
		default:
		}
		break
	}
	if m.fatal != nil {
		return
	}
	for _, e := range m.timers.PopDue(m.clock.Elapsed()) {
		m.fire(e)
		if m.fatal != nil {
			return
		}
	}
}

func (m *Manager) untilNext() time.Duration {
	e, ok := m.timers.Peek()
	if !ok {
		return time.Hour
	}
	d := e.At - m.clock.Elapsed()
	if d < 0 {
		d = 0
	}
	return d
}

func (m *Manager) handle(msg message) {
	switch {
	case msg.cmd != nil:
		m.dispatch(msg.cmd)
	case msg.ev != nil:
		m.handleProcessEvent(*msg.ev)
	}
}

func (m *Manager) dispatch(cmd *command) {
	r := m.handleCommand(cmd)
	if r.deferred {
		return
	}
	cmd.reply <- r
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	m.phase = phaseClosed
	m.mu.Unlock()
	close(m.done)
	for {
		select {
		case msg := <-m.inbox:
			if msg.cmd != nil {
				msg.cmd.reply <- reply{err: ErrClosed}
			}
			continue
		default:
		}
		break
	}
	for _, r := range m.runs {
		for _, ch := range r.removals {
			ch <- reply{err: ErrClosed}
		}
		r.removals = nil
	}
	for _, ch := range m.idle {
		close(ch)
	}
	m.idle = nil
	m.bus.close()
}

// post queues a launcher notification for the loop. It blocks while the
// inbox is full so exits are never lost, and gives up once the loop is gone.
func (m *Manager) post(ev process.Event) {
	select {
	case m.inbox <- message{ev: &ev}:
	case <-m.done:
	}
}

// do runs cmd on the control loop, or directly when the loop has not been
// started yet.
func (m *Manager) do(ctx context.Context, cmd *command) (any, error) {
	cmd.reply = make(chan reply, 1)
	m.mu.Lock()
	switch m.phase {
	case phaseIdle:
		r := m.handleCommand(cmd)
		m.mu.Unlock()
		if r.deferred {
			return m.await(ctx, cmd)
		}
		return r.value, r.err
	case phaseClosed:
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.mu.Unlock()

	select {
	case m.inbox <- message{cmd: cmd}:
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.await(ctx, cmd)
}

func (m *Manager) await(ctx context.Context, cmd *command) (any, error) {
	select {
	case r := <-cmd.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		select {
		case r := <-cmd.reply:
			return r.value, r.err
		default:
			return nil, ErrClosed
		}
	}
}

// corrupt records an internal inconsistency that ends the loop.
func (m *Manager) corrupt(err error) {
	if m.fatal == nil {
		m.fatal = fmt.Errorf("%w: registry: %w", ErrFatal, err)
	}
}

// check treats an unexpected registry error as corruption. Not-found is
// expected for stale events and passes through.
func (m *Manager) check(err error) error {
	if err == nil || errors.Is(err, service.ErrNotFound) {
		return err
	}
	m.corrupt(err)
	return err
}

func (m *Manager) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = m.clock.Now()
	}
	m.bus.publish(e)
}
