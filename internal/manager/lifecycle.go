package manager

import (
	"errors"
	"io"
	"math"
	"os"
	"syscall"
	"time"

	"github.com/loykin/supervisr/internal/backoff"
	"github.com/loykin/supervisr/internal/metrics"
	"github.com/loykin/supervisr/internal/process"
	"github.com/loykin/supervisr/internal/service"
	"github.com/loykin/supervisr/internal/timer"
)

func backoffKey(id service.ID) timer.Key { return timer.Key{Kind: timer.KindBackoff, ID: uint64(id)} }
func cronKey(id service.ID) timer.Key    { return timer.Key{Kind: timer.KindCron, ID: uint64(id)} }
func killKey(id service.ID) timer.Key    { return timer.Key{Kind: timer.KindKill, ID: uint64(id)} }

// wallAt converts a deadline on the monotonic clock to wall time.
func (m *Manager) wallAt(at time.Duration) time.Time {
	return m.clock.Now().Add(at - m.clock.Elapsed())
}

// transition applies a state change and reports it to metrics, the log and
// subscribers.
func (m *Manager) transition(id service.ID, to service.State, mutate func(*service.Runtime)) bool {
	from, err := m.reg.Apply(id, to, mutate)
	if err != nil {
		m.logger.Error("state change refused", "id", id, "to", to, "error", err)
		_ = m.check(err)
		return false
	}
	snap, _ := m.reg.Get(id)
	metrics.RecordStateTransition(snap.Name, from.String(), to.String())
	m.setStateGauge(snap.Name, to)
	m.logger.Info("state change", "id", id, "name", snap.Name, "pid", snap.PID, "from", from, "to", to, "crashes", snap.Crashes)
	m.emit(Event{
		Kind:    EventTransition,
		ID:      id,
		Name:    snap.Name,
		PID:     snap.PID,
		RunID:   snap.RunID,
		From:    from.String(),
		To:      to.String(),
		Crashes: snap.Crashes,
	})
	return true
}

func (m *Manager) setStateGauge(name string, current service.State) {
	for _, s := range service.States() {
		metrics.SetCurrentState(name, s.String(), s == current)
	}
}

// spawn starts a new child for id. A failure moves the service to crashed
// and schedules a retry, except from stopped where it only counts.
func (m *Manager) spawn(id service.ID) error {
	snap, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	var stdio process.Stdio
	if m.opts.Stdio != nil {
		if stdio, err = m.opts.Stdio(snap.Definition); err != nil {
			return m.spawnFailed(snap, err)
		}
	}
	spec := process.Spec{
		Name:    snap.Name,
		Path:    snap.Command.Path,
		Args:    snap.Command.Args,
		WorkDir: snap.Command.WorkDir,
		Env:     m.env.Merge(snap.Command.Env),
	}
	h, err := m.launcher.Spawn(spec, stdio, m.post)
	if err != nil {
		closeStdio(stdio)
		return m.spawnFailed(snap, err)
	}

	r := &run{h: h, stdio: stdio, startedElapsed: m.clock.Elapsed()}
	m.runs[id] = r
	m.handles[h] = id
	m.timers.Cancel(backoffKey(id))
	ok := m.transition(id, service.Running, func(rt *service.Runtime) {
		rt.PID = h.PID
		rt.RunID = h.RunID
		rt.StartedAt = m.clock.Now()
		rt.ExitCode = nil
		rt.Signal = ""
		rt.LastError = ""
	})
	if !ok {
		return service.ErrInvalidState
	}
	metrics.IncStart(snap.Name)
	m.emit(Event{Kind: EventStarted, ID: id, Name: snap.Name, PID: h.PID, RunID: h.RunID, Crashes: snap.Crashes, Stdio: stdio})
	return nil
}

func (m *Manager) spawnFailed(snap service.Snapshot, cause error) error {
	id := snap.ID
	msg := cause.Error()
	metrics.IncSpawnFailure(snap.Name)
	m.logger.Error("spawn failed", "id", id, "name", snap.Name, "path", snap.Command.Path, "error", cause)

	if snap.State == service.Stopped {
		_ = m.reg.Update(id, func(rt *service.Runtime) {
			rt.Crashes++
			rt.LastError = msg
		})
	} else {
		m.transition(id, service.Crashed, func(rt *service.Runtime) {
			rt.Crashes++
			rt.LastError = msg
			rt.ExitCode = nil
			rt.Signal = ""
		})
	}
	after, _ := m.reg.Get(id)
	m.emit(Event{Kind: EventSpawnFailed, ID: id, Name: snap.Name, Crashes: after.Crashes, Error: msg})
	if after.State == service.Crashed && after.Active {
		m.scheduleBackoff(id)
	}
	return cause
}

func closeStdio(s process.Stdio) {
	for _, w := range []io.Writer{s.Stdout, s.Stderr} {
		if w == nil {
			continue
		}
		if _, ok := w.(*os.File); ok {
			continue
		}
		if c, ok := w.(io.Closer); ok {
			_ = c.Close()
		}
		if s.Stderr == s.Stdout {
			return
		}
	}
}

// activate brings a resting service to running: a suspended child is
// continued, a child still being terminated is replaced once it has exited,
// anything else is spawned.
func (m *Manager) activate(id service.ID) error {
	r := m.runs[id]
	if r != nil && r.terminating {
		r.restartAfter = true
		return nil
	}
	if r != nil {
		if err := m.launcher.Signal(r.h, syscall.SIGCONT); err != nil && !errors.Is(err, process.ErrProcessDone) {
			m.logger.Warn("continue failed", "id", id, "pid", r.h.PID, "error", err)
		}
		m.transition(id, service.Running, func(rt *service.Runtime) { rt.PID = r.h.PID })
		return nil
	}
	return m.spawn(id)
}

func (m *Manager) scheduleBackoff(id service.ID) {
	snap, err := m.reg.Get(id)
	if err != nil {
		return
	}
	base := snap.RestartInterval
	if base <= 0 {
		base = m.opts.RestartInterval
	}
	d := backoff.Delay(base, snap.Crashes)
	now := m.clock.Elapsed()
	at := now + d
	if d > math.MaxInt64-now {
		at = math.MaxInt64
	}
	m.timers.Schedule(backoffKey(id), at)
	m.logger.Info("restart scheduled", "id", id, "name", snap.Name, "delay", d, "crashes", snap.Crashes)
}

// scheduleCron sets the next fire of id from the current wall time.
func (m *Manager) scheduleCron(id service.ID) {
	sched, ok := m.schedules[id]
	if !ok {
		return
	}
	now := m.clock.Now()
	next := sched.Next(now)
	m.timers.Schedule(cronKey(id), m.clock.Elapsed()+next.Sub(now))
	_ = m.reg.Update(id, func(rt *service.Runtime) { rt.NextFire = &next })
}

// terminate sends SIGTERM to the child's group and arms the kill deadline.
// A suspended child is continued so it can act on the signal.
func (m *Manager) terminate(id service.ID) {
	r := m.runs[id]
	if r == nil || r.terminating {
		return
	}
	r.terminating = true
	snap, _ := m.reg.Get(id)
	if err := m.launcher.Signal(r.h, syscall.SIGTERM); err != nil && !errors.Is(err, process.ErrProcessDone) {
		m.logger.Warn("terminate failed", "id", id, "pid", r.h.PID, "error", err)
	}
	if snap.State == service.Stopped {
		_ = m.launcher.Signal(r.h, syscall.SIGCONT)
	}
	if m.opts.KillTimeout > 0 {
		m.timers.Schedule(killKey(id), m.clock.Elapsed()+m.opts.KillTimeout)
	}
	metrics.IncStop(snap.Name)
	m.logger.Info("terminating", "id", id, "name", snap.Name, "pid", r.h.PID)
}

func (m *Manager) handleProcessEvent(ev process.Event) {
	id, ok := m.handles[ev.Handle]
	if !ok {
		m.logger.Debug("stale process event", "kind", ev.Kind, "pid", ev.Handle.PID)
		return
	}
	r := m.runs[id]
	snap, err := m.reg.Get(id)
	if err != nil {
		m.corrupt(err)
		return
	}
	switch ev.Kind {
	case process.Suspended:
		if snap.State == service.Running {
			m.logger.Info("process suspended", "id", id, "pid", r.h.PID, "signal", process.SignalName(ev.StopSignal))
			m.transition(id, service.Stopped, nil)
			m.syncWake(id)
		}
	case process.Continued:
		if snap.State == service.Stopped && !r.terminating {
			m.transition(id, service.Running, func(rt *service.Runtime) { rt.PID = r.h.PID })
		}
	case process.Exited:
		m.handleExit(id, r, snap, ev.Exit)
	}
}

func (m *Manager) handleExit(id service.ID, r *run, snap service.Snapshot, exit process.Exit) {
	delete(m.runs, id)
	delete(m.handles, r.h)
	m.timers.Cancel(killKey(id))
	ran := m.clock.Elapsed() - r.startedElapsed
	metrics.ObserveRunDuration(snap.Name, ran.Seconds())

	setExit := func(rt *service.Runtime) {
		if exit.Signaled() {
			rt.ExitCode = nil
			rt.Signal = process.SignalName(exit.Signal)
		} else {
			code := exit.Code
			rt.ExitCode = &code
			rt.Signal = ""
		}
	}
	removing := len(r.removals) > 0

	switch snap.State {
	case service.Running:
		if m.opts.StableAfter > 0 && ran >= m.opts.StableAfter && snap.Crashes > 0 {
			m.logger.Info("crash count reset after stable run", "id", id, "name", snap.Name, "ran", ran)
			_ = m.reg.Update(id, func(rt *service.Runtime) { rt.Crashes = 0 })
		}
		if exit.Success() || exit.Signal == syscall.SIGTERM || r.terminating {
			m.transition(id, service.Finished, setExit)
			break
		}
		m.transition(id, service.Crashed, func(rt *service.Runtime) {
			setExit(rt)
			rt.Crashes++
			rt.LastError = exit.String()
		})
		metrics.IncCrash(snap.Name)
		if snap.Active && !removing && !r.restartAfter {
			m.scheduleBackoff(id)
		}
	default:
		// suspended when it died
		_ = m.reg.Update(id, setExit)
	}

	after, _ := m.reg.Get(id)
	ev := Event{Kind: EventExited, ID: id, Name: snap.Name, PID: r.h.PID, RunID: r.h.RunID, Crashes: after.Crashes, ExitCode: after.ExitCode, Signal: after.Signal}
	m.logger.Info("process exited", "id", id, "name", snap.Name, "pid", r.h.PID, "exit", exit.String(), "state", after.State)
	m.emit(ev)

	switch {
	case removing:
		err := m.removeNow(id)
		for _, ch := range r.removals {
			ch <- reply{err: err}
		}
	case r.restartAfter && after.Active:
		m.timers.Cancel(backoffKey(id))
		_ = m.spawn(id)
	}
	if len(m.runs) == 0 {
		for _, ch := range m.idle {
			close(ch)
		}
		m.idle = nil
	}
	m.syncWake(id)
}

func (m *Manager) fire(e timer.Entry) {
	id := service.ID(e.ID)
	switch e.Kind {
	case timer.KindClockCheck:
		m.checkClock()
	case timer.KindBackoff:
		m.fireBackoff(id)
	case timer.KindCron:
		m.fireCron(id)
	case timer.KindKill:
		m.fireKill(id)
	default:
		m.logger.Warn("unknown deadline", "kind", e.Kind, "id", id)
	}
}

func (m *Manager) fireBackoff(id service.ID) {
	snap, err := m.reg.Get(id)
	if err != nil {
		m.logger.Debug("stale restart deadline", "id", id)
		return
	}
	defer m.syncWake(id)
	if !snap.Active || snap.State != service.Crashed {
		m.logger.Debug("restart skipped", "id", id, "name", snap.Name, "state", snap.State, "active", snap.Active)
		return
	}
	metrics.IncRestart(snap.Name)
	m.logger.Info("restarting", "id", id, "name", snap.Name, "crashes", snap.Crashes)
	_ = m.spawn(id)
}

func (m *Manager) fireCron(id service.ID) {
	snap, err := m.reg.Get(id)
	if err != nil {
		m.logger.Debug("stale cron deadline", "id", id)
		return
	}
	defer m.syncWake(id)
	if !snap.Active {
		return
	}
	fired := m.clock.Now()
	m.scheduleCron(id)
	_ = m.reg.Update(id, func(rt *service.Runtime) { rt.LastFire = &fired })

	switch snap.State {
	case service.Created, service.Finished, service.Stopped:
		metrics.IncCronFire(snap.Name, "started")
		m.logger.Info("cron fire", "id", id, "name", snap.Name)
		_ = m.activate(id)
	default:
		metrics.IncCronFire(snap.Name, "skipped")
		m.logger.Debug("cron fire skipped", "id", id, "name", snap.Name, "state", snap.State)
	}
}

func (m *Manager) fireKill(id service.ID) {
	r := m.runs[id]
	if r == nil || !r.terminating {
		return
	}
	m.logger.Warn("process did not exit in time, killing", "id", id, "pid", r.h.PID, "timeout", m.opts.KillTimeout)
	if err := m.launcher.Signal(r.h, syscall.SIGKILL); err != nil && !errors.Is(err, process.ErrProcessDone) {
		m.logger.Error("kill failed", "id", id, "pid", r.h.PID, "error", err)
	}
}

// checkClock compares the wall clock with the monotonic clock since the
// last check and recomputes every cron deadline when they disagree.
func (m *Manager) checkClock() {
	now := m.clock.Now()
	elapsed := m.clock.Elapsed()
	expected := m.lastWall.Add(elapsed - m.lastElapsed)
	drift := now.Sub(expected)
	m.lastWall, m.lastElapsed = now, elapsed
	m.timers.Schedule(timer.Key{Kind: timer.KindClockCheck, ID: clockCheckID}, elapsed+m.opts.ClockCheckInterval)

	if drift <= m.opts.ClockTolerance && drift >= -m.opts.ClockTolerance {
		return
	}
	metrics.IncClockJump()
	n := 0
	for id := range m.schedules {
		if _, ok := m.timers.Get(cronKey(id)); !ok {
			continue
		}
		m.scheduleCron(id)
		m.syncWake(id)
		n++
	}
	m.logger.Warn("wall clock jump detected", "drift", drift, "rescheduled", n)
}

// syncWake mirrors the earliest restart or cron deadline of id into its
// runtime record.
func (m *Manager) syncWake(id service.ID) {
	var at time.Duration
	found := false
	for _, k := range []timer.Key{backoffKey(id), cronKey(id)} {
		if d, ok := m.timers.Get(k); ok && (!found || d < at) {
			at, found = d, true
		}
	}
	_ = m.reg.Update(id, func(rt *service.Runtime) {
		if !found {
			rt.NextWake = nil
			return
		}
		w := m.wallAt(at)
		rt.NextWake = &w
	})
}
