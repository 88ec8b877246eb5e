package manager

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/loykin/supervisr/internal/cron"
	"github.com/loykin/supervisr/internal/metrics"
	"github.com/loykin/supervisr/internal/process"
	"github.com/loykin/supervisr/internal/service"
	"github.com/loykin/supervisr/internal/timer"
)

type action int

const (
	actAdd action = iota
	actRemove
	actStart
	actStop
	actRestart
	actSignal
	actList
	actGet
	actScheduler
	actConfig
	actStopAll
)

var actionNames = [...]string{
	actAdd:       "add",
	actRemove:    "remove",
	actStart:     "start",
	actStop:      "stop",
	actRestart:   "restart",
	actSignal:    "signal",
	actList:      "list",
	actGet:       "get",
	actScheduler: "show_scheduler",
	actConfig:    "show_config",
	actStopAll:   "stop_all",
}

func (a action) String() string { return actionNames[a] }

type command struct {
	action action
	ref    string
	def    service.Definition
	sig    syscall.Signal
	reply  chan reply
}

type reply struct {
	value any
	err   error
	// deferred means the reply is sent later by the loop.
	deferred bool
}

// Status is one row of List.
type Status struct {
	ID       service.ID `json:"id"`
	Name     string     `json:"name"`
	Active   bool       `json:"active"`
	Schedule string     `json:"schedule,omitempty"`
	service.Runtime
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
}

// ScheduleEntry is one row of ShowScheduler.
type ScheduleEntry struct {
	ID       service.ID    `json:"id"`
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Active   bool          `json:"active"`
	State    service.State `json:"state"`
	NextFire *time.Time    `json:"next_fire,omitempty"`
	LastFire *time.Time    `json:"last_fire,omitempty"`
}

// Add registers def. An active unscheduled service is spawned at once; an
// active scheduled one waits in state created for its first fire.
func (m *Manager) Add(ctx context.Context, def service.Definition) (service.ID, error) {
	v, err := m.do(ctx, &command{action: actAdd, def: def})
	if err != nil {
		return 0, err
	}
	return v.(service.ID), nil
}

// Remove deletes a service. A live child is terminated first and Remove
// returns once its exit was handled.
func (m *Manager) Remove(ctx context.Context, ref string) error {
	_, err := m.do(ctx, &command{action: actRemove, ref: ref})
	return err
}

// Start activates a service and spawns it unless it is running. For a
// scheduled service the next fire is computed from now.
func (m *Manager) Start(ctx context.Context, ref string) error {
	_, err := m.do(ctx, &command{action: actStart, ref: ref})
	return err
}

// Stop deactivates a service, cancels its deadlines and terminates its
// child if there is one.
func (m *Manager) Stop(ctx context.Context, ref string) error {
	_, err := m.do(ctx, &command{action: actStop, ref: ref})
	return err
}

// Restart terminates a live child and spawns the service again once the
// exit was handled. A resting service is started.
func (m *Manager) Restart(ctx context.Context, ref string) error {
	_, err := m.do(ctx, &command{action: actRestart, ref: ref})
	return err
}

// Signal delivers sig to the child's process group.
func (m *Manager) Signal(ctx context.Context, ref string, sig syscall.Signal) error {
	_, err := m.do(ctx, &command{action: actSignal, ref: ref, sig: sig})
	return err
}

func (m *Manager) List(ctx context.Context) ([]Status, error) {
	v, err := m.do(ctx, &command{action: actList})
	if err != nil {
		return nil, err
	}
	return v.([]Status), nil
}

func (m *Manager) Get(ctx context.Context, ref string) (Status, error) {
	v, err := m.do(ctx, &command{action: actGet, ref: ref})
	if err != nil {
		return Status{}, err
	}
	return v.(Status), nil
}

// ShowScheduler lists the services that have a schedule.
func (m *Manager) ShowScheduler(ctx context.Context) ([]ScheduleEntry, error) {
	v, err := m.do(ctx, &command{action: actScheduler})
	if err != nil {
		return nil, err
	}
	return v.([]ScheduleEntry), nil
}

// ShowConfig returns the definitions as the engine holds them.
func (m *Manager) ShowConfig(ctx context.Context) ([]service.Definition, error) {
	v, err := m.do(ctx, &command{action: actConfig})
	if err != nil {
		return nil, err
	}
	return v.([]service.Definition), nil
}

// StopAll stops every service and waits until no child is left.
func (m *Manager) StopAll(ctx context.Context) error {
	v, err := m.do(ctx, &command{action: actStopAll})
	if err != nil {
		return err
	}
	select {
	case <-v.(chan struct{}):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PIDs maps the name of every running service to its pid.
func (m *Manager) PIDs(ctx context.Context) (map[string]int32, error) {
	list, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int32, len(list))
	for _, s := range list {
		if s.State == service.Running && s.PID > 0 {
			out[s.Name] = int32(s.PID)
		}
	}
	return out, nil
}

func (m *Manager) handleCommand(cmd *command) reply {
	var r reply
	switch cmd.action {
	case actAdd:
		id, err := m.handleAdd(cmd.def)
		r = reply{value: id, err: err}
	case actRemove:
		r = m.handleRemove(cmd)
	case actStart:
		r.err = m.withID(cmd.ref, m.handleStart)
	case actStop:
		r.err = m.withID(cmd.ref, m.handleStop)
	case actRestart:
		r.err = m.withID(cmd.ref, m.handleRestart)
	case actSignal:
		r.err = m.withID(cmd.ref, func(id service.ID) error { return m.handleSignal(id, cmd.sig) })
	case actList:
		r.value = m.statusList()
	case actGet:
		snap, err := m.reg.Lookup(cmd.ref)
		if err == nil {
			r.value = m.status(snap)
		}
		r.err = err
	case actScheduler:
		r.value = m.scheduleList()
	case actConfig:
		defs := make([]service.Definition, 0, m.reg.Len())
		for _, s := range m.reg.List() {
			defs = append(defs, s.Definition)
		}
		r.value = defs
	case actStopAll:
		r.value = m.handleStopAll()
	default:
		r.err = fmt.Errorf("%w: unknown action %d", service.ErrInvalidCommand, cmd.action)
	}
	result := "ok"
	if r.err != nil {
		result = "error"
	}
	metrics.IncCommand(cmd.action.String(), result)
	return r
}

func (m *Manager) withID(ref string, fn func(service.ID) error) error {
	id, err := m.reg.Resolve(ref)
	if err != nil {
		return err
	}
	return fn(id)
}

func (m *Manager) handleAdd(def service.Definition) (service.ID, error) {
	var sched *cron.Schedule
	if def.Schedule != "" {
		var err error
		if sched, err = cron.Parse(def.Schedule); err != nil {
			return 0, fmt.Errorf("%w: %w", service.ErrInvalidSchedule, err)
		}
	}
	if prev, err := m.reg.Lookup(def.Name); err == nil && prev.Name == def.Name && prev.ID == def.ID {
		return m.handleReplace(prev, def, sched)
	}
	id, err := m.reg.Add(def)
	if err != nil {
		return 0, err
	}
	if sched != nil {
		m.schedules[id] = sched
	}
	snap, _ := m.reg.Get(id)
	metrics.SetRegistered(m.reg.Len())
	m.setStateGauge(snap.Name, service.Created)
	m.logger.Info("service added", "id", id, "name", snap.Name, "schedule", snap.Schedule, "active", snap.Active)
	def = snap.Definition
	m.emit(Event{Kind: EventAdded, ID: id, Name: snap.Name, Definition: &def})

	if snap.Active {
		if sched != nil {
			m.scheduleCron(id)
		} else {
			_ = m.spawn(id)
		}
	}
	m.syncWake(id)
	return id, nil
}

// handleReplace swaps the definition of a registered service. The active
// flag and the runtime are kept; a live child runs on until it exits and
// the next spawn uses the new command.
func (m *Manager) handleReplace(prev service.Snapshot, def service.Definition, sched *cron.Schedule) (service.ID, error) {
	id := prev.ID
	def.Active = prev.Active
	if _, err := m.reg.Add(def); err != nil {
		return 0, err
	}
	delete(m.schedules, id)
	m.timers.Cancel(cronKey(id))
	_ = m.reg.Update(id, func(rt *service.Runtime) { rt.NextFire = nil })
	if sched != nil {
		m.schedules[id] = sched
		if def.Active {
			m.scheduleCron(id)
		}
	}
	snap, _ := m.reg.Get(id)
	m.logger.Info("service replaced", "id", id, "name", snap.Name, "schedule", snap.Schedule, "state", snap.State)
	def = snap.Definition
	m.emit(Event{Kind: EventAdded, ID: id, Name: snap.Name, Definition: &def})
	m.syncWake(id)
	return id, nil
}

func (m *Manager) handleRemove(cmd *command) reply {
	id, err := m.reg.Resolve(cmd.ref)
	if err != nil {
		return reply{err: err}
	}
	r := m.runs[id]
	if r == nil {
		return reply{err: m.removeNow(id)}
	}
	_ = m.reg.SetActive(id, false)
	m.timers.CancelID(uint64(id), timer.KindBackoff, timer.KindCron)
	m.terminate(id)
	r.removals = append(r.removals, cmd.reply)
	m.syncWake(id)
	return reply{deferred: true}
}

func (m *Manager) removeNow(id service.ID) error {
	snap, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	if err := m.reg.Remove(id); err != nil {
		return err
	}
	m.timers.CancelID(uint64(id))
	delete(m.schedules, id)
	metrics.ForgetService(snap.Name)
	metrics.SetRegistered(m.reg.Len())
	m.logger.Info("service removed", "id", id, "name", snap.Name)
	m.emit(Event{Kind: EventRemoved, ID: id, Name: snap.Name, Crashes: snap.Crashes})
	return nil
}

func (m *Manager) handleStart(id service.ID) error {
	if err := m.check(m.reg.SetActive(id, true)); err != nil {
		return err
	}
	snap, _ := m.reg.Get(id)
	resetCrashes := func() { _ = m.reg.Update(id, func(rt *service.Runtime) { rt.Crashes = 0 }) }

	var err error
	r := m.runs[id]
	switch {
	case r != nil && r.terminating:
		// a pending termination is followed by a fresh spawn
		resetCrashes()
		r.restartAfter = true
	case r != nil && snap.State == service.Running:
	default:
		resetCrashes()
		m.timers.Cancel(backoffKey(id))
		err = m.activate(id)
	}
	if _, ok := m.schedules[id]; ok {
		m.scheduleCron(id)
	}
	m.syncWake(id)
	return err
}

func (m *Manager) handleStop(id service.ID) error {
	if err := m.check(m.reg.SetActive(id, false)); err != nil {
		return err
	}
	m.timers.CancelID(uint64(id), timer.KindBackoff, timer.KindCron)
	_ = m.reg.Update(id, func(rt *service.Runtime) { rt.NextFire = nil })
	snap, _ := m.reg.Get(id)
	switch snap.State {
	case service.Running, service.Stopped:
		if r := m.runs[id]; r != nil {
			r.restartAfter = false
			m.terminate(id)
		}
	case service.Crashed:
		m.transition(id, service.Stopped, nil)
	}
	m.syncWake(id)
	return nil
}

func (m *Manager) handleRestart(id service.ID) error {
	r := m.runs[id]
	if r == nil {
		return m.handleStart(id)
	}
	if err := m.check(m.reg.SetActive(id, true)); err != nil {
		return err
	}
	r.restartAfter = true
	m.terminate(id)
	return nil
}

func (m *Manager) handleSignal(id service.ID, sig syscall.Signal) error {
	r := m.runs[id]
	if r == nil {
		snap, _ := m.reg.Get(id)
		return fmt.Errorf("%w: %s has no live process", service.ErrInvalidState, snap.Name)
	}
	err := m.launcher.Signal(r.h, sig)
	if errors.Is(err, process.ErrProcessDone) {
		return fmt.Errorf("%w: process %d already exited", service.ErrInvalidState, r.h.PID)
	}
	if err != nil {
		return fmt.Errorf("signal %s: %w", process.SignalName(sig), err)
	}
	m.logger.Info("signal sent", "id", id, "pid", r.h.PID, "signal", process.SignalName(sig))
	return nil
}

func (m *Manager) handleStopAll() chan struct{} {
	for _, id := range m.reg.IDs() {
		_ = m.handleStop(id)
	}
	ch := make(chan struct{})
	if len(m.runs) == 0 {
		close(ch)
	} else {
		m.idle = append(m.idle, ch)
	}
	return ch
}

func (m *Manager) status(s service.Snapshot) Status {
	st := Status{
		ID:       s.ID,
		Name:     s.Name,
		Active:   s.Active,
		Schedule: s.Schedule,
		Runtime:  s.Runtime,
	}
	if s.State == service.Running {
		st.UptimeSeconds = s.Uptime(m.clock.Now()).Seconds()
	}
	return st
}

func (m *Manager) statusList() []Status {
	snaps := m.reg.List()
	out := make([]Status, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, m.status(s))
	}
	return out
}

func (m *Manager) scheduleList() []ScheduleEntry {
	out := []ScheduleEntry{}
	for _, s := range m.reg.List() {
		if s.Schedule == "" {
			continue
		}
		out = append(out, ScheduleEntry{
			ID:       s.ID,
			Name:     s.Name,
			Schedule: s.Schedule,
			Active:   s.Active,
			State:    s.State,
			NextFire: s.NextFire,
			LastFire: s.LastFire,
		})
	}
	return out
}
