package manager

import (
	"log/slog"
	"syscall"
	"time"

	"github.com/loykin/supervisr/internal/backoff"
	"github.com/loykin/supervisr/internal/env"
	"github.com/loykin/supervisr/internal/process"
	"github.com/loykin/supervisr/internal/service"
	"github.com/loykin/supervisr/internal/timer"
)

// Defaults for Options fields left zero.
const (
	DefaultStableAfter        = time.Minute
	DefaultKillTimeout        = 10 * time.Second
	DefaultClockCheckInterval = time.Minute
	DefaultClockTolerance     = 2 * time.Second
)

// Launcher is the process facility the engine drives. *process.Launcher
// implements it.
type Launcher interface {
	Spawn(spec process.Spec, stdio process.Stdio, notify func(process.Event)) (*process.Handle, error)
	Signal(h *process.Handle, sig syscall.Signal) error
	Faults() <-chan error
}

// StdioFunc opens the output targets of one run of a service.
type StdioFunc func(def service.Definition) (process.Stdio, error)

type Options struct {
	Clock    timer.Clock
	Launcher Launcher
	Logger   *slog.Logger
	// Env composes the environment of every child. Nil inherits the
	// daemon's environment.
	Env   *env.Env
	Stdio StdioFunc

	// RestartInterval is the backoff base for services that do not set
	// their own.
	RestartInterval time.Duration
	// StableAfter is how long a run must last for its end to reset the
	// crash count. Negative never resets.
	StableAfter time.Duration
	// KillTimeout is the wait between SIGTERM and SIGKILL. Negative
	// disables escalation.
	KillTimeout        time.Duration
	ClockCheckInterval time.Duration
	ClockTolerance     time.Duration
	// InboxSize bounds queued commands and process events.
	InboxSize int
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = timer.NewSystemClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Launcher == nil {
		o.Launcher = process.NewLauncher(o.Logger)
	}
	if o.Env == nil {
		o.Env = env.New()
		o.Env.FromOS()
	}
	if o.RestartInterval <= 0 {
		o.RestartInterval = backoff.DefaultInterval
	}
	if o.StableAfter == 0 {
		o.StableAfter = DefaultStableAfter
	}
	if o.KillTimeout == 0 {
		o.KillTimeout = DefaultKillTimeout
	}
	if o.ClockCheckInterval <= 0 {
		o.ClockCheckInterval = DefaultClockCheckInterval
	}
	if o.ClockTolerance <= 0 {
		o.ClockTolerance = DefaultClockTolerance
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
}
