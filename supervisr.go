// Package supervisr embeds the supervision engine in another program. It
// re-exports the core types and wraps the engine with a stable API; the
// supervisr command builds its daemon from the same pieces.
package supervisr

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/supervisr/internal/config"
	"github.com/loykin/supervisr/internal/env"
	"github.com/loykin/supervisr/internal/manager"
	"github.com/loykin/supervisr/internal/metrics"
	"github.com/loykin/supervisr/internal/process"
	"github.com/loykin/supervisr/internal/server"
	"github.com/loykin/supervisr/internal/service"
)

type (
	ID            = service.ID
	Definition    = service.Definition
	Command       = service.Command
	State         = service.State
	Status        = manager.Status
	ScheduleEntry = manager.ScheduleEntry
	Event         = manager.Event
	EventKind     = manager.EventKind
	Config        = config.Config
)

const (
	Created  = service.Created
	Running  = service.Running
	Finished = service.Finished
	Stopped  = service.Stopped
	Crashed  = service.Crashed
)

var (
	ErrDuplicateName   = service.ErrDuplicateName
	ErrNotFound        = service.ErrNotFound
	ErrInvalidState    = service.ErrInvalidState
	ErrInvalidCommand  = service.ErrInvalidCommand
	ErrInvalidSchedule = service.ErrInvalidSchedule
	ErrFatal           = manager.ErrFatal
	ErrClosed          = manager.ErrClosed
)

// Options configures an embedded engine. Zero values take the engine
// defaults; a negative KillTimeout never escalates to SIGKILL.
type Options struct {
	Logger          *slog.Logger
	Env             []string
	UseOSEnv        bool
	RestartInterval time.Duration
	StableAfter     time.Duration
	KillTimeout     time.Duration
}

// Manager is a thin facade over the supervision engine.
type Manager struct {
	inner    *manager.Manager
	launcher *process.Launcher
}

// New returns an engine with default options and the OS environment as the
// base for every service.
func New() *Manager { return NewWithOptions(Options{UseOSEnv: true}) }

func NewWithOptions(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := env.New()
	if opts.UseOSEnv {
		e.FromOS()
	}
	e.SetPairs(opts.Env)
	l := process.NewLauncher(logger)
	return &Manager{
		launcher: l,
		inner: manager.New(manager.Options{
			Launcher:        l,
			Logger:          logger,
			Env:             e,
			RestartInterval: opts.RestartInterval,
			StableAfter:     opts.StableAfter,
			KillTimeout:     opts.KillTimeout,
		}),
	}
}

// Run drives the engine until ctx is done. Services keep running when it
// returns; call StopAll first to end them.
func (m *Manager) Run(ctx context.Context) error { return m.inner.Run(ctx) }

// Close releases the process launcher. Call it after Run has returned.
func (m *Manager) Close() error { return m.launcher.Close() }

func (m *Manager) Add(ctx context.Context, def Definition) (ID, error) { return m.inner.Add(ctx, def) }
func (m *Manager) Remove(ctx context.Context, ref string) error        { return m.inner.Remove(ctx, ref) }
func (m *Manager) Start(ctx context.Context, ref string) error         { return m.inner.Start(ctx, ref) }
func (m *Manager) Stop(ctx context.Context, ref string) error          { return m.inner.Stop(ctx, ref) }
func (m *Manager) Restart(ctx context.Context, ref string) error       { return m.inner.Restart(ctx, ref) }
func (m *Manager) StopAll(ctx context.Context) error                   { return m.inner.StopAll(ctx) }
func (m *Manager) List(ctx context.Context) ([]Status, error)          { return m.inner.List(ctx) }
func (m *Manager) Get(ctx context.Context, ref string) (Status, error) { return m.inner.Get(ctx, ref) }

// Signal sends a signal given by name ("HUP", "SIGTERM") or number.
func (m *Manager) Signal(ctx context.Context, ref, sig string) error {
	s, err := process.ParseSignal(sig)
	if err != nil {
		return err
	}
	return m.inner.Signal(ctx, ref, s)
}

func (m *Manager) ShowScheduler(ctx context.Context) ([]ScheduleEntry, error) {
	return m.inner.ShowScheduler(ctx)
}

func (m *Manager) ShowConfig(ctx context.Context) ([]Definition, error) {
	return m.inner.ShowConfig(ctx)
}

// Subscribe streams engine events until cancel is called.
func (m *Manager) Subscribe(buffer int) (events <-chan Event, cancel func()) {
	return m.inner.Subscribe(buffer)
}

// ApplyConfig adds every service defined in cfg. Applying it again
// replaces the definitions of services already registered.
func (m *Manager) ApplyConfig(ctx context.Context, cfg *Config) error {
	defs, err := cfg.Definitions()
	if err != nil {
		return err
	}
	for _, def := range defs {
		if def.ID == 0 {
			// entries without an explicit id replace the service of the same name
			if st, err := m.inner.Get(ctx, def.Name); err == nil && st.Name == def.Name {
				def.ID = st.ID
			}
		}
		if _, err := m.inner.Add(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig reads a config file. An empty path searches the default
// locations.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Handler exposes the command API of m rooted at basePath.
func Handler(m *Manager, basePath string) http.Handler {
	return server.NewRouter(m.inner, basePath).Handler()
}

// NewHTTPServer returns a server for the command API; the caller runs it.
func NewHTTPServer(addr, basePath string, m *Manager) *http.Server {
	return server.NewServer(addr, basePath, m.inner)
}

// Metrics helpers

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
