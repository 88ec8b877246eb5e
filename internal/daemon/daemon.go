// Package daemon assembles the supervision engine and its collaborators
// into one process and runs them under a suture tree.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/loykin/supervisr/internal/config"
	"github.com/loykin/supervisr/internal/history"
	"github.com/loykin/supervisr/internal/history/factory"
	"github.com/loykin/supervisr/internal/manager"
	"github.com/loykin/supervisr/internal/metrics"
	"github.com/loykin/supervisr/internal/process"
	"github.com/loykin/supervisr/internal/server"
	"github.com/loykin/supervisr/internal/service"
	"github.com/loykin/supervisr/internal/watch"
)

const (
	eventBuffer     = 1024
	shutdownTimeout = 10 * time.Second
)

// Daemon owns the engine, the process launcher and the goroutines that
// serve the engine: API, metrics, resource sampling, file watching and
// history export.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	launcher *process.Launcher
	mgr      *manager.Manager
	usage    *metrics.UsageCollector
	history  *history.Dispatcher
	watcher  *watch.Watcher
	router   *server.Router

	lock  *flock.Flock
	fatal error
}

// New builds a daemon from cfg. Nothing is started and no service is
// registered until Serve.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	globalEnv, err := cfg.GlobalEnv()
	if err != nil {
		return nil, err
	}
	var sinks []history.Sink
	for _, dsn := range cfg.History.DSN {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			for _, made := range sinks {
				if c, ok := made.(io.Closer); ok {
					_ = c.Close()
				}
			}
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	d := &Daemon{cfg: cfg, logger: logger}
	d.launcher = process.NewLauncher(logger)
	d.mgr = manager.New(manager.Options{
		Launcher:           d.launcher,
		Logger:             logger,
		Env:                globalEnv,
		Stdio:              d.stdio,
		RestartInterval:    cfg.Engine.RestartInterval,
		StableAfter:        cfg.Engine.StableAfter,
		KillTimeout:        cfg.Engine.KillTimeout,
		ClockCheckInterval: cfg.Engine.ClockCheckInterval,
		ClockTolerance:     cfg.Engine.ClockTolerance,
	})
	d.usage = metrics.NewUsageCollector(cfg.Metrics.UsageConfig(), logger)
	d.history = history.NewDispatcher(logger, cfg.History.Buffer, sinks...)
	d.watcher, err = watch.New(d.mgr, cfg.Engine.WatchDebounce, logger)
	if err != nil {
		_ = d.launcher.Close()
		_ = d.history.Close()
		return nil, err
	}
	opts := []server.Option{server.WithUsage(d.usage), server.WithLogger(logger)}
	if cfg.Log.File.Dir != "" || hasServiceLogs(cfg) {
		opts = append(opts, server.WithLogs(cfg.ServiceLog))
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, server.WithMetrics(metrics.Handler()))
	}
	if r, ok := history.FindReader(sinks); ok {
		opts = append(opts, server.WithHistory(r))
	}
	d.router = server.NewRouter(d.mgr, cfg.Server.BasePath, opts...)
	return d, nil
}

func hasServiceLogs(cfg *config.Config) bool {
	for _, s := range cfg.Services {
		if s.Log != nil {
			return true
		}
	}
	return false
}

// Manager returns the engine, for embedding.
func (d *Daemon) Manager() *manager.Manager { return d.mgr }

// Handler returns the HTTP API.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// stdio opens the rotated log files of one run.
func (d *Daemon) stdio(def service.Definition) (process.Stdio, error) {
	out, errw, err := d.cfg.ServiceLog(def.Name).Writers(def.Name)
	if err != nil {
		return process.Stdio{}, err
	}
	var s process.Stdio
	if out != nil {
		s.Stdout = out
	}
	if errw != nil {
		s.Stderr = errw
	}
	return s, nil
}

// prepare takes the lock, writes the pid file and registers the configured
// services. Subscriptions are taken before the first Add so the watcher
// and the history export see every service.
func (d *Daemon) prepare(ctx context.Context) (watchEvents, historyEvents <-chan manager.Event, err error) {
	if p := d.cfg.Server.LockFile; p != "" {
		if d.lock, err = acquireLock(p); err != nil {
			return nil, nil, err
		}
	}
	if p := d.cfg.Server.PIDFile; p != "" {
		if err := writePidFile(p, os.Getpid()); err != nil {
			return nil, nil, fmt.Errorf("pid file: %w", err)
		}
	}
	if d.cfg.Engine.Subreaper {
		if err := process.BecomeSubreaper(); err != nil {
			d.logger.Warn("cannot become child subreaper", "error", err)
		}
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, nil, fmt.Errorf("metrics: %w", err)
	}
	if err := d.usage.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return nil, nil, fmt.Errorf("usage metrics: %w", err)
	}

	watchEvents, _ = d.mgr.Subscribe(eventBuffer)
	if d.history.Len() > 0 {
		historyEvents, _ = d.mgr.Subscribe(eventBuffer)
	}

	defs, err := d.cfg.Definitions()
	if err != nil {
		return nil, nil, err
	}
	for _, def := range defs {
		if _, err := d.mgr.Add(ctx, def); err != nil {
			return nil, nil, fmt.Errorf("service %q: %w", def.Name, err)
		}
	}
	d.logger.Info("services registered", "count", len(defs), "config", d.cfg.Path)
	return watchEvents, historyEvents, nil
}

func (d *Daemon) cleanup() {
	if err := removePidFile(d.cfg.Server.PIDFile); err != nil {
		d.logger.Warn("remove pid file", "error", err)
	}
	if d.lock != nil {
		_ = d.lock.Unlock()
	}
	_ = d.history.Close()
	_ = d.launcher.Close()
}

// Serve runs the daemon until ctx is done or the engine fails. On a normal
// shutdown every service is stopped first, bounded by the kill timeout.
func (d *Daemon) Serve(ctx context.Context) error {
	defer d.cleanup()
	watchEvents, historyEvents, err := d.prepare(ctx)
	if err != nil {
		return err
	}

	treeCtx, cancelTree := context.WithCancel(context.Background())
	defer cancelTree()
	root := d.tree()
	errc := root.ServeBackground(treeCtx)

	d.add(root, "engine", d.runEngine)
	d.add(root, "watcher", func(ctx context.Context) error { return d.watcher.Run(ctx, watchEvents) })
	if d.usage.Enabled() {
		d.add(root, "usage", func(ctx context.Context) error { return d.usage.Run(ctx, d.runningPIDs) })
	}
	if historyEvents != nil {
		d.add(root, "history", d.history.Run)
		d.add(root, "history-bridge", func(ctx context.Context) error { return forwardHistory(ctx, historyEvents, d.history) })
	}
	root.Add(newHTTPService("api", &http.Server{
		Addr:              d.cfg.Server.Listen,
		Handler:           d.router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}, shutdownTimeout))
	if d.cfg.Metrics.Enabled && d.cfg.Metrics.Listen != "" && d.cfg.Metrics.Listen != d.cfg.Server.Listen {
		root.Add(newHTTPService("metrics", &http.Server{
			Addr:              d.cfg.Metrics.Listen,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}, shutdownTimeout))
	}
	d.logger.Info("daemon started", "listen", d.cfg.Server.Listen, "base_path", d.cfg.Server.BasePath)

	select {
	case <-ctx.Done():
		d.stopServices()
		cancelTree()
		<-errc
	case err := <-errc:
		if d.fatal != nil {
			return d.fatal
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	d.logger.Info("daemon stopped")
	return d.fatal
}

func (d *Daemon) tree() *suture.Supervisor {
	hook := (&sutureslog.Handler{Logger: d.logger}).MustHook()
	return suture.New("supervisr", suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})
}

func (d *Daemon) add(root *suture.Supervisor, name string, run func(context.Context) error) {
	root.Add(&funcService{name: name, run: run})
}

// runEngine runs the control loop. The engine cannot be restarted, so any
// return other than shutdown ends the whole tree.
func (d *Daemon) runEngine(ctx context.Context) error {
	err := d.mgr.Run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		err = manager.ErrClosed
	}
	d.fatal = err
	d.logger.Error("engine stopped", "error", err)
	return suture.ErrTerminateSupervisorTree
}

// stopServices stops every service and waits for the children to exit.
func (d *Daemon) stopServices() {
	wait := d.cfg.Engine.KillTimeout
	if wait <= 0 {
		wait = manager.DefaultKillTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait+5*time.Second)
	defer cancel()
	if err := d.mgr.StopAll(ctx); err != nil && !errors.Is(err, manager.ErrClosed) {
		d.logger.Warn("services still running at shutdown", "error", err)
	}
}

func (d *Daemon) runningPIDs() map[string]int32 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pids, err := d.mgr.PIDs(ctx)
	if err != nil {
		return nil
	}
	return pids
}
