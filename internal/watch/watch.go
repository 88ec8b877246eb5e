// Package watch restarts services when files they depend on change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/supervisr/internal/manager"
)

const DefaultDebounce = 500 * time.Millisecond

// Engine is the part of the supervision engine the watcher drives.
type Engine interface {
	Get(ctx context.Context, ref string) (manager.Status, error)
	Restart(ctx context.Context, ref string) error
}

type target struct {
	path  string
	isDir bool
}

// Watcher maps filesystem changes to service restarts. Changes are
// debounced: a burst of writes restarts each affected service once.
type Watcher struct {
	engine   Engine
	logger   *slog.Logger
	debounce time.Duration
	fs       *fsnotify.Watcher

	mu       sync.Mutex
	services map[string][]target
	dirs     map[string]int
	pending  map[string]struct{}
}

func New(engine Engine, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		engine:   engine,
		logger:   logger.With("component", "watch"),
		debounce: debounce,
		fs:       fw,
		services: make(map[string][]target),
		dirs:     make(map[string]int),
		pending:  make(map[string]struct{}),
	}, nil
}

// Watch starts watching paths on behalf of the named service, replacing
// whatever it watched before. A file is watched through its directory, a
// directory together with its subdirectories.
func (w *Watcher) Watch(name string, paths []string) error {
	w.Unwatch(name)
	if len(paths) == 0 {
		return nil
	}
	var targets []target
	var errs []error
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fi, err := os.Stat(abs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t := target{path: abs, isDir: fi.IsDir()}
		if err := w.addTarget(t); err != nil {
			errs = append(errs, err)
			continue
		}
		targets = append(targets, t)
	}
	w.mu.Lock()
	w.services[name] = targets
	w.mu.Unlock()
	w.logger.Info("watching", "name", name, "paths", len(targets))
	return errors.Join(errs...)
}

// Unwatch stops watching for the named service.
func (w *Watcher) Unwatch(name string) {
	w.mu.Lock()
	targets := w.services[name]
	delete(w.services, name)
	delete(w.pending, name)
	w.mu.Unlock()
	for _, t := range targets {
		w.dropTarget(t)
	}
}

// Watched returns the watched paths per service.
func (w *Watcher) Watched() map[string][]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string][]string, len(w.services))
	for name, ts := range w.services {
		for _, t := range ts {
			out[name] = append(out[name], t.path)
		}
	}
	return out
}

func (w *Watcher) addTarget(t target) error {
	if !t.isDir {
		return w.addDir(filepath.Dir(t.path))
	}
	return filepath.WalkDir(t.path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.addDir(p)
		}
		return nil
	})
}

func (w *Watcher) addDir(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirs[dir] == 0 {
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.dirs[dir]++
	return nil
}

func (w *Watcher) dropTarget(t target) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.dirs {
		if (t.isDir && (dir == t.path || strings.HasPrefix(dir, t.path+string(filepath.Separator)))) ||
			(!t.isDir && dir == filepath.Dir(t.path)) {
			w.dirs[dir]--
			if w.dirs[dir] <= 0 {
				delete(w.dirs, dir)
				_ = w.fs.Remove(dir)
			}
		}
	}
}

// Run follows engine events to learn what to watch and restarts services
// after their paths changed. It returns when ctx is done.
func (w *Watcher) Run(ctx context.Context, events <-chan manager.Event) error {
	defer func() { _ = w.fs.Close() }()
	flush := time.NewTimer(time.Hour)
	flush.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.handleEngineEvent(ev)
		case fe, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if w.touch(fe) {
				flush.Reset(w.debounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		case <-flush.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handleEngineEvent(ev manager.Event) {
	switch ev.Kind {
	case manager.EventAdded:
		if ev.Definition == nil || len(ev.Definition.Watch) == 0 {
			return
		}
		if err := w.Watch(ev.Name, ev.Definition.Watch); err != nil {
			w.logger.Warn("some paths are not watched", "name", ev.Name, "error", err)
		}
	case manager.EventRemoved:
		w.Unwatch(ev.Name)
	}
}

// touch marks the services affected by fe and reports whether any was.
func (w *Watcher) touch(fe fsnotify.Event) bool {
	if !fe.Op.Has(fsnotify.Write) && !fe.Op.Has(fsnotify.Create) &&
		!fe.Op.Has(fsnotify.Remove) && !fe.Op.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(fe.Name)
	w.mu.Lock()
	defer w.mu.Unlock()
	hit := false
	for svc, targets := range w.services {
		for _, t := range targets {
			if name == t.path || (t.isDir && strings.HasPrefix(name, t.path+string(filepath.Separator))) {
				w.pending[svc] = struct{}{}
				hit = true
				if t.isDir && fe.Op.Has(fsnotify.Create) {
					w.followNewDir(name)
				}
				break
			}
		}
	}
	return hit
}

// followNewDir starts watching a directory created inside a watched tree.
// Called with mu held.
func (w *Watcher) followNewDir(p string) {
	fi, err := os.Stat(p)
	if err != nil || !fi.IsDir() || w.dirs[p] > 0 {
		return
	}
	if err := w.fs.Add(p); err == nil {
		w.dirs[p]++
	}
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	names := make([]string, 0, len(w.pending))
	for n := range w.pending {
		names = append(names, n)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		st, err := w.engine.Get(ctx, name)
		if err != nil {
			w.logger.Debug("changed service is gone", "name", name, "error", err)
			continue
		}
		if !st.Active {
			w.logger.Info("change ignored for inactive service", "name", name)
			continue
		}
		w.logger.Info("watched path changed, restarting", "name", name)
		if err := w.engine.Restart(ctx, name); err != nil {
			w.logger.Error("restart failed", "name", name, "error", err)
		}
	}
}
