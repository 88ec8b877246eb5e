package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource sample for one running service.
type Usage struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// Stats is the latest sample of the daemon itself and of every running
// service.
type Stats struct {
	Daemon   *Usage  `json:"daemon,omitempty"`
	Services []Usage `json:"services"`
}

// UsageConfig holds configuration for resource sampling.
type UsageConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"usage_interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// UsageCollector samples CPU and memory of running services with gopsutil
// and exports them as gauges labelled by service name.
type UsageCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int
	logger     *slog.Logger

	mu      sync.RWMutex
	history map[string][]Usage
	procs   map[int32]*process.Process
	self    *process.Process
	daemon  *Usage

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewUsageCollector(cfg UsageConfig, logger *slog.Logger) *UsageCollector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "supervisr",
			Subsystem: "service",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &UsageCollector{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		maxHistory: cfg.MaxHistory,
		logger:     logger,
		history:    make(map[string][]Usage),
		procs:      make(map[int32]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of running services."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of running services."),
		numThreads: gauge("num_threads", "Number of threads of running services."),
		numFDs:     gauge("num_fds", "Open file descriptors of running services (Unix only)."),
	}
}

func (c *UsageCollector) Enabled() bool { return c.enabled }

// RegisterMetrics registers the usage gauges with the provided registerer.
func (c *UsageCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples until ctx is done or Stop is called. running returns the
// pids of currently running services keyed by name.
func (c *UsageCollector) Run(ctx context.Context, running func() map[string]int32) error {
	if !c.enabled {
		<-ctx.Done()
		return nil
	}
	c.wg.Add(1)
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		case <-ticker.C:
			c.Collect(running())
		}
	}
}

func (c *UsageCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of the daemon and of every pid, and forgets
// services that are no longer running.
func (c *UsageCollector) Collect(running map[string]int32) {
	now := time.Now()
	c.collectSelf(now)
	samples := make(map[string]Usage, len(running))
	for name, pid := range running {
		if pid <= 0 {
			continue
		}
		u, err := c.sample(name, pid, now)
		if err != nil {
			c.logger.Debug("usage sample failed", "name", name, "pid", pid, "error", err)
			continue
		}
		samples[name] = u
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, u := range samples {
		c.cpuPercent.WithLabelValues(name).Set(u.CPUPercent)
		c.memoryMB.WithLabelValues(name).Set(u.MemoryMB)
		c.numThreads.WithLabelValues(name).Set(float64(u.NumThreads))
		if u.NumFDs > 0 {
			c.numFDs.WithLabelValues(name).Set(float64(u.NumFDs))
		}
		h := append(c.history[name], u)
		if len(h) > c.maxHistory {
			h = h[len(h)-c.maxHistory:]
		}
		c.history[name] = h
	}
	for name := range c.history {
		if _, ok := running[name]; ok {
			continue
		}
		delete(c.history, name)
		c.cpuPercent.DeleteLabelValues(name)
		c.memoryMB.DeleteLabelValues(name)
		c.numThreads.DeleteLabelValues(name)
		c.numFDs.DeleteLabelValues(name)
	}
	live := make(map[int32]bool, len(running))
	for _, pid := range running {
		live[pid] = true
	}
	for pid := range c.procs {
		if !live[pid] {
			delete(c.procs, pid)
		}
	}
}

func (c *UsageCollector) collectSelf(now time.Time) {
	pid := int32(os.Getpid())
	c.mu.Lock()
	if c.self == nil {
		proc, err := process.NewProcess(pid)
		if err != nil {
			c.mu.Unlock()
			c.logger.Debug("daemon usage sample failed", "error", err)
			return
		}
		c.self = proc
	}
	proc := c.self
	c.mu.Unlock()

	u, err := measure(proc, "supervisr", pid, now)
	if err != nil {
		c.logger.Debug("daemon usage sample failed", "error", err)
		return
	}
	c.mu.Lock()
	c.daemon = &u
	c.mu.Unlock()
}

func (c *UsageCollector) sample(name string, pid int32, now time.Time) (Usage, error) {
	// CPUPercent is measured between calls on the same handle
	c.mu.Lock()
	proc, ok := c.procs[pid]
	if !ok {
		var err error
		proc, err = process.NewProcess(pid)
		if err != nil {
			c.mu.Unlock()
			return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		c.procs[pid] = proc
	}
	c.mu.Unlock()
	return measure(proc, name, pid, now)
}

func measure(proc *process.Process, name string, pid int32, now time.Time) (Usage, error) {
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u := Usage{
		PID:       pid,
		Name:      name,
		MemoryMB:  float64(mem.RSS) / 1024 / 1024,
		MemoryRSS: mem.RSS,
		MemoryVMS: mem.VMS,
		Timestamp: now,
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

// Latest returns the newest sample of every sampled service, by name.
func (c *UsageCollector) Latest() []Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Usage, 0, len(c.history))
	for _, h := range c.history {
		if len(h) > 0 {
			out = append(out, h[len(h)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot pairs Latest with the newest sample of the daemon, which is nil
// until the first collection.
func (c *UsageCollector) Snapshot() Stats {
	st := Stats{Services: c.Latest()}
	c.mu.RLock()
	if c.daemon != nil {
		d := *c.daemon
		st.Daemon = &d
	}
	c.mu.RUnlock()
	return st
}

// History returns the retained samples of one service, oldest first.
func (c *UsageCollector) History(name string) ([]Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.history[name]
	if !ok {
		return nil, false
	}
	return append([]Usage(nil), h...), true
}
