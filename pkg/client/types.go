package client

import "time"

// AddRequest registers a service. Command is a full command line; Path
// and Args are the explicit form.
type AddRequest struct {
	ID              uint64            `json:"id,omitempty"`
	Name            string            `json:"name"`
	Command         string            `json:"command,omitempty"`
	Path            string            `json:"path,omitempty"`
	Args            []string          `json:"args,omitempty"`
	WorkDir         string            `json:"workdir,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Schedule        string            `json:"schedule,omitempty"`
	Active          *bool             `json:"active,omitempty"`
	Watch           []string          `json:"watch,omitempty"`
	RestartInterval string            `json:"restart_interval,omitempty"`
}

type AddResponse struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// ServiceStatus is one service as reported by the daemon.
type ServiceStatus struct {
	ID            uint64     `json:"id"`
	Name          string     `json:"name"`
	Active        bool       `json:"active"`
	Schedule      string     `json:"schedule,omitempty"`
	State         string     `json:"state"`
	PID           int        `json:"pid,omitempty"`
	RunID         string     `json:"run_id,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	Signal        string     `json:"signal,omitempty"`
	Crashes       int        `json:"crash_count"`
	NextWake      *time.Time `json:"next_wake,omitempty"`
	LastFire      *time.Time `json:"last_fire,omitempty"`
	NextFire      *time.Time `json:"next_fire,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	UptimeSeconds float64    `json:"uptime_seconds,omitempty"`
}

// ScheduleEntry is one row of the scheduler view.
type ScheduleEntry struct {
	ID       uint64     `json:"id"`
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	Active   bool       `json:"active"`
	State    string     `json:"state"`
	NextFire *time.Time `json:"next_fire,omitempty"`
	LastFire *time.Time `json:"last_fire,omitempty"`
}

// Definition is a service definition as held by the engine.
type Definition struct {
	ID      uint64 `json:"id"`
	Name    string `json:"name"`
	Command struct {
		Path    string            `json:"path"`
		Args    []string          `json:"args,omitempty"`
		WorkDir string            `json:"workdir,omitempty"`
		Env     map[string]string `json:"env,omitempty"`
	} `json:"command"`
	Schedule        string        `json:"schedule,omitempty"`
	Active          bool          `json:"active"`
	RestartInterval time.Duration `json:"restart_interval,omitempty"`
	Watch           []string      `json:"watch,omitempty"`
}

// HistoryEvent is one recorded lifecycle event.
type HistoryEvent struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     struct {
		ServiceID uint64 `json:"service_id"`
		Name      string `json:"name"`
		PID       int    `json:"pid,omitempty"`
		RunID     string `json:"run_id,omitempty"`
		From      string `json:"from,omitempty"`
		To        string `json:"to,omitempty"`
		ExitCode  *int   `json:"exit_code,omitempty"`
		Signal    string `json:"signal,omitempty"`
		Crashes   int    `json:"crash_count"`
		Error     string `json:"error,omitempty"`
	} `json:"record"`
}

// LogFile is one output file of a service: the live file or a rotated
// backup.
type LogFile struct {
	Stream     string    `json:"stream"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time"`
	Current    bool      `json:"current"`
	Compressed bool      `json:"compressed,omitempty"`
}

// LogOptions selects what Logs returns. Stream is "stdout" (the default)
// or "stderr".
type LogOptions struct {
	Stream string
	Tail   int
	Follow bool
}

// Usage is a resource sample of one process.
type Usage struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stats is the latest resource sample of the daemon and its services.
type Stats struct {
	Daemon   *Usage  `json:"daemon,omitempty"`
	Services []Usage `json:"services"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
