package service

import "time"

// Runtime is the mutable record of a service. Only the engine's control
// loop changes it.
type Runtime struct {
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	Crashes   int       `json:"crash_count"`
	// NextWake is set while a backoff or cron deadline is pending.
	NextWake  *time.Time `json:"next_wake,omitempty"`
	LastFire  *time.Time `json:"last_fire,omitempty"`
	NextFire  *time.Time `json:"next_fire,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

func (r Runtime) clone() Runtime {
	if r.ExitCode != nil {
		v := *r.ExitCode
		r.ExitCode = &v
	}
	r.NextWake = cloneTime(r.NextWake)
	r.LastFire = cloneTime(r.LastFire)
	r.NextFire = cloneTime(r.NextFire)
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Snapshot is an immutable copy of a service's definition and runtime.
type Snapshot struct {
	Definition
	Runtime
}

// Uptime is the time spent in the current run, zero unless Running.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	if s.State != Running || s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}
