package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventExit        EventType = "exit"
	EventTransition  EventType = "transition"
	EventSpawnFailed EventType = "spawn_failed"
	EventRemoved     EventType = "removed"
)

// Record is the service data attached to an event. Fields that do not apply
// to an event type are left zero.
type Record struct {
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
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
