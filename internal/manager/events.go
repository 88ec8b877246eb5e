package manager

import (
	"sync"
	"time"

	"github.com/loykin/supervisr/internal/process"
	"github.com/loykin/supervisr/internal/service"
)

type EventKind string

const (
	EventAdded       EventKind = "added"
	EventRemoved     EventKind = "removed"
	EventStarted     EventKind = "started"
	EventExited      EventKind = "exited"
	EventTransition  EventKind = "transition"
	EventSpawnFailed EventKind = "spawn_failed"
)

// Event is what collaborators observe. Started carries the pid and stdio
// targets of the new run, Exited the exit code or signal, Transition the
// states on both sides.
type Event struct {
	Kind     EventKind     `json:"kind"`
	Time     time.Time     `json:"time"`
	ID       service.ID    `json:"id"`
	Name     string        `json:"name"`
	PID      int           `json:"pid,omitempty"`
	RunID    string        `json:"run_id,omitempty"`
	From     string        `json:"from,omitempty"`
	To       string        `json:"to,omitempty"`
	ExitCode *int          `json:"exit_code,omitempty"`
	Signal   string        `json:"signal,omitempty"`
	Crashes  int           `json:"crash_count"`
	Error    string        `json:"error,omitempty"`
	Stdio    process.Stdio `json:"-"`
	// Definition is set on Added.
	Definition *service.Definition `json:"definition,omitempty"`
}

// bus fans events out to subscribers without ever blocking the publisher.
type bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	dropped uint64
}

func newBus() *bus { return &bus{subs: make(map[int]chan Event)} }

func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

func (b *bus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// close ends every subscription.
func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *bus) droppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
