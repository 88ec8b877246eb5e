package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestDispatcherFansOut(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	bad := &memSink{err: errors.New("down")}
	d := NewDispatcher(nil, 8, a, b, bad)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	for i := 0; i < 3; i++ {
		d.Publish(Event{Type: EventStart, OccurredAt: time.Now(), Record: Record{Name: "svc", PID: 100 + i}})
	}
	deadline := time.Now().Add(2 * time.Second)
	for a.count() < 3 || b.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("delivered a=%d b=%d", a.count(), b.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if a.events[2].Record.PID != 102 {
		t.Fatalf("order not kept: %+v", a.events)
	}
	if _, failed := d.Stats(); failed != 3 {
		t.Fatalf("failed = %d, want 3", failed)
	}
	if err := d.Close(); err != nil || !a.closed || !bad.closed {
		t.Fatalf("close: %v", err)
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	s := &memSink{}
	d := NewDispatcher(nil, 1, s)
	d.Publish(Event{Type: EventExit})
	d.Publish(Event{Type: EventExit})
	if dropped, _ := d.Stats(); dropped != 1 {
		t.Fatalf("dropped = %d", dropped)
	}
	// Run with a cancelled context drains the buffer and returns
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = d.Run(ctx)
	if s.count() != 1 {
		t.Fatalf("drained %d events", s.count())
	}
}

func TestDispatcherWithoutSinks(t *testing.T) {
	d := NewDispatcher(nil, 0)
	d.Publish(Event{Type: EventStart})
	if d.Len() != 0 || len(d.queue) != 0 {
		t.Fatal("events queued without sinks")
	}
}
