package timer

import (
	"testing"
	"time"
)

func TestQueueOrdersByDeadline(t *testing.T) {
	q := NewQueue()
	q.Schedule(Key{Kind: KindCron, ID: 1}, 3*time.Second)
	q.Schedule(Key{Kind: KindBackoff, ID: 2}, 1*time.Second)
	q.Schedule(Key{Kind: KindKill, ID: 3}, 2*time.Second)

	e, ok := q.Peek()
	if !ok || e.ID != 2 || e.Kind != KindBackoff {
		t.Fatalf("peek = %+v, %v", e, ok)
	}
	due := q.PopDue(2 * time.Second)
	if len(due) != 2 {
		t.Fatalf("expected 2 due entries, got %d", len(due))
	}
	if due[0].ID != 2 || due[1].ID != 3 {
		t.Fatalf("unexpected order: %+v", due)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 pending, got %d", q.Len())
	}
}

func TestQueueScheduleReplacesSameKey(t *testing.T) {
	q := NewQueue()
	k := Key{Kind: KindBackoff, ID: 7}
	q.Schedule(k, 5*time.Second)
	q.Schedule(k, time.Second)
	if q.Len() != 1 {
		t.Fatalf("expected single entry, got %d", q.Len())
	}
	at, ok := q.Get(k)
	if !ok || at != time.Second {
		t.Fatalf("get = %v, %v", at, ok)
	}
}

func TestQueueEqualDeadlinesPopInScheduleOrder(t *testing.T) {
	q := NewQueue()
	for id := uint64(1); id <= 5; id++ {
		q.Schedule(Key{Kind: KindCron, ID: id}, time.Second)
	}
	due := q.PopDue(time.Second)
	for i, e := range due {
		if e.ID != uint64(i+1) {
			t.Fatalf("position %d has id %d", i, e.ID)
		}
	}
}

func TestQueueCancel(t *testing.T) {
	q := NewQueue()
	q.Schedule(Key{Kind: KindBackoff, ID: 1}, time.Second)
	q.Schedule(Key{Kind: KindCron, ID: 1}, 2*time.Second)
	q.Schedule(Key{Kind: KindKill, ID: 1}, 3*time.Second)
	q.Schedule(Key{Kind: KindCron, ID: 2}, 4*time.Second)

	if !q.Cancel(Key{Kind: KindKill, ID: 1}) {
		t.Fatal("expected kill deadline to be cancelled")
	}
	if q.Cancel(Key{Kind: KindKill, ID: 1}) {
		t.Fatal("second cancel should report false")
	}
	if n := q.CancelID(1); n != 2 {
		t.Fatalf("CancelID removed %d, want 2", n)
	}
	e, ok := q.Peek()
	if !ok || e.ID != 2 {
		t.Fatalf("remaining entry = %+v", e)
	}
	if n := q.CancelID(2, KindBackoff); n != 0 {
		t.Fatalf("CancelID with unrelated kind removed %d", n)
	}
}

func TestQueueEmpty(t *testing.T) {
	q := NewQueue()
	if _, ok := q.Peek(); ok {
		t.Fatal("empty queue should have no head")
	}
	if due := q.PopDue(time.Hour); len(due) != 0 {
		t.Fatalf("unexpected due entries: %v", due)
	}
}

func TestManualClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	c.Advance(2 * time.Second)
	c.Jump(time.Hour)
	if got := c.Elapsed(); got != 2*time.Second {
		t.Fatalf("elapsed = %v", got)
	}
	if got := c.Now(); !got.Equal(start.Add(time.Hour + 2*time.Second)) {
		t.Fatalf("now = %v", got)
	}
}
