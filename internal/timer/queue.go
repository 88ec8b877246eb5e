package timer

import (
	"container/heap"
	"fmt"
	"time"
)

// Kind tells what a deadline is for.
type Kind uint8

const (
	KindBackoff Kind = iota + 1
	KindCron
	KindKill
	KindClockCheck
)

func (k Kind) String() string {
	switch k {
	case KindBackoff:
		return "backoff"
	case KindCron:
		return "cron"
	case KindKill:
		return "kill"
	case KindClockCheck:
		return "clock-check"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Key identifies a deadline. At most one deadline exists per key.
type Key struct {
	Kind Kind
	ID   uint64
}

// Entry is a pending deadline. At is an offset on the monotonic clock
// (see Clock.Elapsed), so wall clock steps never move it.
type Entry struct {
	Key
	At time.Duration
}

type item struct {
	Entry
	seq   uint64
	index int
}

type entryHeap []*item

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].At != h[j].At {
		return h[i].At < h[j].At
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a deadline queue ordered by At. Deadlines with equal At pop in
// scheduling order. It is not safe for concurrent use; the engine's control
// loop is its only user.
type Queue struct {
	h     entryHeap
	index map[Key]*item
	seq   uint64
}

func NewQueue() *Queue {
	return &Queue{index: make(map[Key]*item)}
}

// Schedule sets the deadline for key, replacing any existing one.
func (q *Queue) Schedule(key Key, at time.Duration) {
	q.seq++
	if it, ok := q.index[key]; ok {
		it.At = at
		it.seq = q.seq
		heap.Fix(&q.h, it.index)
		return
	}
	it := &item{Entry: Entry{Key: key, At: at}, seq: q.seq}
	heap.Push(&q.h, it)
	q.index[key] = it
}

// Cancel removes the deadline for key and reports whether one existed.
func (q *Queue) Cancel(key Key) bool {
	it, ok := q.index[key]
	if !ok {
		return false
	}
	heap.Remove(&q.h, it.index)
	delete(q.index, key)
	return true
}

// CancelID removes the deadlines of the given kinds for id. With no kinds
// every deadline for id is removed. It returns how many were removed.
func (q *Queue) CancelID(id uint64, kinds ...Kind) int {
	if len(kinds) == 0 {
		kinds = []Kind{KindBackoff, KindCron, KindKill, KindClockCheck}
	}
	n := 0
	for _, k := range kinds {
		if q.Cancel(Key{Kind: k, ID: id}) {
			n++
		}
	}
	return n
}

// Get returns the deadline for key.
func (q *Queue) Get(key Key) (time.Duration, bool) {
	it, ok := q.index[key]
	if !ok {
		return 0, false
	}
	return it.At, true
}

// Peek returns the earliest deadline without removing it.
func (q *Queue) Peek() (Entry, bool) {
	if len(q.h) == 0 {
		return Entry{}, false
	}
	return q.h[0].Entry, true
}

// PopDue removes and returns every deadline with At <= now, earliest first.
func (q *Queue) PopDue(now time.Duration) []Entry {
	var out []Entry
	for len(q.h) > 0 && q.h[0].At <= now {
		it := heap.Pop(&q.h).(*item)
		delete(q.index, it.Key)
		out = append(out, it.Entry)
	}
	return out
}

// Entries returns a copy of all pending deadlines in no particular order.
func (q *Queue) Entries() []Entry {
	out := make([]Entry, 0, len(q.h))
	for _, it := range q.h {
		out = append(out, it.Entry)
	}
	return out
}

func (q *Queue) Len() int { return len(q.h) }
