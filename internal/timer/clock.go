package timer

import (
	"sync"
	"time"
)

// Clock supplies wall time for calendar arithmetic and a monotonic offset
// for deadlines.
type Clock interface {
	Now() time.Time
	Elapsed() time.Duration
}

// SystemClock reads the host clocks. Elapsed is measured on Go's monotonic
// clock from the moment the SystemClock was created.
type SystemClock struct {
	origin time.Time
}

func NewSystemClock() *SystemClock { return &SystemClock{origin: time.Now()} }

func (c *SystemClock) Now() time.Time { return time.Now().Round(0) }

func (c *SystemClock) Elapsed() time.Duration { return time.Since(c.origin) }

// ManualClock is a Clock moved only by its caller. Advance moves both
// readings; Jump moves only the wall reading, like an NTP step.
type ManualClock struct {
	mu      sync.Mutex
	wall    time.Time
	elapsed time.Duration
}

func NewManualClock(wall time.Time) *ManualClock {
	return &ManualClock{wall: wall}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wall
}

func (c *ManualClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.wall = c.wall.Add(d)
	c.elapsed += d
	c.mu.Unlock()
}

func (c *ManualClock) Jump(d time.Duration) {
	c.mu.Lock()
	c.wall = c.wall.Add(d)
	c.mu.Unlock()
}
