package markprice

import (
	"sync"
	"time"
)

// Clock is the only time source a Cache consults. Live services use WallClock;
// replay and tests drive a SimulatedClock.
type Clock interface {
	Now() time.Time
}

// WallClock reads the process clock.
type WallClock struct{}

func (WallClock) Now() time.Time {
	return time.Now()
}

// SimulatedClock is an externally advanced clock. Safe for concurrent use.
type SimulatedClock struct {
	mu  sync.RWMutex
	now time.Time
}

func NewSimulatedClock(start time.Time) *SimulatedClock {
	return &SimulatedClock{now: start}
}

func (c *SimulatedClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t. Replays may move it in either direction.
func (c *SimulatedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (c *SimulatedClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
