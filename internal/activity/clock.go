package activity

import (
	"sync"
	"time"
)

// Clock provides the two time sources compared for sleep detection.
// This interface allows time to be mocked in tests.
type Clock interface {
	// Wall returns the current wall-clock time without a monotonic reading.
	Wall() time.Time
	// Monotonic returns time elapsed on a clock that stops while the system sleeps.
	Monotonic() time.Duration
}

var processStart = time.Now()

// RealClock reads the system clocks. On Linux the Go monotonic reading is
// CLOCK_MONOTONIC, which does not advance during suspend.
type RealClock struct{}

// Wall returns the current system time.
func (RealClock) Wall() time.Time {
	return time.Now().Round(0)
}

// Monotonic returns time since process start on the monotonic clock.
func (RealClock) Monotonic() time.Duration {
	return time.Since(processStart)
}

// ManualClock is a Clock driven by tests.
type ManualClock struct {
	mu   sync.Mutex
	wall time.Time
	mono time.Duration
}

// NewManualClock creates a clock starting at the given wall time.
func NewManualClock(wall time.Time) *ManualClock {
	return &ManualClock{wall: wall.Round(0)}
}

// Wall returns the test wall time.
func (c *ManualClock) Wall() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wall
}

// Monotonic returns the test monotonic reading.
func (c *ManualClock) Monotonic() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono
}

// Advance moves both clocks forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.AdvanceSplit(d, d)
}

// AdvanceSplit moves the wall and monotonic clocks by different amounts,
// as happens across a suspend.
func (c *ManualClock) AdvanceSplit(wall, mono time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wall = c.wall.Add(wall)
	c.mono += mono
}
