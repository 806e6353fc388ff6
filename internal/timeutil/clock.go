// Package timeutil lets frame timestamps, calibration delays and store rows
// be driven by a fake clock in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the source of wall time for everything that stamps or ages frames.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// MockClock only moves when Set or Advance is called. Safe for concurrent use.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

// Set jumps to t, which may be earlier than the current time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// MillisSince returns the age of t in fractional milliseconds, the unit the
// robot expects for frame timestamps.
func MillisSince(c Clock, t time.Time) float64 {
	return float64(c.Since(t)) / float64(time.Millisecond)
}
