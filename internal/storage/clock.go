package storage

import (
	"sync/atomic"
	"time"
)

// Timestamper assigns last-write times.
//
// Implementations must return strictly increasing values; backends rely on
// it so that (lwt, id) is a total order consistent with commit order.
type Timestamper interface {
	Now() int64
}

// Clock is a monotonic microsecond clock.
//
// Now follows wall time but never returns the same value twice and never goes
// backwards, even when the wall clock does.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	last atomic.Int64
	wall func() time.Time
}

// NewClock creates a clock driven by time.Now.
func NewClock() *Clock {
	return &Clock{wall: time.Now}
}

// Now returns the next timestamp in microseconds.
func (c *Clock) Now() int64 {
	for {
		last := c.last.Load()
		next := max(c.wall().UnixMicro(), last+1)
		if c.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Observe moves the clock forward so later calls to Now return values above
// ts. Values at or below the current position are ignored.
func (c *Clock) Observe(ts int64) {
	for {
		last := c.last.Load()
		if ts <= last || c.last.CompareAndSwap(last, ts) {
			return
		}
	}
}

var processClock = NewClock()

// ProcessClock returns the clock shared by every backend in this process.
// Sharing it keeps lwt values unique across instances.
func ProcessClock() *Clock {
	return processClock
}
