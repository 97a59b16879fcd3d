// Package clock provides the millisecond time source used for session
// activity tracking.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns a monotonic timestamp in milliseconds.
type Clock interface {
	NowMillis() int64
}

// System counts milliseconds since it was created using the runtime's
// monotonic clock, so wall clock adjustments never trip a timeout.
type System struct {
	start time.Time
}

func NewSystem() *System {
	return &System{start: time.Now()}
}

func (s *System) NowMillis() int64 {
	return time.Since(s.start).Milliseconds()
}

// Manual is a clock that only moves when told to.
type Manual struct {
	now atomic.Int64
}

func NewManual(start int64) *Manual {
	m := &Manual{}
	m.now.Store(start)
	return m
}

func (m *Manual) NowMillis() int64 { return m.now.Load() }

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) int64 {
	return m.now.Add(d.Milliseconds())
}

func (m *Manual) Set(ms int64) { m.now.Store(ms) }
