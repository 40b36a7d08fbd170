package sim

import "sync/atomic"

// Clock is a step clock: every read advances time by one tick, so any
// polling loop against it terminates after a bounded number of
// iterations regardless of host speed.
type Clock struct {
	ticks atomic.Uint64
}

// NewClock returns a clock at tick 0.
func NewClock() *Clock {
	return &Clock{}
}

// Ticks advances the clock by one tick and returns the new value.
func (c *Clock) Ticks() uint64 {
	return c.ticks.Add(1)
}

// Advance moves the clock forward n ticks.
func (c *Clock) Advance(n uint64) {
	c.ticks.Add(n)
}

// Now returns the current tick without advancing.
func (c *Clock) Now() uint64 {
	return c.ticks.Load()
}
