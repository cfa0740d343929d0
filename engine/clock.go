// Package engine wires the trading pipeline together: the clock, the
// priority scheduler and the single-threaded decision loop that consumes
// ticks and drives the monitors.
package engine

import (
	"sync"
	"time"
)

// Clock abstracts engine time. The simulated clock is driven by tick
// timestamps so replays are fully deterministic.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// RealClock reads the wall clock in a fixed broker-local location.
type RealClock struct {
	Loc *time.Location
}

func (c RealClock) Now() time.Time {
	return time.Now().In(c.location())
}

func (c RealClock) Location() *time.Location { return c.location() }

func (c RealClock) location() *time.Location {
	if c.Loc == nil {
		return time.UTC
	}
	return c.Loc
}

// SimClock advances monotonically to the highest observed instant.
type SimClock struct {
	mu  sync.Mutex
	t   time.Time
	loc *time.Location
}

func NewSimClock(start time.Time, loc *time.Location) *SimClock {
	if loc == nil {
		loc = time.UTC
	}
	return &SimClock{t: start, loc: loc}
}

// Advance moves the clock forward; earlier instants are ignored.
func (c *SimClock) Advance(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.t) {
		c.t = t
	}
}

func (c *SimClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t.In(c.loc)
}

func (c *SimClock) Location() *time.Location { return c.loc }
