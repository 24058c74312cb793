package ids

import "sync"

// Clock is a replica's logical clock. A timestamp it emits is strictly
// greater than any it previously emitted, and observing an inbound
// timestamp T advances the clock to max(clock, T)+1.
//
// Grounded on syncbase's reserveGenAndPosInDbLog (vsync/sync_state.go),
// which reserves generation numbers under a dedicated lock; here
// generalized from a per-database uint64 counter to one per-replica
// LogicalTimestamp.
type Clock struct {
	mu   sync.Mutex
	last LogicalTimestamp
}

// NewClock creates a clock reloaded from the given floor value, e.g. the
// max OperationId timestamp observed in durable state at startup (spec.md
// §3 "Replica" lifecycle: "clock monotonically reloaded on restart from
// the max observed OperationId +1").
func NewClock(floor LogicalTimestamp) *Clock {
	return &Clock{last: floor}
}

// Tick reserves and returns the next timestamp for a locally originated
// operation, leaving the clock one past it.
func (c *Clock) Tick() LogicalTimestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last++
	ts := c.last
	c.last++
	return ts
}

// Observe advances the clock upon receiving an inbound operation stamped
// with timestamp t, so a later local Tick always exceeds it.
func (c *Clock) Observe(t LogicalTimestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t >= c.last {
		c.last = t + 1
	}
}

// Current returns the clock's value without advancing it: strictly
// greater than every timestamp emitted or observed so far.
func (c *Clock) Current() LogicalTimestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
