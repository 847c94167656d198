package tracking

import "sync/atomic"

// SkipCounter counts change notifications that belong to programmatic
// inserts. Each Arm pays for exactly one skipped notification.
type SkipCounter struct {
	n atomic.Int64
}

// Arm reserves one skip. Call it immediately before the mutation.
func (c *SkipCounter) Arm() {
	c.n.Add(1)
}

// Disarm returns a reservation whose mutation never happened.
func (c *SkipCounter) Disarm() {
	c.Consume()
}

// Consume uses one reservation and reports whether there was one.
func (c *SkipCounter) Consume() bool {
	for {
		cur := c.n.Load()
		if cur <= 0 {
			return false
		}
		if c.n.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Pending returns the number of unused reservations.
func (c *SkipCounter) Pending() int64 {
	return c.n.Load()
}
