// Package counters provides a strict monotonic counter for the epoch value,
// so validators get a fast monotonic read without blocking on the state lock.
package counters

import "go.uber.org/atomic"

// StrictMonotonicCounter is a lock-free counter that only ever increases.
type StrictMonotonicCounter struct {
	value atomic.Uint32
}

// NewStrictMonotonicCounter creates a counter with the given initial value.
func NewStrictMonotonicCounter(initial uint32) *StrictMonotonicCounter {
	c := &StrictMonotonicCounter{}
	c.value.Store(initial)
	return c
}

// Set updates the counter if and only if the new value strictly exceeds the
// current one. Returns false, leaving the counter unchanged, otherwise.
func (c *StrictMonotonicCounter) Set(v uint32) bool {
	for {
		cur := c.value.Load()
		if v <= cur {
			return false
		}
		if c.value.CompareAndSwap(cur, v) {
			return true
		}
	}
}

// Value returns the current counter value.
func (c *StrictMonotonicCounter) Value() uint32 {
	return c.value.Load()
}
