// Package revclock implements the Coordination Core's monotonic revision counter.
package revclock

import "sync"

// Clock hands out strictly increasing int64 revisions. The zero value is ready to use;
// the first call to Next returns 1, so 0 is a safe "nothing observed yet" sentinel.
type Clock struct {
	mu   sync.Mutex
	last int64
}

// Next acquires and returns the next revision. No two calls ever return the same value.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last++
	return c.last
}

// Current returns the most recently handed-out revision without advancing the clock.
func (c *Clock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
