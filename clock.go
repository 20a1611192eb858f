package durable

import (
	"sync"
	"time"
)

// clock hands out strictly increasing UTC timestamps so that timestamps
// recorded in sequence always order correctly, even when the wall clock has
// coarse resolution or steps backwards.
type clock struct {
	mutex sync.Mutex
	now   func() time.Time
	last  time.Time
}

func newClock(now func() time.Time) *clock {
	if now == nil {
		now = time.Now
	}
	return &clock{now: now}
}

func (c *clock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	t := c.now().UTC().Round(0)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
