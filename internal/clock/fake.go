package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance, in deadline order, on the caller's
// goroutine. Callbacks must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	fn       func()
	active   bool
}

// Fake returns a FakeClock starting at start.
func Fake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	t := &fakeTimer{deadline: c.now.Add(d), fn: f, active: true}
	c.pending = append(c.pending, t)
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			was := t.active
			t.active = false
			c.prune()
			return was
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			was := t.active
			t.deadline = c.now.Add(d)
			if !was {
				t.active = true
				c.pending = append(c.pending, t)
			}
			return was
		},
	}
}

// Advance moves the clock forward and fires every timer whose deadline
// has been reached. Timers armed by a callback fire too if they fall
// inside the advanced window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.pending {
			if t.active && !t.deadline.After(target) {
				t.active = false
				due = append(due, t)
			}
		}
		c.prune()
		c.mu.Unlock()

		if len(due) == 0 {
			return
		}
		sort.SliceStable(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, t := range due {
			t.fn()
		}
	}
}

// Pending returns the number of armed timers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, t := range c.pending {
		if t.active {
			count++
		}
	}
	return count
}

// prune drops inactive timers. Caller holds c.mu.
func (c *FakeClock) prune() {
	kept := c.pending[:0]
	for _, t := range c.pending {
		if t.active {
			kept = append(kept, t)
		}
	}
	c.pending = kept
}
