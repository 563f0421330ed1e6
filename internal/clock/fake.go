package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance or Set is called. AfterFunc callbacks
// run synchronously inside Advance, in deadline order, on the caller's
// goroutine. Do not call Advance from within a callback.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	pending []*fakeCall
}

type fakeCall struct {
	deadline time.Time
	f        func()
	done     bool
}

// Fake returns a FakeClock frozen at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers f. With d <= 0 it runs f before returning.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	call := &fakeCall{deadline: c.current.Add(d), f: f}
	c.pending = append(c.pending, call)
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if call.done {
			return false
		}
		call.done = true
		return true
	}}
}

// Advance moves the clock forward by d and runs every call that became due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()
	c.Set(target)
}

// Set moves the clock to t. Moving backwards never fires anything.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	var due, remaining []*fakeCall
	for _, call := range c.pending {
		switch {
		case call.done:
		case !call.deadline.After(t):
			call.done = true
			due = append(due, call)
		default:
			remaining = append(remaining, call)
		}
	}
	c.pending = remaining
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, call := range due {
		call.f()
	}
}

// Pending returns the number of calls still waiting to run.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, call := range c.pending {
		if !call.done {
			count++
		}
	}
	return count
}
