package nanny

import (
	"sort"
	"sync"
	"time"
)

// Clock is a monotonic time source and one-shot timer factory. The core
// state machines never call time.Now/time.AfterFunc directly so that tests
// can drive lifecycle transitions (grace-window expiry, restart delay)
// deterministically instead of racing real sleeps.
type Clock interface {
	Now() time.Time
	// AfterFunc arms a one-shot timer that invokes f after d elapses. The
	// returned Timer can be stopped before it fires.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot timer armed by a Clock.
type Timer interface {
	// Stop prevents the timer from firing. It returns true if the call
	// stops the timer, false if the timer has already fired or been
	// stopped.
	Stop() bool
}

// systemClock backs Clock with the real wall clock and time.AfterFunc.
type systemClock struct{}

// NewSystemClock returns the production Clock implementation.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool { return r.t.Stop() }

// FakeClock is a manually-advanced Clock for deterministic tests. Armed
// timers fire synchronously, on the goroutine that calls Advance, once
// their deadline is reached or passed.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

// NewFakeClock returns a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{deadline: c.now.Add(d), f: f}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves the clock forward by d, firing (in deadline order) every
// timer whose deadline has now been reached and that has not been
// stopped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now

	var due []*fakeTimer
	remaining := c.pending[:0]
	for _, t := range c.pending {
		t.mu.Lock()
		fire := !t.stopped && !t.fired && !now.Before(t.deadline)
		if fire {
			t.fired = true
		}
		t.mu.Unlock()
		if fire {
			due = append(due, t)
		} else if !t.stopped && !t.fired {
			remaining = append(remaining, t)
		}
	}
	c.pending = remaining
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.f()
	}
}

type fakeTimer struct {
	mu       sync.Mutex
	deadline time.Time
	fired    bool
	stopped  bool
	f        func()
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
