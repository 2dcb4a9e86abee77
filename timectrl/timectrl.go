package timectrl

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source behind the viewer's debounce and throttle timers.
// Components depend on this interface rather than on package time so tests
// can drive time explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc calls f in its own goroutine (real clock) or in the caller of
	// Advance (manual clock) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer; false means it already fired or was stopped.
	Stop() bool
}

// Real returns a Clock backed by the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ManualClock is a Clock whose time only moves when Advance or Set is called.
// Due timers fire synchronously, in deadline order, on the advancing goroutine.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	counter uint64

	timers    []*manualTimer // ordered by deadline, then creation
	listeners []func(time.Time)
}

type manualTimer struct {
	clock   *ManualClock
	seq     uint64
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

// NewManualClock constructs a manual clock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock has advanced by d.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++
	t := &manualTimer{clock: c, seq: c.counter, when: c.now.Add(d), f: f}
	idx := sort.Search(len(c.timers), func(i int) bool {
		return c.timers[i].when.After(t.when)
	})
	c.timers = append(c.timers, nil)
	copy(c.timers[idx+1:], c.timers[idx:])
	c.timers[idx] = t
	return t
}

// AddListener registers a callback invoked after every Advance or Set.
func (c *ManualClock) AddListener(fn func(time.Time)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Advance moves time forward by d, firing every timer that becomes due.
func (c *ManualClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// Set moves time to t. Time is monotonic; earlier values are ignored.
func (c *ManualClock) Set(t time.Time) {
	for {
		c.mu.Lock()
		if t.Before(c.now) {
			c.mu.Unlock()
			return
		}
		next := c.popDueLocked(t)
		if next == nil {
			c.now = t
			listeners := append([]func(time.Time){}, c.listeners...)
			c.mu.Unlock()
			for _, fn := range listeners {
				fn(t)
			}
			return
		}
		// Time steps to each deadline so callbacks observe their own firing time.
		c.now = next.when
		c.mu.Unlock()
		next.f()
	}
}

// Pending reports the number of timers that have neither fired nor been stopped.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *ManualClock) popDueLocked(limit time.Time) *manualTimer {
	for len(c.timers) > 0 {
		t := c.timers[0]
		if t.when.After(limit) {
			return nil
		}
		c.timers = c.timers[1:]
		if t.stopped {
			continue
		}
		t.fired = true
		return t
	}
	return nil
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
