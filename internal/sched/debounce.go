package sched

import (
	"time"

	"golang.org/x/time/rate"
)

// Debouncer collapses bursts of Trigger calls into one trailing-edge call of
// fn, delivered once delay passes with no further Trigger. It must be used
// from the scheduler's thread.
type Debouncer struct {
	s       Scheduler
	delay   time.Duration
	fn      func()
	pending Handle
}

// NewDebouncer builds a trailing-edge debouncer on s.
func NewDebouncer(s Scheduler, delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{s: s, delay: delay, fn: fn}
}

// Trigger (re)starts the quiet window.
func (d *Debouncer) Trigger() {
	if d.pending != nil {
		d.pending.Cancel()
	}
	d.pending = d.s.ScheduleSettled(func() {
		d.pending = nil
		d.fn()
	}, d.delay)
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool { return d.pending != nil }

// Cancel drops any scheduled call.
func (d *Debouncer) Cancel() {
	if d.pending != nil {
		d.pending.Cancel()
		d.pending = nil
	}
}

// Flush runs a scheduled call immediately.
func (d *Debouncer) Flush() {
	if d.pending == nil {
		return
	}
	d.Cancel()
	d.fn()
}

// Throttler runs fn at most once per interval. A Trigger inside the interval
// schedules a single trailing call at the end of it; further Triggers are
// absorbed by that call. It must be used from the scheduler's thread.
type Throttler struct {
	s        Scheduler
	limiter  *rate.Limiter
	fn       func()
	trailing Handle
	reserved *rate.Reservation
}

// NewThrottler builds a throttler on s. The limiter is fed scheduler time so
// fake schedulers control it fully.
func NewThrottler(s Scheduler, interval time.Duration, fn func()) *Throttler {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttler{s: s, limiter: rate.NewLimiter(limit, 1), fn: fn}
}

// Trigger requests a call of fn.
func (t *Throttler) Trigger() {
	if t.trailing != nil {
		return
	}
	now := t.s.Now()
	r := t.limiter.ReserveN(now, 1)
	if !r.OK() {
		return
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		t.fn()
		return
	}
	t.reserved = r
	t.trailing = t.s.ScheduleSettled(func() {
		t.trailing = nil
		t.reserved = nil
		t.fn()
	}, delay)
}

// Pending reports whether a trailing call is scheduled.
func (t *Throttler) Pending() bool { return t.trailing != nil }

// Cancel drops a scheduled trailing call and returns its token to the limiter.
func (t *Throttler) Cancel() {
	if t.trailing == nil {
		return
	}
	t.trailing.Cancel()
	t.reserved.CancelAt(t.s.Now())
	t.trailing = nil
	t.reserved = nil
}
