// Package sched provides the single-threaded scheduling model the viewer
// engine runs on. All domain, shape and cache state is touched only from
// callbacks delivered by a Scheduler; I/O goroutines hand their results back
// through ScheduleSync.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/traceview/internal/logging"
	"github.com/signalsfoundry/traceview/timectrl"
)

// Scheduler serialises engine callbacks.
type Scheduler interface {
	// Now returns the scheduler's notion of the current time.
	Now() time.Time

	// ScheduleSync queues fn to run on the scheduler's thread as soon as
	// possible, after already-queued callbacks. Safe to call from any goroutine.
	ScheduleSync(fn func())

	// ScheduleSettled queues fn to run on the scheduler's thread once delay has
	// elapsed. The returned Handle cancels it.
	ScheduleSettled(fn func(), delay time.Duration) Handle
}

// Handle is a pending ScheduleSettled callback.
type Handle interface {
	// Cancel prevents the callback from running and reports whether it was
	// still pending.
	Cancel() bool
}

const (
	handlePending int32 = iota
	handleFired
	handleCancelled
)

// handle tracks a delayed callback. The state transition decides the race
// between the timer firing and Cancel, so a callback that was already queued
// on the loop when Cancel ran is still dropped.
type handle struct {
	state atomic.Int32
	timer timectrl.Timer
}

func (h *handle) fire() bool {
	return h.state.CompareAndSwap(handlePending, handleFired)
}

func (h *handle) Cancel() bool {
	if !h.state.CompareAndSwap(handlePending, handleCancelled) {
		return false
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	return true
}

// Loop is the production Scheduler: one goroutine (Run) drains a FIFO queue
// of callbacks; delayed callbacks ride on the clock's timers and re-enter the
// queue when due.
type Loop struct {
	clock timectrl.Clock
	log   logging.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
}

// NewLoop constructs a loop driven by clock (the wall clock when nil).
func NewLoop(clock timectrl.Clock, log logging.Logger) *Loop {
	if clock == nil {
		clock = timectrl.Real()
	}
	return &Loop{
		clock: clock,
		log:   logging.OrNoop(log),
		wake:  make(chan struct{}, 1),
	}
}

// Now returns the current clock time.
func (l *Loop) Now() time.Time { return l.clock.Now() }

// ScheduleSync queues fn. Callbacks queued after Run returned are dropped.
func (l *Loop) ScheduleSync(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// ScheduleSettled queues fn after delay.
func (l *Loop) ScheduleSettled(fn func(), delay time.Duration) Handle {
	h := &handle{}
	h.timer = l.clock.AfterFunc(delay, func() {
		l.ScheduleSync(func() {
			if h.fire() {
				fn()
			}
		})
	})
	return h
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.ScheduleSync(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Debug(ctx, "scheduler loop started")
	defer l.log.Debug(context.Background(), "scheduler loop stopped")

	for {
		if fn := l.pop(); fn != nil {
			fn()
			continue
		}
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.queue = nil
			l.mu.Unlock()
			return nil
		case <-l.wake:
		}
	}
}

func (l *Loop) pop() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}
