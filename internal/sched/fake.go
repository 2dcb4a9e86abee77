package sched

import (
	"sync"
	"time"

	"github.com/signalsfoundry/traceview/timectrl"
)

// Fake is a deterministic Scheduler for tests. Nothing runs until the test
// calls RunPending or Advance, and everything runs on the calling goroutine.
//
// ScheduleSync is safe from other goroutines, so fetch goroutines started by
// the engine can post results that the test then drains with RunPending.
type Fake struct {
	clock *timectrl.ManualClock

	mu    sync.Mutex
	queue []func()
}

// NewFake creates a fake scheduler whose clock starts at start.
func NewFake(start time.Time) *Fake {
	return &Fake{clock: timectrl.NewManualClock(start)}
}

// Clock exposes the underlying manual clock.
func (f *Fake) Clock() *timectrl.ManualClock { return f.clock }

// Now returns the fake time.
func (f *Fake) Now() time.Time { return f.clock.Now() }

// ScheduleSync queues fn until the next RunPending or Advance.
func (f *Fake) ScheduleSync(fn func()) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	f.queue = append(f.queue, fn)
	f.mu.Unlock()
}

// ScheduleSettled runs fn when the fake clock passes now+delay. Callbacks
// queued by fn are drained before any later timer fires.
func (f *Fake) ScheduleSettled(fn func(), delay time.Duration) Handle {
	h := &handle{}
	h.timer = f.clock.AfterFunc(delay, func() {
		if h.fire() {
			fn()
		}
		f.RunPending()
	})
	return h
}

// RunPending runs queued callbacks, including ones they queue, until the
// queue is empty. It returns how many ran.
func (f *Fake) RunPending() int {
	ran := 0
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			return ran
		}
		fn := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()

		fn()
		ran++
	}
}

// Queued reports how many callbacks are waiting.
func (f *Fake) Queued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Advance drains the queue, moves time forward by d firing due timers in
// order, then drains again.
func (f *Fake) Advance(d time.Duration) {
	f.RunPending()
	f.clock.Advance(d)
	f.RunPending()
}
