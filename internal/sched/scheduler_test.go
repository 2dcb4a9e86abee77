package sched

import (
	"context"
	"testing"
	"time"

	"github.com/signalsfoundry/traceview/timectrl"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_ScheduleSyncRunsInOrder(t *testing.T) {
	f := NewFake(epoch)

	var order []int
	f.ScheduleSync(func() {
		order = append(order, 1)
		f.ScheduleSync(func() { order = append(order, 3) })
	})
	f.ScheduleSync(func() { order = append(order, 2) })

	if len(order) != 0 {
		t.Fatalf("callbacks ran before RunPending: %v", order)
	}
	if ran := f.RunPending(); ran != 3 {
		t.Fatalf("RunPending ran %d callbacks, want 3", ran)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order = %v, want [1 2 3]", order)
	}
}

func TestFake_SettledRunsAfterDelayAndDrainsQueue(t *testing.T) {
	f := NewFake(epoch)

	var order []string
	f.ScheduleSettled(func() {
		order = append(order, "settled")
		f.ScheduleSync(func() { order = append(order, "follow-up") })
	}, 50*time.Millisecond)
	f.ScheduleSettled(func() { order = append(order, "later") }, 80*time.Millisecond)

	f.Advance(49 * time.Millisecond)
	if len(order) != 0 {
		t.Fatalf("settled callback ran early: %v", order)
	}
	f.Advance(40 * time.Millisecond)
	want := []string{"settled", "follow-up", "later"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestFake_CancelSettled(t *testing.T) {
	f := NewFake(epoch)
	ran := false
	h := f.ScheduleSettled(func() { ran = true }, time.Second)

	if !h.Cancel() {
		t.Fatalf("Cancel() = false for pending handle")
	}
	if h.Cancel() {
		t.Fatalf("second Cancel() = true")
	}
	f.Advance(2 * time.Second)
	if ran {
		t.Fatalf("cancelled callback ran")
	}
}

func TestLoop_RunsQueuedAndDelayedCallbacks(t *testing.T) {
	clock := timectrl.NewManualClock(epoch)
	loop := NewLoop(clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	results := make(chan string, 4)
	loop.ScheduleSync(func() { results <- "sync" })
	if got := <-results; got != "sync" {
		t.Fatalf("got %q, want sync", got)
	}

	var h Handle
	if err := loop.Call(ctx, func() {
		h = loop.ScheduleSettled(func() { results <- "settled" }, 10*time.Millisecond)
	}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if h == nil {
		t.Fatalf("ScheduleSettled returned nil handle")
	}

	clock.Advance(10 * time.Millisecond)
	select {
	case got := <-results:
		if got != "settled" {
			t.Fatalf("got %q, want settled", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("settled callback did not run")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestLoop_CancelAfterTimerFiredDropsCallback(t *testing.T) {
	clock := timectrl.NewManualClock(epoch)
	loop := NewLoop(clock, nil)

	ran := false
	h := loop.ScheduleSettled(func() { ran = true }, time.Millisecond)
	// The timer fires and queues the callback, but the loop has not run it yet.
	clock.Advance(time.Millisecond)
	if !h.Cancel() {
		t.Fatalf("Cancel() = false before the queued callback ran")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	if err := loop.Call(ctx, func() {}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	cancel()
	if ran {
		t.Fatalf("callback ran after Cancel")
	}
}
