package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := NewFake(start)

	var order []string
	fc.AfterFunc(20*time.Second, func() { order = append(order, "late") })
	fc.AfterFunc(10*time.Second, func() { order = append(order, "early") })

	fc.Advance(15 * time.Second)
	if len(order) != 1 || order[0] != "early" {
		t.Fatalf("expected early only, got %v", order)
	}
	fc.Advance(5 * time.Second)
	if len(order) != 2 || order[1] != "late" {
		t.Fatalf("expected late second, got %v", order)
	}
	if got := fc.Now(); !got.Equal(start.Add(20 * time.Second)) {
		t.Fatalf("unexpected now: %s", got)
	}
}

func TestFakeStoppedTimerDoesNotFire(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	fired := false
	timer := fc.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatalf("expected stop to report active timer")
	}
	if timer.Stop() {
		t.Fatalf("second stop should report inactive")
	}
	fc.Advance(time.Minute)
	if fired {
		t.Fatalf("stopped timer fired")
	}
	if fc.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", fc.Pending())
	}
}

func TestFakeChannelTimerReset(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	timer := fc.NewTimer(5 * time.Second)
	fc.Advance(4 * time.Second)
	timer.Reset(5 * time.Second)
	fc.Advance(4 * time.Second)
	select {
	case <-timer.C:
		t.Fatalf("timer fired before reset deadline")
	default:
	}
	fc.Advance(time.Second)
	select {
	case at := <-timer.C:
		if !at.Equal(time.Unix(9, 0)) {
			t.Fatalf("unexpected fire time: %s", at)
		}
	default:
		t.Fatalf("timer did not fire")
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		fc.WaitForTimers(1)
		close(done)
	}()
	fc.NewTimer(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("WaitForTimers did not return")
	}
}
