package timer

import (
	"testing"
	"time"
)

func TestWheel_NextTimeout_EmptyIsMax(t *testing.T) {
	w := NewWheel(nil)
	if w.NextTimeout() != MaxTimeout {
		t.Fatalf("expected MaxTimeout on empty wheel, got %v", w.NextTimeout())
	}
}

func TestWheel_AddTimer_OrderingAndFire(t *testing.T) {
	now := int64(0)
	w := NewWheel(nil)
	w.clock = func() int64 { return now }

	var order []int
	w.AddTimer(30*time.Millisecond, func() { order = append(order, 3) }, false)
	w.AddTimer(10*time.Millisecond, func() { order = append(order, 1) }, false)
	w.AddTimer(20*time.Millisecond, func() { order = append(order, 2) }, false)

	now = 25
	cbs := w.CollectExpired()
	for _, cb := range cbs {
		cb()
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected [1 2] fired in deadline order, got %v", order)
	}
	if w.NextTimeout() != 5*time.Millisecond {
		t.Fatalf("expected 5ms remaining, got %v", w.NextTimeout())
	}
}

func TestWheel_RecurringReinsertion(t *testing.T) {
	now := int64(0)
	w := NewWheel(nil)
	w.clock = func() int64 { return now }

	count := 0
	w.AddTimer(10*time.Millisecond, func() { count++ }, true)

	for i := 0; i < 3; i++ {
		now += 10
		for _, cb := range w.CollectExpired() {
			cb()
		}
	}
	if count != 3 {
		t.Fatalf("expected 3 fires, got %d", count)
	}
	if !w.HasTimer() {
		t.Fatal("expected recurring timer to remain registered")
	}
}

func TestTimer_CancelPreventsFire(t *testing.T) {
	now := int64(0)
	w := NewWheel(nil)
	w.clock = func() int64 { return now }

	fired := false
	handle := w.AddTimer(10*time.Millisecond, func() { fired = true }, false)
	if !handle.Cancel() {
		t.Fatal("expected Cancel to succeed")
	}
	if handle.Cancel() {
		t.Fatal("expected second Cancel to fail")
	}

	now = 20
	for _, cb := range w.CollectExpired() {
		cb()
	}
	if fired {
		t.Fatal("cancelled timer must not fire")
	}
}

func TestTimer_ResetIdempotentWithoutFromNow(t *testing.T) {
	now := int64(0)
	w := NewWheel(nil)
	w.clock = func() int64 { return now }

	handle := w.AddTimer(100*time.Millisecond, func() {}, false)
	if !handle.Reset(100*time.Millisecond, false) {
		t.Fatal("first reset should succeed")
	}
	if !handle.Reset(100*time.Millisecond, false) {
		t.Fatal("second reset should be idempotent and succeed")
	}
}

func TestWheel_OnEarliestChanged_FiresOnNewHead(t *testing.T) {
	now := int64(0)
	calls := 0
	w := NewWheel(func() { calls++ })
	w.clock = func() int64 { return now }

	w.AddTimer(100*time.Millisecond, func() {}, false)
	if calls != 1 {
		t.Fatalf("expected 1 call after first insert, got %d", calls)
	}
	w.AddTimer(200*time.Millisecond, func() {}, false)
	if calls != 1 {
		t.Fatalf("inserting a later deadline must not notify, got %d calls", calls)
	}
	w.AddTimer(10*time.Millisecond, func() {}, false)
	if calls != 2 {
		t.Fatalf("inserting a new earliest deadline must notify, got %d calls", calls)
	}
}

func TestWheel_ConditionTimer_SkipsWhenNotLive(t *testing.T) {
	now := int64(0)
	w := NewWheel(nil)
	w.clock = func() int64 { return now }

	live := false
	fired := false
	w.AddConditionTimer(10*time.Millisecond, func() { fired = true }, func() bool { return live }, false)

	now = 20
	for _, cb := range w.CollectExpired() {
		cb()
	}
	if fired {
		t.Fatal("condition timer must not fire when witness reports dead")
	}
}

func TestWheel_ClockRollover_FlushesAll(t *testing.T) {
	now := int64(10_000_000)
	w := NewWheel(nil)
	w.clock = func() int64 { return now }
	w.lastSeen = now

	fired := 0
	w.AddTimer(10*time.Millisecond, func() { fired++ }, false)
	w.AddTimer(500*time.Millisecond, func() { fired++ }, false)

	// Simulate a backwards clock jump of more than an hour.
	now = 0
	for _, cb := range w.CollectExpired() {
		cb()
	}
	if fired != 2 {
		t.Fatalf("expected rollover to flush all timers, fired=%d", fired)
	}
	if w.HasTimer() {
		t.Fatal("expected wheel empty after rollover flush of non-recurring timers")
	}
}
