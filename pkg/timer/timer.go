// Package timer implements TimerWheel: an ordered set of deadline-bearing
// callbacks, used by the reactor to bound its epoll wait and fire expired
// callbacks without a dedicated clock thread.
package timer

import (
	"container/heap"
	"math"
	"sync"
	"time"
)

// rolloverThreshold matches the one-hour backwards-jump heuristic from the
// original clock-rollover check; kept here only so the invariant described
// in the rollover policy remains testable via an injected clock, since the
// default clock below is monotonic and should never trigger it.
const rolloverThreshold = int64(60 * 60 * 1000)

var processEpoch = time.Now()

func defaultClock() int64 {
	return time.Since(processEpoch).Milliseconds()
}

// Timer is a single deadline-bearing callback registered with a Wheel.
type Timer struct {
	deadline  int64 // ms since the Wheel's clock epoch
	period    int64 // ms
	recurring bool
	cb        func()
	seq       uint64
	index     int // position in the wheel's heap; -1 when not registered
	wheel     *Wheel
}

// Cancel drops the timer and releases its callback. Returns false if the
// timer had already fired or been cancelled.
func (t *Timer) Cancel() bool {
	w := t.wheel
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	heap.Remove(&w.items, t.index)
	t.cb = nil
	return true
}

// Refresh rebases the timer's deadline to now + period. Valid only for
// timers still registered (not yet fired, not cancelled).
func (t *Timer) Refresh() bool {
	w := t.wheel
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	heap.Remove(&w.items, t.index)
	t.deadline = w.clock() + t.period
	heap.Push(&w.items, t)
	return true
}

// Reset removes the timer, updates its period, and re-inserts it. If
// fromNow is true the new deadline is now + newPeriod; otherwise it
// preserves the timer's original phase (deadline - old period + newPeriod).
func (t *Timer) Reset(newPeriod time.Duration, fromNow bool) bool {
	ms := newPeriod.Milliseconds()
	w := t.wheel

	w.mu.Lock()
	if ms == t.period && !fromNow {
		w.mu.Unlock()
		return true
	}
	if t.cb == nil || t.index < 0 {
		w.mu.Unlock()
		return false
	}
	heap.Remove(&w.items, t.index)
	var start int64
	if fromNow {
		start = w.clock()
	} else {
		start = t.deadline - t.period
	}
	t.period = ms
	t.deadline = start + ms
	heap.Push(&w.items, t)
	atFront := w.items[0] == t
	w.mu.Unlock()

	if atFront {
		w.notifyEarliestChanged()
	}
	return true
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Wheel is an ordered set of timers, offering the next wait duration and
// the set of expired callbacks.
type Wheel struct {
	mu       sync.RWMutex
	items    timerHeap
	seq      uint64
	lastSeen int64

	clock             func() int64
	onEarliestChanged func()
}

// NewWheel constructs an empty Wheel. onEarliestChanged, if non-nil, is
// invoked whenever an insertion or reset places a timer at the head of the
// ordered set, so a blocking wait elsewhere can be shortened; the Reactor
// uses it to wake its epoll wait.
func NewWheel(onEarliestChanged func()) *Wheel {
	w := &Wheel{
		clock:             defaultClock,
		onEarliestChanged: onEarliestChanged,
	}
	heap.Init(&w.items)
	w.lastSeen = w.clock()
	return w
}

func (w *Wheel) notifyEarliestChanged() {
	if w.onEarliestChanged != nil {
		w.onEarliestChanged()
	}
}

// AddTimer registers cb to fire after period elapses (and, if recurring,
// every period thereafter).
func (w *Wheel) AddTimer(period time.Duration, cb func(), recurring bool) *Timer {
	t := &Timer{
		period:    period.Milliseconds(),
		recurring: recurring,
		cb:        cb,
		wheel:     w,
	}

	w.mu.Lock()
	t.deadline = w.clock() + t.period
	w.seq++
	t.seq = w.seq
	heap.Push(&w.items, t)
	atFront := w.items[0] == t
	w.mu.Unlock()

	if atFront {
		w.notifyEarliestChanged()
	}
	return t
}

// AddConditionTimer only fires cb if live still reports true at fire time.
// live is the Go substitute for the original's weak_ptr liveness check: the
// caller supplies whatever liveness test fits (an atomic flag, a context's
// Done(), or similar), and the Wheel never holds a strong reference to the
// watched object. A nil live behaves like AddTimer.
func (w *Wheel) AddConditionTimer(period time.Duration, cb func(), live func() bool, recurring bool) *Timer {
	wrapped := func() {
		if live == nil || live() {
			cb()
		}
	}
	return w.AddTimer(period, wrapped, recurring)
}

// MaxTimeout is returned by NextTimeout when the wheel holds no timers —
// the saturating-max wait duration.
const MaxTimeout = time.Duration(math.MaxInt64)

// NextTimeout returns the duration until the earliest deadline, 0 if
// already due, or MaxTimeout if the wheel is empty.
func (w *Wheel) NextTimeout() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.items) == 0 {
		return MaxTimeout
	}
	now := w.clock()
	next := w.items[0].deadline
	if now >= next {
		return 0
	}
	return time.Duration(next-now) * time.Millisecond
}

// HasTimer reports whether any timer is currently registered.
func (w *Wheel) HasTimer() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.items) > 0
}

// CollectExpired dequeues all timers whose deadline is <= now and returns
// their callbacks; recurring timers are re-inserted with deadline =
// now + period, non-recurring ones have their callback released.
func (w *Wheel) CollectExpired() []func() {
	now := w.clock()

	w.mu.RLock()
	empty := len(w.items) == 0
	w.mu.RUnlock()
	if empty {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	rollover := w.detectClockRollover(now)
	if !rollover && len(w.items) > 0 && w.items[0].deadline > now {
		return nil
	}

	var expired []*Timer
	if rollover {
		for len(w.items) > 0 {
			expired = append(expired, heap.Pop(&w.items).(*Timer))
		}
	} else {
		for len(w.items) > 0 && w.items[0].deadline <= now {
			expired = append(expired, heap.Pop(&w.items).(*Timer))
		}
	}

	cbs := make([]func(), 0, len(expired))
	for _, t := range expired {
		cbs = append(cbs, t.cb)
		if t.recurring && t.cb != nil {
			t.deadline = now + t.period
			heap.Push(&w.items, t)
		} else {
			t.cb = nil
		}
	}
	return cbs
}

// detectClockRollover reports whether now looks like a backwards clock
// jump relative to the last observed time, per the original's pragmatic
// (not strictly monotonic) heuristic. w.mu must be held for writing.
func (w *Wheel) detectClockRollover(now int64) bool {
	rollover := now < w.lastSeen && now < w.lastSeen-rolloverThreshold
	w.lastSeen = now
	return rollover
}
