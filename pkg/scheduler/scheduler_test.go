package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fiberrt/fiberrt/pkg/fiber"
)

func TestScheduler_HelloCallable(t *testing.T) {
	var mu sync.Mutex
	var logged []string

	s := New(1, false, "hello")
	s.Start()
	s.Schedule(func(ctx context.Context) {
		mu.Lock()
		logged = append(logged, "hello")
		mu.Unlock()
	}, -1)
	s.Stop()

	if len(logged) != 1 || logged[0] != "hello" {
		t.Fatalf("expected exactly one \"hello\", got %v", logged)
	}
}

func TestScheduler_CallerIncluded(t *testing.T) {
	var ran atomic.Bool
	s := New(1, true, "caller")
	s.Start()
	s.Schedule(func(ctx context.Context) { ran.Store(true) }, -1)
	s.Stop()

	if !ran.Load() {
		t.Fatal("expected callable to run under caller-included scheduler")
	}
}

func TestScheduler_ScheduleBulkIsContiguous(t *testing.T) {
	var mu sync.Mutex
	var order []int

	s := New(1, false, "bulk")
	s.Start()

	items := make([]ScheduleItem, 0, 5)
	for i := 0; i < 5; i++ {
		i := i
		items = append(items, ScheduleItem{
			Work: func(ctx context.Context) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			},
			ThreadID: -1,
		})
	}
	s.ScheduleBulk(items)
	s.Stop()

	if len(order) != 5 {
		t.Fatalf("expected 5 callables to run, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected submission order preserved, got %v", order)
		}
	}
}

func TestScheduler_GracefulShutdownDrainsPendingWork(t *testing.T) {
	var count atomic.Int64
	s := New(4, true, "drain")
	s.Start()

	for i := 0; i < 200; i++ {
		s.Schedule(func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			count.Add(1)
		}, -1)
	}
	s.Stop()

	if count.Load() != 200 {
		t.Fatalf("expected all 200 callables to complete before Stop returned, got %d", count.Load())
	}
}

// TestScheduler_CallableWrapperNotReusedWhileSuspended exercises the
// callable-wrapper path that scenario 6 relies on: plain func(context.Context)
// entries submitted via Schedule, one of which suspends (HOLD) instead of
// returning, on a single-worker scheduler so the next callable is forced
// to reuse the worker's cbFiber wrapper. Before the wrapper was dropped on
// HOLD, this panicked inside Fiber.Reset.
func TestScheduler_CallableWrapperNotReusedWhileSuspended(t *testing.T) {
	s := New(1, false, "callable-wrapper")
	s.Start()

	suspended := make(chan *fiber.Fiber, 1)
	resumed := make(chan struct{})
	s.Schedule(func(ctx context.Context) {
		suspended <- fiber.Current(ctx)
		fiber.YieldToHold(ctx)
		close(resumed)
	}, -1)

	var f *fiber.Fiber
	select {
	case f = <-suspended:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first callable to suspend")
	}

	var secondRan atomic.Bool
	done := make(chan struct{})
	s.Schedule(func(ctx context.Context) {
		secondRan.Store(true)
		close(done)
	}, -1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second callable to run while the first is suspended")
	}
	if !secondRan.Load() {
		t.Fatal("expected second callable to run without panicking")
	}

	s.Schedule(f, -1)
	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for suspended callable to resume and finish")
	}

	s.Stop()
}

func TestScheduler_FiberYieldReadyGetsReenqueued(t *testing.T) {
	var mu sync.Mutex
	var runs int
	done := make(chan struct{})

	s := New(1, false, "reenqueue")
	s.Start()

	f := fiber.New(func(ctx context.Context) {
		mu.Lock()
		runs++
		first := runs == 1
		mu.Unlock()
		if first {
			fiber.YieldToReady(ctx)
			return
		}
		close(done)
	}, 0)

	s.Schedule(f, -1)
	<-done
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if runs != 2 {
		t.Fatalf("expected body to observe 2 passes via re-queue, got %d", runs)
	}
}
