// Package scheduler implements the M:N scheduler: a FIFO work queue of
// fibers and callables dispatched across a small pool of worker
// goroutines, each running a per-worker dispatch loop.
//
// Go has no classical inheritance, so the "virtual" Tickle/Idle/Stopping
// hooks the original scheduler exposes for subclassing are modeled as an
// explicit Extension interface field, defaulted to the Scheduler itself
// and overridden by composing types (the Reactor) at construction time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/fiberrt/fiberrt/internal/logging"
	"github.com/fiberrt/fiberrt/pkg/fiber"
)

// Extension supplies the overridable parts of the worker loop. Scheduler
// implements it for itself by default; Reactor implements its own version
// and installs it via SetExtension.
type Extension interface {
	// Tickle wakes up a worker blocked waiting for work. The base
	// implementation only logs; the Reactor writes to its self-pipe.
	Tickle()
	// Idle runs while a worker has no ready work. The base implementation
	// busy-yields until Stopping(); the Reactor polls epoll here.
	Idle(ctx context.Context)
	// Stopping reports whether the scheduler (and anything layered on top
	// of it) has fully drained and may exit its worker loops.
	Stopping() bool
}

// entry is a FiberAndThread queue record: either a fiber or a bare
// callable, plus an optional worker-affinity id (-1 means "any").
type entry struct {
	fb       *fiber.Fiber
	cb       func(context.Context)
	threadID int
}

// ScheduleItem is one work submission: Work is either a *fiber.Fiber or a
// func(context.Context); ThreadID pins it to a specific worker id, or -1
// for any worker.
type ScheduleItem struct {
	Work     any
	ThreadID int
}

// Scheduler dispatches ready fibers and callables across a pool of worker
// goroutines.
type Scheduler struct {
	name          string
	workerCount   int
	includeCaller bool

	mu    sync.Mutex
	queue []entry

	activeWorkers atomic.Int32
	idleWorkers   atomic.Int32

	autoStop atomic.Bool
	stopping atomic.Bool // also doubles as "not yet started"

	ext   Extension
	group *errgroup.Group

	log *logging.Logger
}

// New constructs an idle scheduler with the given worker count, optional
// caller-included mode, and a diagnostic name.
func New(workerCount int, includeCaller bool, name string) *Scheduler {
	if workerCount <= 0 {
		panic("scheduler: workerCount must be > 0")
	}
	s := &Scheduler{
		name:          name,
		workerCount:   workerCount,
		includeCaller: includeCaller,
		log:           logging.New("scheduler:" + name),
	}
	s.ext = s
	s.stopping.Store(true)
	return s
}

// SetExtension installs ext as the provider of Tickle/Idle/Stopping,
// overriding the Scheduler's own default implementations. Composing types
// (the Reactor) call this during their own construction.
func (s *Scheduler) SetExtension(ext Extension) { s.ext = ext }

// Extension returns the currently installed Extension, so composing
// packages can recover their own type from a ctx-bound *Scheduler (see
// reactor.Current).
func (s *Scheduler) Extension() Extension { return s.ext }

func (s *Scheduler) Name() string         { return s.name }
func (s *Scheduler) WorkerCount() int     { return s.workerCount }
func (s *Scheduler) IncludeCaller() bool  { return s.includeCaller }
func (s *Scheduler) ActiveWorkers() int32 { return s.activeWorkers.Load() }
func (s *Scheduler) IdleWorkers() int32   { return s.idleWorkers.Load() }
func (s *Scheduler) IsRunning() bool      { return !s.stopping.Load() }

// QueueLen returns the current queue depth, for diagnostics.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

type schedCtxKey struct{}

func withScheduler(ctx context.Context, s *Scheduler) context.Context {
	return context.WithValue(ctx, schedCtxKey{}, s)
}

// Current returns the scheduler bound to ctx, or nil outside a worker.
func Current(ctx context.Context) *Scheduler {
	s, _ := ctx.Value(schedCtxKey{}).(*Scheduler)
	return s
}

// DispatchFiber identifies the per-worker dispatch fiber: the worker
// goroutine itself, which owns the worker's native stack and hosts the
// scheduler loop. User fibers always yield back to this, never to another
// user fiber directly.
type DispatchFiber struct {
	WorkerID      int
	SchedulerName string
}

type dispatchCtxKey struct{}

func withDispatch(ctx context.Context, d *DispatchFiber) context.Context {
	return context.WithValue(ctx, dispatchCtxKey{}, d)
}

// MainFiber returns the dispatch fiber of the worker ctx is bound to, or
// nil outside a worker.
func MainFiber(ctx context.Context) *DispatchFiber {
	d, _ := ctx.Value(dispatchCtxKey{}).(*DispatchFiber)
	return d
}

// Schedule enqueues a single fiber or callable, optionally pinned to a
// worker id (-1 for any).
func (s *Scheduler) Schedule(work any, threadID int) {
	s.ScheduleBulk([]ScheduleItem{{Work: work, ThreadID: threadID}})
}

// ScheduleBulk enqueues a slice of work items atomically, so they land
// adjacent in the queue.
func (s *Scheduler) ScheduleBulk(items []ScheduleItem) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	wasEmpty := len(s.queue) == 0
	for _, it := range items {
		e := entry{threadID: it.ThreadID}
		switch w := it.Work.(type) {
		case *fiber.Fiber:
			e.fb = w
		case func(context.Context):
			e.cb = w
		default:
			s.mu.Unlock()
			panic(fmt.Sprintf("scheduler: unsupported work type %T", it.Work))
		}
		s.queue = append(s.queue, e)
	}
	s.mu.Unlock()

	if wasEmpty {
		s.ext.Tickle()
	}
}

// Start spawns the background worker goroutines and begins dispatch. In
// caller-included mode, worker id 0 is reserved for the constructing
// goroutine and only runs synchronously inside Stop, matching the
// original's deferred root-fiber activation.
func (s *Scheduler) Start() {
	if !s.stopping.CompareAndSwap(true, false) {
		return
	}
	s.autoStop.Store(false)

	spawnCount := s.workerCount
	startID := 0
	if s.includeCaller {
		spawnCount--
		startID = 1
	}

	s.group = new(errgroup.Group)
	for i := 0; i < spawnCount; i++ {
		id := startID + i
		s.group.Go(func() error {
			s.runWorker(id)
			return nil
		})
	}
}

// Stop requests a graceful drain. It must be called from the constructing
// goroutine iff New was called with includeCaller true, and must not
// otherwise.
func (s *Scheduler) Stop() {
	s.autoStop.Store(true)
	s.stopping.Store(true)

	for i := 0; i < s.workerCount; i++ {
		s.ext.Tickle()
	}

	if s.includeCaller {
		s.ext.Tickle()
		if !s.ext.Stopping() {
			s.runWorker(0)
		}
	}

	if s.group != nil {
		_ = s.group.Wait()
	}
}

func (s *Scheduler) runWorker(id int) {
	ctx := context.Background()
	ctx = withScheduler(ctx, s)
	ctx = withDispatch(ctx, &DispatchFiber{WorkerID: id, SchedulerName: s.name})

	var idleFiber *fiber.Fiber
	var cbFiber *fiber.Fiber

	for {
		var ft *entry
		tickleMe := false
		isActive := false

		s.mu.Lock()
		for i := 0; i < len(s.queue); i++ {
			e := s.queue[i]
			if e.threadID != -1 && e.threadID != id {
				tickleMe = true
				continue
			}
			if e.fb != nil && e.fb.State() == fiber.StateExec {
				continue
			}
			ft = &e
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.activeWorkers.Add(1)
			isActive = true
			break
		}
		if ft != nil && len(s.queue) > 0 {
			tickleMe = true
		}
		s.mu.Unlock()

		if tickleMe {
			s.ext.Tickle()
		}

		switch {
		case ft != nil && ft.fb != nil && ft.fb.State() != fiber.StateTerm && ft.fb.State() != fiber.StateExcept:
			f := ft.fb
			f.Resume(ctx)
			s.activeWorkers.Add(-1)
			if f.State() == fiber.StateReady {
				s.Schedule(f, -1)
			}

		case ft != nil && ft.cb != nil:
			if cbFiber == nil {
				cbFiber = fiber.New(ft.cb, 0)
			} else {
				cbFiber.Reset(ft.cb)
			}
			cbFiber.Resume(ctx)
			s.activeWorkers.Add(-1)
			switch cbFiber.State() {
			case fiber.StateReady:
				s.Schedule(cbFiber, -1)
				cbFiber = nil
			case fiber.StateTerm, fiber.StateExcept:
				cbFiber.Reset(func(context.Context) {})
			default:
				// HOLD: the fiber suspended on a hook (e.g. a timer or fd
				// wait) and is owned by whatever re-schedules it next.
				// Drop the wrapper rather than reuse it for the next
				// callable, which would Reset a still-suspended fiber and
				// panic, or double-drive it from two workers at once.
				cbFiber = nil
			}

		default:
			if isActive {
				s.activeWorkers.Add(-1)
				continue
			}
			if idleFiber == nil {
				idleFiber = fiber.New(func(ctx context.Context) { s.ext.Idle(ctx) }, 0)
			}
			if idleFiber.State() == fiber.StateTerm {
				s.log.Debugf("worker %d: idle fiber terminated, exiting", id)
				return
			}
			s.idleWorkers.Add(1)
			idleFiber.Resume(ctx)
			s.idleWorkers.Add(-1)
		}
	}
}

// Tickle is the default wake-up primitive: it just logs. The Reactor
// overrides this to write to its self-pipe.
func (s *Scheduler) Tickle() {
	s.log.Debugf("tickle")
}

// Idle is the default idle loop: busy-yield via YieldToHold until
// Stopping(). The Reactor overrides this with its epoll wait.
func (s *Scheduler) Idle(ctx context.Context) {
	for !s.ext.Stopping() {
		ctx = fiber.YieldToHold(ctx)
	}
}

// Stopping reports true once auto-stop has been requested, the queue is
// drained, and no worker is active. The Reactor composes this with its own
// pending-event and timer checks.
func (s *Scheduler) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoStop.Load() && s.stopping.Load() && len(s.queue) == 0 && s.activeWorkers.Load() == 0
}
