// Package reactor implements the epoll-driven I/O and timer reactor: it
// extends Scheduler and TimerWheel, occupying the scheduler's idle path to
// translate readiness and deadline events into scheduled fibers/callbacks.
//
// Linux-only: it is built directly on epoll via golang.org/x/sys/unix, the
// same way the source wraps epoll_create/epoll_ctl/epoll_wait.
package reactor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fiberrt/fiberrt/internal/logging"
	"github.com/fiberrt/fiberrt/pkg/fiber"
	"github.com/fiberrt/fiberrt/pkg/scheduler"
	"github.com/fiberrt/fiberrt/pkg/timer"
)

// Event is a readiness bit, chosen to match the epoll constants directly.
type Event uint32

const (
	EventNone  Event = 0
	EventRead  Event = Event(unix.EPOLLIN)
	EventWrite Event = Event(unix.EPOLLOUT)
)

// EventResult reports the outcome of a registration attempt.
type EventResult int

const (
	EventOK EventResult = iota
	EventRetry
	EventError
)

// maxPollTimeout bounds the blocking window so stopping() is re-checked
// periodically even with no timers registered.
const maxPollTimeout = 5 * time.Second

const initialFdTableSize = 64

type eventContext struct {
	sched *scheduler.Scheduler
	fb    *fiber.Fiber
	cb    func(context.Context)
}

func (ec eventContext) empty() bool {
	return ec.sched == nil && ec.fb == nil && ec.cb == nil
}

// fdContext tracks the registered event mask and per-event registrations
// for one file descriptor.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventContext
	write  eventContext
}

// Reactor extends Scheduler and TimerWheel with an epoll idle loop.
type Reactor struct {
	*scheduler.Scheduler
	*timer.Wheel

	epfd  int
	pipeR int
	pipeW int

	fdMu sync.RWMutex
	fds  []*fdContext

	pending atomic.Int32

	log *logging.Logger
}

// New constructs a Reactor with the given worker count, optional
// caller-included mode, and diagnostic name. It creates the epoll
// descriptor and self-pipe immediately; failures here are resource
// exhaustion and returned as an error per the error-handling design.
func New(workerCount int, includeCaller bool, name string) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("reactor: pipe2: %w", err)
	}

	r := &Reactor{
		epfd:  epfd,
		pipeR: pipeFds[0],
		pipeW: pipeFds[1],
		fds:   make([]*fdContext, initialFdTableSize),
		log:   logging.New("reactor:" + name),
	}
	r.Scheduler = scheduler.New(workerCount, includeCaller, name)
	r.Wheel = timer.NewWheel(r.Tickle)
	r.Scheduler.SetExtension(r)

	ev := unix.EpollEvent{Events: uint32(EventRead) | unix.EPOLLET, Fd: int32(r.pipeR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.pipeR, &ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(r.pipeR)
		_ = unix.Close(r.pipeW)
		return nil, fmt.Errorf("reactor: epoll_ctl add self-pipe: %w", err)
	}

	return r, nil
}

// Close releases the epoll descriptor and self-pipe. Call after Stop
// returns.
func (r *Reactor) Close() error {
	_ = unix.Close(r.pipeR)
	_ = unix.Close(r.pipeW)
	return unix.Close(r.epfd)
}

// PendingEvents returns the live count of registered-but-not-yet-fired
// events, for diagnostics and the Stopping invariant.
func (r *Reactor) PendingEvents() int32 { return r.pending.Load() }

// Current returns the Reactor bound to ctx, or nil if ctx is not running
// inside a worker whose scheduler's extension is a Reactor (the hook
// layer uses this, alongside fiber.Current, to decide whether a blocking
// call can be turned into a cooperative suspension).
func Current(ctx context.Context) *Reactor {
	s := scheduler.Current(ctx)
	if s == nil {
		return nil
	}
	r, _ := s.Extension().(*Reactor)
	return r
}

// Tickle overrides Scheduler.Tickle: write a single byte to the self-pipe.
// The read end is registered edge-triggered, so epoll_wait returns
// immediately.
func (r *Reactor) Tickle() {
	var b [1]byte
	b[0] = 1
	if _, err := unix.Write(r.pipeW, b[:]); err != nil && err != unix.EAGAIN {
		r.log.Warnf("tickle: write to self-pipe failed: %v", err)
	}
}

// Stopping overrides Scheduler.Stopping, composing the base check with
// "timers are empty" and "pending-events is zero".
func (r *Reactor) Stopping() bool {
	return r.Scheduler.Stopping() && !r.Wheel.HasTimer() && r.pending.Load() == 0
}

// Idle overrides Scheduler.Idle with the epoll wait.
func (r *Reactor) Idle(ctx context.Context) {
	events := make([]unix.EpollEvent, 64)
	for !r.Stopping() {
		n, err := unix.EpollWait(r.epfd, events, r.computeTimeoutMS())
		if err != nil {
			if err != unix.EINTR {
				r.log.Errorf("epoll_wait: %v", err)
			}
			ctx = fiber.YieldToHold(ctx)
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.pipeR {
				r.drainSelfPipe()
				continue
			}
			r.fire(fd, Event(events[i].Events))
		}

		for _, cb := range r.Wheel.CollectExpired() {
			cb := cb
			r.Scheduler.Schedule(func(context.Context) { cb() }, -1)
		}

		ctx = fiber.YieldToHold(ctx)
	}
}

func (r *Reactor) computeTimeoutMS() int {
	next := r.Wheel.NextTimeout()
	if next > maxPollTimeout {
		next = maxPollTimeout
	}
	return int(next.Milliseconds())
}

func (r *Reactor) drainSelfPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.pipeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (r *Reactor) lookupFd(fd int) *fdContext {
	r.fdMu.RLock()
	defer r.fdMu.RUnlock()
	if fd < 0 || fd >= len(r.fds) {
		return nil
	}
	return r.fds[fd]
}

// ensureFd returns the fdContext for fd, growing the table by 1.5x (or to
// fd+1, whichever is larger) if needed. Entries are allocated lazily and
// never moved or freed once created.
func (r *Reactor) ensureFd(fd int) *fdContext {
	r.fdMu.RLock()
	if fd < len(r.fds) && r.fds[fd] != nil {
		fc := r.fds[fd]
		r.fdMu.RUnlock()
		return fc
	}
	r.fdMu.RUnlock()

	r.fdMu.Lock()
	defer r.fdMu.Unlock()
	if fd >= len(r.fds) {
		newSize := len(r.fds) + len(r.fds)/2
		if newSize <= fd {
			newSize = fd + 1
		}
		grown := make([]*fdContext, newSize)
		copy(grown, r.fds)
		r.fds = grown
	}
	if r.fds[fd] == nil {
		r.fds[fd] = &fdContext{fd: fd}
	}
	return r.fds[fd]
}

func eventSlot(fc *fdContext, event Event) *eventContext {
	switch event {
	case EventRead:
		return &fc.read
	case EventWrite:
		return &fc.write
	default:
		return nil
	}
}

// AddEvent registers interest in event on fd. If cb is nil, the fiber
// currently bound to ctx is registered and will be resumed when the event
// fires; otherwise cb is scheduled. Returns EventError if event is
// neither READ nor WRITE, or on epoll_ctl failure; EventRetry if the event
// type is already registered on this fd.
func (r *Reactor) AddEvent(ctx context.Context, fd int, event Event, cb func(context.Context)) EventResult {
	fc := r.ensureFd(fd)

	fc.mu.Lock()
	slot := eventSlot(fc, event)
	if slot == nil {
		fc.mu.Unlock()
		return EventError
	}
	if fc.events&event != 0 {
		fc.mu.Unlock()
		r.log.Warnf("fd %d: event %v already registered", fd, event)
		return EventRetry
	}

	*slot = eventContext{sched: scheduler.Current(ctx)}
	if cb != nil {
		slot.cb = cb
	} else {
		slot.fb = fiber.Current(ctx)
	}

	op := unix.EPOLL_CTL_MOD
	if fc.events == EventNone {
		op = unix.EPOLL_CTL_ADD
	}
	newMask := fc.events | event
	ev := unix.EpollEvent{Events: uint32(newMask) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		*slot = eventContext{}
		fc.mu.Unlock()
		r.log.Errorf("epoll_ctl fd %d: %v", fd, err)
		return EventError
	}
	fc.events = newMask
	fc.mu.Unlock()

	r.pending.Add(1)
	return EventOK
}

// clearEvent removes event from fc's registered mask and re-arms (or
// removes) the epoll registration accordingly. fc.mu must be held.
func (r *Reactor) clearEvent(fc *fdContext, event Event) {
	newMask := fc.events &^ event
	if newMask == EventNone {
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fc.fd, nil)
	} else {
		ev := unix.EpollEvent{Events: uint32(newMask) | unix.EPOLLET, Fd: int32(fc.fd)}
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fc.fd, &ev)
	}
	fc.events = newMask
	if slot := eventSlot(fc, event); slot != nil {
		*slot = eventContext{}
	}
}

// DelEvent unregisters event on fd without firing it. Returns EventRetry
// if the event type was not registered.
func (r *Reactor) DelEvent(fd int, event Event) EventResult {
	fc := r.lookupFd(fd)
	if fc == nil {
		return EventRetry
	}
	fc.mu.Lock()
	if fc.events&event == 0 {
		fc.mu.Unlock()
		return EventRetry
	}
	r.clearEvent(fc, event)
	fc.mu.Unlock()
	r.pending.Add(-1)
	return EventOK
}

// CancelEvent unregisters event on fd and fires it (the suspended fiber
// resumes and observes cancellation via whatever status flag it checks).
func (r *Reactor) CancelEvent(fd int, event Event) EventResult {
	fc := r.lookupFd(fd)
	if fc == nil {
		return EventRetry
	}
	fc.mu.Lock()
	if fc.events&event == 0 {
		fc.mu.Unlock()
		return EventRetry
	}
	slot := eventSlot(fc, event)
	ec := *slot
	r.clearEvent(fc, event)
	fc.mu.Unlock()

	r.pending.Add(-1)
	r.dispatch(ec)
	return EventOK
}

// CancelAll fires every event currently registered on fd. Used by the
// hook layer's Close to force-complete any fiber still waiting on a
// descriptor about to be closed.
func (r *Reactor) CancelAll(fd int) {
	fc := r.lookupFd(fd)
	if fc == nil {
		return
	}

	fc.mu.Lock()
	var toFire []eventContext
	for _, ev := range [...]Event{EventRead, EventWrite} {
		if fc.events&ev != 0 {
			toFire = append(toFire, *eventSlot(fc, ev))
			r.clearEvent(fc, ev)
		}
	}
	fc.mu.Unlock()

	r.pending.Add(-int32(len(toFire)))
	for _, ec := range toFire {
		r.dispatch(ec)
	}
}

// fire handles a ready epoll notification for fd: it fires every
// registered event that intersects readyEvents, releasing the per-fd
// mutex before handing the event off to the scheduler (no reentrant
// locking across a fiber resume).
func (r *Reactor) fire(fd int, readyEvents Event) {
	fc := r.lookupFd(fd)
	if fc == nil {
		return
	}

	fc.mu.Lock()
	intersect := fc.events & readyEvents
	var toFire []eventContext
	for _, ev := range [...]Event{EventRead, EventWrite} {
		if intersect&ev != 0 {
			toFire = append(toFire, *eventSlot(fc, ev))
			r.clearEvent(fc, ev)
		}
	}
	fc.mu.Unlock()

	r.pending.Add(-int32(len(toFire)))
	for _, ec := range toFire {
		r.dispatch(ec)
	}
}

// dispatch hands a fired event off to the scheduler it was registered
// with, which is not necessarily the Reactor itself.
func (r *Reactor) dispatch(ec eventContext) {
	if ec.empty() || ec.sched == nil {
		return
	}
	if ec.cb != nil {
		ec.sched.Schedule(ec.cb, -1)
	} else if ec.fb != nil {
		ec.sched.Schedule(ec.fb, -1)
	}
}
