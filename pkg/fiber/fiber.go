// Package fiber implements a stackful cooperative task: a fiber holds a
// private stack and a machine context, and exposes resume/yield.
//
// In place of ucontext_t stack switching, each Fiber is backed by its own
// goroutine and an unbuffered channel rendezvous with its dispatch fiber.
// Resume sends the fiber its execution context and blocks for a yield
// signal; the fiber goroutine blocks for its resume signal and sends a
// yield signal at each suspension point. The Go runtime owns and grows
// each fiber's stack instead of a fixed user buffer; fiber.stack_size is
// kept only as an advisory field for diagnostics and config-propagation
// tests.
package fiber

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/fiberrt/fiberrt/internal/logging"
)

var log = logging.New("fiber")

// State is one of the six states a Fiber may occupy.
type State int32

const (
	StateInit State = iota
	StateReady
	StateExec
	StateHold
	StateTerm
	StateExcept
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateExec:
		return "exec"
	case StateHold:
		return "hold"
	case StateTerm:
		return "term"
	case StateExcept:
		return "except"
	default:
		return "unknown"
	}
}

// DefaultStackSize is used when a caller does not specify one; it mirrors
// the config key fiber.stack_size's default.
const DefaultStackSize = 1048576

var (
	nextID    atomic.Uint64
	liveCount atomic.Int64
)

// LiveCount returns the process-wide count of live fibers, for diagnostics.
func LiveCount() int64 { return liveCount.Load() }

// Body is the closure executed by a fiber. It receives the fiber's bound
// context, through which it can look up the current fiber, scheduler, and
// reactor (see Current, scheduler.Current, and reactor.Current).
type Body func(ctx context.Context)

type yieldSignal struct {
	state State
	err   any
}

// Fiber is a stackful cooperative task.
type Fiber struct {
	id        uint64
	stackSize uint32
	body      Body

	state   atomic.Int32
	started atomic.Bool

	resumeCh chan context.Context
	yieldCh  chan yieldSignal

	lastErr any
}

// New constructs a fiber in state INIT. It does not start executing until
// the first call to Resume. A stackSize of 0 uses the current value of the
// fiber.stack_size config key (DefaultStackSize unless configured otherwise).
func New(body Body, stackSize uint32) *Fiber {
	if stackSize == 0 {
		stackSize = uint32(configuredStackSize.Load())
	}
	f := &Fiber{
		id:        nextID.Add(1),
		stackSize: stackSize,
		body:      body,
		resumeCh:  make(chan context.Context),
		yieldCh:   make(chan yieldSignal),
	}
	f.state.Store(int32(StateInit))
	liveCount.Add(1)
	runtime.AddCleanup(f, func(id uint64) {
		liveCount.Add(-1)
		log.Debugf("fiber %d collected", id)
	}, f.id)
	return f
}

// ID returns the fiber's process-wide monotonic identity.
func (f *Fiber) ID() uint64 { return f.id }

// StackSize returns the advisory stack size this fiber was constructed with.
func (f *Fiber) StackSize() uint32 { return f.stackSize }

// State returns the fiber's current state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// Err returns the panic value recovered at the body boundary, if the fiber
// is in state EXCEPT.
func (f *Fiber) Err() any { return f.lastErr }

// Reset rebinds a terminal fiber's stack to a new body so it can be reused.
// Valid only from INIT, TERM, or EXCEPT; panics otherwise, matching the
// contract that a fiber may only be reset from a non-running state.
func (f *Fiber) Reset(body Body) {
	switch f.State() {
	case StateInit, StateTerm, StateExcept:
	default:
		panic(fmt.Sprintf("fiber: Reset called on fiber %d in state %s", f.id, f.State()))
	}
	f.body = body
	f.lastErr = nil
	f.started.Store(false)
	f.state.Store(int32(StateInit))
}

// Resume switches the calling goroutine's logical control into this fiber,
// blocking until the fiber yields (HOLD or READY) or terminates (TERM or
// EXCEPT). It panics if the fiber is already in EXEC, a programmer contract
// violation per the error-handling design.
func (f *Fiber) Resume(ctx context.Context) {
	if f.State() == StateExec {
		panic(fmt.Sprintf("fiber: Resume called on fiber %d already in EXEC", f.id))
	}
	f.state.Store(int32(StateExec))
	ctx = withFiber(ctx, f)
	if f.started.CompareAndSwap(false, true) {
		go f.run(ctx)
	} else {
		f.resumeCh <- ctx
	}
	sig := <-f.yieldCh
	f.lastErr = sig.err
	f.state.Store(int32(sig.state))
}

func (f *Fiber) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("fiber %d body panicked: %v\n%s", f.id, r, debug.Stack())
			f.yieldCh <- yieldSignal{state: StateExcept, err: r}
			return
		}
		f.yieldCh <- yieldSignal{state: StateTerm}
	}()
	f.body(ctx)
}

type ctxKey struct{}

func withFiber(ctx context.Context, f *Fiber) context.Context {
	return context.WithValue(ctx, ctxKey{}, f)
}

// Current returns the fiber currently bound to ctx, or nil if ctx was not
// produced by a Fiber's Resume (e.g. user code running outside the
// scheduler).
func Current(ctx context.Context) *Fiber {
	f, _ := ctx.Value(ctxKey{}).(*Fiber)
	return f
}

// CurrentID returns the id of the fiber bound to ctx, and whether one was
// bound at all.
func CurrentID(ctx context.Context) (uint64, bool) {
	f := Current(ctx)
	if f == nil {
		return 0, false
	}
	return f.id, true
}

// YieldToHold switches back to the dispatch fiber, setting the outgoing
// state to HOLD: the fiber will only run again once something external
// (a timer, an fd event, or an explicit Schedule call) re-queues it. It
// returns the context supplied by the Resume call that woke the fiber back
// up, which callers should use for any further fiber/scheduler lookups.
func YieldToHold(ctx context.Context) context.Context {
	return yield(ctx, StateHold)
}

// YieldToReady switches back to the dispatch fiber, setting the outgoing
// state to READY: the caller (normally a Scheduler worker loop) is expected
// to re-enqueue the fiber immediately.
func YieldToReady(ctx context.Context) context.Context {
	return yield(ctx, StateReady)
}

func yield(ctx context.Context, state State) context.Context {
	f := Current(ctx)
	if f == nil {
		panic("fiber: Yield called outside a fiber")
	}
	f.yieldCh <- yieldSignal{state: state}
	return <-f.resumeCh
}
