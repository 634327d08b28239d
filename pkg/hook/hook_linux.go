// Package hook is the explicit syscall-interception-equivalent façade:
// Go cannot capture libc entry points via dlsym the way the original
// hook layer does, so user code calls these functions directly in place
// of the blocking stdlib/syscall ones. Each one checks for a fiber and a
// Reactor bound to ctx; if both are present the call is turned into a
// timer or fd-event registration followed by a HOLD yield, instead of
// blocking the worker goroutine. If either is missing, it falls back to
// the ordinary blocking behaviour.
package hook

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fiberrt/fiberrt/internal/config"
	"github.com/fiberrt/fiberrt/pkg/fiber"
	"github.com/fiberrt/fiberrt/pkg/reactor"
)

var connectTimeoutMS atomic.Int64

func init() {
	connectTimeoutMS.Store(5000)
	v := config.Lookup(config.Default(), "tcp.connect.timeout", int32(5000), "tcp connect timeout in milliseconds")
	connectTimeoutMS.Store(int64(v.Value()))
	v.AddListener(func(_, newVal int32) {
		connectTimeoutMS.Store(int64(newVal))
	})
}

// SetConnectTimeout overrides the default Connect deadline directly,
// bypassing the config listener (tests use this; production code should
// prefer loading tcp.connect.timeout through a Registry instead).
func SetConnectTimeout(d time.Duration) { connectTimeoutMS.Store(d.Milliseconds()) }

// ConnectTimeout reports the current Connect deadline.
func ConnectTimeout() time.Duration {
	return time.Duration(connectTimeoutMS.Load()) * time.Millisecond
}

// waitEvent registers interest in event on fd for the fiber bound to ctx
// and yields HOLD until it fires. Reports false (without yielding) if
// ctx isn't bound to both a fiber and a Reactor, or registration failed.
func waitEvent(ctx context.Context, fd int, event reactor.Event) bool {
	r := reactor.Current(ctx)
	fb := fiber.Current(ctx)
	if r == nil || fb == nil {
		return false
	}
	if res := r.AddEvent(ctx, fd, event, nil); res != reactor.EventOK {
		return false
	}
	fiber.YieldToHold(ctx)
	return true
}

// doIO retries attempt, suspending on EAGAIN/EWOULDBLOCK via waitEvent,
// until it succeeds, fails with a different error, or cooperative
// suspension isn't available.
func doIO(ctx context.Context, fd int, event reactor.Event, attempt func() (int, error)) (int, error) {
	for {
		n, err := attempt()
		if err == nil || (err != unix.EAGAIN && err != unix.EWOULDBLOCK) {
			return n, err
		}
		if !waitEvent(ctx, fd, event) {
			return n, err
		}
	}
}

// Sleep suspends the current fiber for d without blocking its worker.
// Outside a fiber/Reactor it falls back to time.Sleep.
func Sleep(ctx context.Context, d time.Duration) {
	r := reactor.Current(ctx)
	fb := fiber.Current(ctx)
	if r == nil || fb == nil {
		time.Sleep(d)
		return
	}
	r.AddTimer(d, func() { r.Schedule(fb, -1) }, false)
	fiber.YieldToHold(ctx)
}

// Usleep is Sleep in microseconds, matching the original's signature.
func Usleep(ctx context.Context, usec int64) {
	Sleep(ctx, time.Duration(usec)*time.Microsecond)
}

// Read is a cooperative read(2): fd must be non-blocking for suspension
// to engage; otherwise this degrades to an ordinary blocking read.
func Read(ctx context.Context, fd int, buf []byte) (int, error) {
	return doIO(ctx, fd, reactor.EventRead, func() (int, error) {
		return unix.Read(fd, buf)
	})
}

// Write is a cooperative write(2).
func Write(ctx context.Context, fd int, buf []byte) (int, error) {
	return doIO(ctx, fd, reactor.EventWrite, func() (int, error) {
		return unix.Write(fd, buf)
	})
}

// Recv is a cooperative recvfrom(2). The peer address is discarded: the
// hook layer targets connected TCP streams, not datagram sockets.
func Recv(ctx context.Context, fd int, buf []byte, flags int) (int, error) {
	return doIO(ctx, fd, reactor.EventRead, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, buf, flags)
		return n, err
	})
}

// Send is a cooperative sendto(2) against the socket's connected peer.
func Send(ctx context.Context, fd int, buf []byte, flags int) (int, error) {
	return doIO(ctx, fd, reactor.EventWrite, func() (int, error) {
		if err := unix.Sendto(fd, buf, flags, nil); err != nil {
			return 0, err
		}
		return len(buf), nil
	})
}

// Connect is a cooperative connect(2): it issues a non-blocking connect,
// then suspends until the socket becomes writable or ConnectTimeout
// elapses, then checks SO_ERROR to distinguish success from a refused or
// timed-out connection.
func Connect(ctx context.Context, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	r := reactor.Current(ctx)
	fb := fiber.Current(ctx)
	if r == nil || fb == nil {
		return err
	}

	var timedOut atomic.Bool
	deadline := r.AddTimer(ConnectTimeout(), func() {
		timedOut.Store(true)
		r.CancelEvent(fd, reactor.EventWrite)
	}, false)

	if res := r.AddEvent(ctx, fd, reactor.EventWrite, nil); res != reactor.EventOK {
		deadline.Cancel()
		return err
	}
	fiber.YieldToHold(ctx)
	deadline.Cancel()

	if timedOut.Load() {
		return unix.ETIMEDOUT
	}

	errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Accept is a cooperative accept(2); the returned descriptor is always
// set non-blocking, ready for further hooked I/O.
func Accept(ctx context.Context, fd int) (int, unix.Sockaddr, error) {
	for {
		nfd, sa, err := unix.Accept(fd)
		if err == nil {
			_ = unix.SetNonblock(nfd, true)
			return nfd, sa, nil
		}
		if err != unix.EAGAIN {
			return -1, nil, err
		}
		if !waitEvent(ctx, fd, reactor.EventRead) {
			return -1, nil, err
		}
	}
}

// Close releases any events still registered on fd (so a fiber
// suspended waiting on it observes completion rather than hanging
// forever) before closing the descriptor.
func Close(ctx context.Context, fd int) error {
	if r := reactor.Current(ctx); r != nil {
		r.CancelAll(fd)
	}
	return unix.Close(fd)
}
