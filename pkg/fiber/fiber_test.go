package fiber

import (
	"context"
	"testing"
)

func TestFiber_InitialState(t *testing.T) {
	f := New(func(ctx context.Context) {}, 0)
	if f.State() != StateInit {
		t.Fatalf("expected StateInit, got %s", f.State())
	}
	if f.StackSize() != DefaultStackSize {
		t.Fatalf("expected default stack size %d, got %d", DefaultStackSize, f.StackSize())
	}
}

func TestFiber_RunToCompletion(t *testing.T) {
	ran := false
	f := New(func(ctx context.Context) {
		ran = true
	}, 0)

	f.Resume(context.Background())

	if !ran {
		t.Fatal("body did not run")
	}
	if f.State() != StateTerm {
		t.Fatalf("expected StateTerm, got %s", f.State())
	}
}

func TestFiber_YieldToHoldThenResume(t *testing.T) {
	var phase int
	f := New(func(ctx context.Context) {
		phase = 1
		ctx = YieldToHold(ctx)
		phase = 2
		_ = ctx
	}, 0)

	f.Resume(context.Background())
	if phase != 1 || f.State() != StateHold {
		t.Fatalf("expected phase 1 / StateHold, got phase=%d state=%s", phase, f.State())
	}

	f.Resume(context.Background())
	if phase != 2 || f.State() != StateTerm {
		t.Fatalf("expected phase 2 / StateTerm, got phase=%d state=%s", phase, f.State())
	}
}

func TestFiber_YieldToReady(t *testing.T) {
	f := New(func(ctx context.Context) {
		YieldToReady(ctx)
	}, 0)

	f.Resume(context.Background())
	if f.State() != StateReady {
		t.Fatalf("expected StateReady, got %s", f.State())
	}
}

func TestFiber_PanicRecoveredToExcept(t *testing.T) {
	f := New(func(ctx context.Context) {
		panic("boom")
	}, 0)

	f.Resume(context.Background())
	if f.State() != StateExcept {
		t.Fatalf("expected StateExcept, got %s", f.State())
	}
	if f.Err() != "boom" {
		t.Fatalf("expected recovered panic value %q, got %v", "boom", f.Err())
	}
}

func TestFiber_ResumeOnExecPanics(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := New(func(ctx context.Context) {
		close(started)
		<-release
	}, 0)

	done := make(chan struct{})
	go func() {
		f.Resume(context.Background())
		close(done)
	}()
	<-started

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic resuming an EXEC fiber")
		}
		close(release)
		<-done
	}()
	f.Resume(context.Background())
}

func TestFiber_ResetAfterTerm(t *testing.T) {
	f := New(func(ctx context.Context) {}, 0)
	f.Resume(context.Background())
	if f.State() != StateTerm {
		t.Fatalf("expected StateTerm, got %s", f.State())
	}

	ran := false
	f.Reset(func(ctx context.Context) { ran = true })
	if f.State() != StateInit {
		t.Fatalf("expected StateInit after reset, got %s", f.State())
	}
	f.Resume(context.Background())
	if !ran || f.State() != StateTerm {
		t.Fatalf("expected reset body to run to TERM, ran=%v state=%s", ran, f.State())
	}
}

func TestCurrent_NilOutsideFiber(t *testing.T) {
	if Current(context.Background()) != nil {
		t.Fatal("expected no current fiber outside a fiber body")
	}
}

func TestCurrent_BoundInsideFiber(t *testing.T) {
	var seenID uint64
	var ok bool
	f := New(func(ctx context.Context) {
		seenID, ok = CurrentID(ctx)
	}, 0)
	f.Resume(context.Background())
	if !ok || seenID != f.ID() {
		t.Fatalf("expected CurrentID to match fiber %d, got %d ok=%v", f.ID(), seenID, ok)
	}
}
