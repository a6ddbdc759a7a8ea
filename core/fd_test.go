// File: core/fd_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package core

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/momentics/goloop/api"
)

// openTestFd returns the read end of a fresh pipe, closed when the test
// ends, so add's SetNonblock call acts on a descriptor that is open.
func openTestFd(t *testing.T) int {
	t.Helper()
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0]
}

func TestFdDispatcherScrubsDeletedRegFromInFlightBatch(t *testing.T) {
	backend := newFakeBackend()
	d := newFdDispatcher(backend, 0, nil, nil)

	var aCalled, bCalled bool

	regB := &api.FdRegistration{Fd: openTestFd(t)}
	regA := &api.FdRegistration{Fd: openTestFd(t)}
	regA.Callback = func(*api.FdRegistration, api.Flag) {
		aCalled = true
		// Deleting B mid-dispatch must prevent B's still-queued event
		// in this same batch from firing.
		if err := d.delete(regB); err != nil {
			t.Fatalf("delete regB: %v", err)
		}
	}
	regB.Callback = func(*api.FdRegistration, api.Flag) { bCalled = true }

	if err := d.add(regA, api.Read); err != nil {
		t.Fatalf("add regA: %v", err)
	}
	if err := d.add(regB, api.Read); err != nil {
		t.Fatalf("add regB: %v", err)
	}

	d.curBatch = []api.Event{
		{Reg: regA, Events: api.Read},
		{Reg: regB, Events: api.Read},
	}
	d.curIdx = 0

	// Drain the two-entry batch with direct runEvents calls (no backend
	// poll needed since curBatch is already populated).
	if err := d.runEvents(0); err != nil {
		t.Fatalf("runEvents 1: %v", err)
	}
	if err := d.runEvents(0); err != nil {
		t.Fatalf("runEvents 2: %v", err)
	}

	if !aCalled {
		t.Fatalf("expected regA callback to run")
	}
	if bCalled {
		t.Fatalf("regB callback must not run after being deleted mid-batch")
	}
}

func TestFdDispatcherAddOverridesFlagsOnReregister(t *testing.T) {
	backend := newFakeBackend()
	d := newFdDispatcher(backend, 0, nil, nil)

	reg := &api.FdRegistration{Fd: openTestFd(t)}
	if err := d.add(reg, api.Read); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !reg.Registered || reg.Flags != api.Read {
		t.Fatalf("unexpected state after first add: %+v", reg)
	}

	if err := d.add(reg, api.Read|api.Write); err != nil {
		t.Fatalf("re-add should override flags, not fail: %v", err)
	}
	if reg.Flags != api.Read|api.Write {
		t.Fatalf("flags = %v, want Read|Write", reg.Flags)
	}
}

func TestFdDispatcherAddWithNoInterestDeletes(t *testing.T) {
	backend := newFakeBackend()
	d := newFdDispatcher(backend, 0, nil, nil)

	reg := &api.FdRegistration{Fd: openTestFd(t)}
	_ = d.add(reg, api.Read)
	if err := d.add(reg, 0); err != nil {
		t.Fatalf("add with zero interest: %v", err)
	}
	if reg.Registered {
		t.Fatalf("expected fd to be unregistered after zero-interest add")
	}
}

func TestFdDispatcherAddDeleteLifecycle(t *testing.T) {
	backend := newFakeBackend()
	d := newFdDispatcher(backend, 0, nil, nil)

	reg := &api.FdRegistration{Fd: openTestFd(t)}
	if err := d.add(reg, api.Read); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.delete(reg); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if reg.Registered {
		t.Fatalf("expected Registered=false after delete")
	}
	// A second delete of an already-unregistered fd is a no-op, not an
	// error: fd_add with empty flags is specified as delete-equivalent,
	// and that path must be idempotent.
	if err := d.delete(reg); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}

func TestFdDispatcherRecordsEOFAndErr(t *testing.T) {
	backend := newFakeBackend()
	d := newFdDispatcher(backend, 0, nil, nil)

	reg := &api.FdRegistration{Fd: openTestFd(t)}
	_ = d.add(reg, api.Read)

	d.curBatch = []api.Event{{Reg: reg, Events: api.Read | api.EOF | api.Err}}
	d.curIdx = 0
	if err := d.runEvents(0); err != nil {
		t.Fatalf("runEvents: %v", err)
	}

	if !reg.Eof {
		t.Fatalf("expected Eof set")
	}
	if !reg.ErrFlag {
		t.Fatalf("expected ErrFlag set")
	}
}

func TestFdDispatcherRecoversCallbackPanic(t *testing.T) {
	backend := newFakeBackend()
	metrics := &Metrics{}
	d := newFdDispatcher(backend, 0, metrics, nil)

	reg := &api.FdRegistration{Fd: openTestFd(t), Callback: func(*api.FdRegistration, api.Flag) {
		panic("boom")
	}}
	_ = d.add(reg, api.Read)

	d.curBatch = []api.Event{{Reg: reg, Events: api.Read}}
	d.curIdx = 0
	if err := d.runEvents(0); err != nil {
		t.Fatalf("runEvents: %v", err)
	}

	if metrics.CallbackPanics != 1 {
		t.Fatalf("CallbackPanics = %d, want 1", metrics.CallbackPanics)
	}
}

func TestFdDispatcherBuffersReentrantSameFdEvent(t *testing.T) {
	backend := newFakeBackend()
	d := newFdDispatcher(backend, 0, nil, nil)

	var calls []api.Flag
	reg := &api.FdRegistration{Fd: openTestFd(t)}
	reg.Callback = func(*api.FdRegistration, api.Flag) {
		calls = append(calls, 0)
		if len(calls) == 1 {
			// Simulate a nested fetch surfacing a fresh event for the
			// same fd while this callback's frame is still on the
			// stack: it must be folded into the frame, not recursed
			// into, and delivered once this invocation returns.
			d.dispatch(reg, api.Read)
		}
	}
	_ = d.add(reg, api.Read|api.EdgeTrigger)

	d.dispatch(reg, api.Read)

	if len(calls) != 2 {
		t.Fatalf("expected callback to run twice (once directly, once for the buffered continuation), got %d", len(calls))
	}
}

func TestFdDispatcherProcessesExactlyOneEventPerCall(t *testing.T) {
	backend := newFakeBackend()
	d := newFdDispatcher(backend, 0, nil, nil)

	var order []int
	mk := func(fd int) *api.FdRegistration {
		r := &api.FdRegistration{Fd: fd}
		r.Callback = func(*api.FdRegistration, api.Flag) { order = append(order, fd) }
		return r
	}
	r1, r2, r3 := mk(1), mk(2), mk(3)
	_ = d.add(r1, api.Read)
	_ = d.add(r2, api.Read)
	_ = d.add(r3, api.Read)

	d.curBatch = []api.Event{
		{Reg: r1, Events: api.Read},
		{Reg: r2, Events: api.Read},
		{Reg: r3, Events: api.Read},
	}
	d.curIdx = 0

	for i := 0; i < 3; i++ {
		if err := d.runEvents(0); err != nil {
			t.Fatalf("runEvents: %v", err)
		}
		if len(order) != i+1 {
			t.Fatalf("runEvents call %d dispatched %d callbacks, want exactly 1 new one", i, len(order)-i)
		}
	}
	if order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order = %v, want [1 2 3]", order)
	}
}
