// File: core/fd.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fd readiness dispatch. Mirrors uloop.c's fd_stack re-entrancy guard:
// invoking a callback from inside another fd callback (e.g. a nested
// Run) must not redeliver the same edge-triggered event twice, and a
// fd deleted mid-callback must be scrubbed from every frame still
// walking the current batch.

package core

import (
	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/momentics/goloop/api"
)

// stackFrame tracks one fd callback currently executing on the call
// stack. If a nested fetch (triggered by the callback itself, e.g. via
// a nested Run) surfaces another event for the same fd while its frame
// is still live, that event is folded into buffered instead of
// recursing into the callback a second time.
type stackFrame struct {
	parent   *stackFrame
	reg      *api.FdRegistration
	buffered api.Flag
}

type fdDispatcher struct {
	backend  api.Backend
	top      *stackFrame
	pending  *queue.Queue
	curBatch []api.Event
	curIdx   int
	metrics  *Metrics
	maxBatch int
	setCB    func(reg *api.FdRegistration, flags api.Flag)
	log      Logger
}

func newFdDispatcher(backend api.Backend, maxBatch int, metrics *Metrics, log Logger) *fdDispatcher {
	if maxBatch <= 0 {
		maxBatch = api.MaxEvents
	}
	if log == nil {
		log = nopLogger{}
	}
	return &fdDispatcher{
		backend:  backend,
		pending:  queue.New(),
		metrics:  metrics,
		maxBatch: maxBatch,
		log:      log,
	}
}

// add registers reg for flags, or deletes it if flags carries neither
// Read nor Write. Re-adding an already-registered fd overrides its
// flags rather than failing: at most one registration per fd exists at
// a time, and RegisterPoll is an add-or-modify call either way.
func (d *fdDispatcher) add(reg *api.FdRegistration, flags api.Flag) error {
	if flags&(api.Read|api.Write) == 0 {
		return d.delete(reg)
	}
	wasRegistered := reg.Registered
	if !wasRegistered && flags&api.Blocking == 0 {
		if err := unix.SetNonblock(reg.Fd, true); err != nil {
			return api.NewError(api.ErrCodeSyscall, "setnonblock", err).WithContext("fd", reg.Fd)
		}
	}
	if err := d.backend.RegisterPoll(reg, flags); err != nil {
		return err
	}
	reg.Flags = flags
	reg.Registered = true
	reg.Eof = false
	reg.ErrFlag = false
	if d.setCB != nil {
		d.setCB(reg, flags)
	}
	return nil
}

func (d *fdDispatcher) delete(reg *api.FdRegistration) error {
	d.scrubBatch(reg)
	if !reg.Registered {
		return nil
	}
	if d.setCB != nil {
		d.setCB(reg, 0)
	}
	reg.Registered = false
	d.scrubStack(reg)
	if err := d.backend.DeleteFD(reg); err != nil {
		return err
	}
	reg.Flags = 0
	return nil
}

// scrubBatch nils out reg from every event queued in pending or the
// batch currently being drained, so a callback that deletes an fd
// never sees a stale event for it on a later runEvents call.
func (d *fdDispatcher) scrubBatch(reg *api.FdRegistration) {
	for i := range d.curBatch {
		if d.curBatch[i].Reg == reg {
			d.curBatch[i].Reg = nil
		}
	}
	for i := 0; i < d.pending.Length(); i++ {
		batch := d.pending.Get(i).([]api.Event)
		for j := range batch {
			if batch[j].Reg == reg {
				batch[j].Reg = nil
			}
		}
	}
}

// scrubStack nils the fd of any active stack frame referencing reg, so
// a callback calling FdDelete on itself (or on an fd whose callback is
// an enclosing frame, via nested Run) terminates its frame's
// buffered-continuation loop cleanly instead of accessing reg again.
func (d *fdDispatcher) scrubStack(reg *api.FdRegistration) {
	for f := d.top; f != nil; f = f.parent {
		if f.reg == reg {
			f.reg = nil
		}
	}
}

// poll blocks in the backend for up to timeoutMs and queues whatever
// readiness events it returns for upcoming runEvents calls to drain.
func (d *fdDispatcher) poll(timeoutMs int) (int, error) {
	batch := make([]api.Event, d.maxBatch)
	n, err := d.backend.FetchEvents(batch, timeoutMs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.pending.Add(batch[:n])
	}
	return n, nil
}

// runEvents refills the current batch from the backend when it is
// empty, then dispatches exactly one fd callback (and that callback's
// buffered re-entrant continuations, if any) before returning. Leaving
// any remaining events in the batch for the next runEvents call is
// deliberate: it bounds how long a single Run iteration can delay
// servicing due and nearly-due timeouts.
func (d *fdDispatcher) runEvents(timeoutMs int) error {
	if d.curIdx >= len(d.curBatch) {
		if d.pending.Length() == 0 {
			if _, err := d.poll(timeoutMs); err != nil {
				return err
			}
		}
		if d.pending.Length() == 0 {
			return nil
		}
		d.curBatch = d.pending.Remove().([]api.Event)
		d.curIdx = 0
	}

	for d.curIdx < len(d.curBatch) {
		ev := d.curBatch[d.curIdx]
		d.curIdx++
		if ev.Reg == nil || !ev.Reg.Registered {
			continue
		}
		// A buffered fold (an enclosing frame for the same fd absorbs
		// this event) does not count as this call's one dispatch; scan
		// on for a genuinely new event, matching the original's
		// continue-the-scan behavior on a stack-event match.
		if d.dispatch(ev.Reg, ev.Events) {
			return nil
		}
	}
	return nil
}

// dispatch invokes reg's callback, looping internally to deliver any
// events buffered into reg's frame by a nested fetch before the
// callback's first invocation returns, without ever recursing into the
// callback itself. Returns true iff it actually invoked the callback
// (as opposed to folding events into an already-active frame).
func (d *fdDispatcher) dispatch(reg *api.FdRegistration, events api.Flag) bool {
	edgeTriggered := reg.Flags&api.EdgeTrigger != 0
	if edgeTriggered {
		for f := d.top; f != nil; f = f.parent {
			if f.reg == reg {
				f.buffered |= events | api.EventBuffered
				return false
			}
		}
	}

	frame := &stackFrame{parent: d.top, reg: reg}
	d.top = frame
	defer func() { d.top = frame.parent }()

	for {
		d.invoke(reg, events)
		if frame.reg == nil {
			return true
		}
		if frame.buffered == 0 {
			return true
		}
		events = frame.buffered &^ api.EventBuffered
		frame.buffered = 0
	}
}

func (d *fdDispatcher) invoke(reg *api.FdRegistration, events api.Flag) {
	if events&api.EOF != 0 {
		reg.Eof = true
	}
	if events&api.Err != 0 {
		reg.ErrFlag = true
	}
	if reg.Callback == nil {
		return
	}
	if d.metrics != nil {
		d.metrics.FdEventsDispatched++
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				if d.metrics != nil {
					d.metrics.CallbackPanics++
				}
				d.log.Errorf("goloop: fd callback panic for fd %d: %v", reg.Fd, r)
			}
		}()
		reg.Callback(reg, events)
	}()
}
