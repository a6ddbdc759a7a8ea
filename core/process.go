// File: core/process.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SIGCHLD-driven process reaping. Pending children are kept sorted by
// pid ascending; handleAll walks wait4(WNOHANG) results against that
// ordered list the same way uloop_handle_processes walks its linked
// list: skip entries with a lower pid than the reaped one (they belong
// to other children that have not been reaped), stop at the first entry
// with a higher pid (nothing further down the list can match a pid this
// low).

package core

import (
	"container/list"

	"github.com/momentics/goloop/api"
	"golang.org/x/sys/unix"
)

// ProcessEntry is a caller-owned handle for one child pid the loop
// should reap on its behalf.
type ProcessEntry struct {
	Pid      int
	Callback func(pid int, state unix.WaitStatus)

	pending bool
	elem    *list.Element
}

func (p *ProcessEntry) Pending() bool { return p.pending }

type processReaper struct {
	list    *list.List
	metrics *Metrics
}

func newProcessReaper(metrics *Metrics) *processReaper {
	return &processReaper{list: list.New(), metrics: metrics}
}

func (r *processReaper) add(p *ProcessEntry) error {
	if p.pending {
		return api.ErrAlreadyPending
	}
	var before *list.Element
	for e := r.list.Front(); e != nil; e = e.Next() {
		if e.Value.(*ProcessEntry).Pid > p.Pid {
			before = e
			break
		}
	}
	if before != nil {
		p.elem = r.list.InsertBefore(p, before)
	} else {
		p.elem = r.list.PushBack(p)
	}
	p.pending = true
	if r.metrics != nil {
		r.metrics.ProcessesPending++
	}
	return nil
}

func (r *processReaper) cancel(p *ProcessEntry) error {
	if !p.pending {
		return api.ErrNotPending
	}
	r.list.Remove(p.elem)
	p.elem = nil
	p.pending = false
	if r.metrics != nil {
		r.metrics.ProcessesPending--
	}
	return nil
}

// handleAll reaps every exited child currently reapable via
// wait4(WNOHANG), dispatching each to its matching registered
// ProcessEntry in ascending-pid order, and silently drops reaps for
// pids nobody registered (matching the C original, which just
// continues the loop when no list entry matches).
func (r *processReaper) handleAll() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if pid <= 0 || err != nil {
			return
		}
		r.dispatch(pid, ws)
	}
}

func (r *processReaper) dispatch(pid int, ws unix.WaitStatus) {
	e := r.list.Front()
	for e != nil {
		p := e.Value.(*ProcessEntry)
		if p.Pid < pid {
			e = e.Next()
			continue
		}
		if p.Pid > pid {
			return
		}
		next := e.Next()
		r.list.Remove(e)
		p.elem = nil
		p.pending = false
		if r.metrics != nil {
			r.metrics.ProcessesReaped++
			r.metrics.ProcessesPending--
		}
		if p.Callback != nil {
			p.Callback(pid, ws)
		}
		e = next
	}
}
