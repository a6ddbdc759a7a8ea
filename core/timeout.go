// File: core/timeout.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ordered pending-timeout list. Kept as a container/list under a cached
// element handle rather than an intrusive C-style list: the loop never
// stores a raw pointer into caller memory, but unlink/insert stay O(1).

package core

import (
	"container/list"
	"time"

	"github.com/momentics/goloop/api"
)

// Timeout is a caller-owned, one-shot deadline. Callback may re-arm the
// same Timeout; a re-armed entry will not re-fire within the same drain
// pass because insertion respects fire-time order.
type Timeout struct {
	Callback func()

	pending bool
	fireAt  time.Time
	elem    *list.Element
}

// Pending reports whether t is currently linked into a queue.
func (t *Timeout) Pending() bool { return t.pending }

type timeoutQueue struct {
	clock   Clock
	list    *list.List
	metrics *Metrics
}

func newTimeoutQueue(metrics *Metrics) *timeoutQueue {
	return &timeoutQueue{list: list.New(), metrics: metrics}
}

// add inserts t before the first entry whose fire time is strictly
// greater, preserving FIFO order among equal fire times.
func (q *timeoutQueue) add(t *Timeout) error {
	if t.pending {
		return api.ErrAlreadyPending
	}
	var before *list.Element
	for e := q.list.Front(); e != nil; e = e.Next() {
		if e.Value.(*Timeout).fireAt.After(t.fireAt) {
			before = e
			break
		}
	}
	if before != nil {
		t.elem = q.list.InsertBefore(t, before)
	} else {
		t.elem = q.list.PushBack(t)
	}
	t.pending = true
	if q.metrics != nil {
		q.metrics.TimeoutsPending++
	}
	return nil
}

// set cancels any pending arming of t, computes its new absolute fire
// time from now+msecs (negative msecs clamp to zero), and re-adds it.
func (q *timeoutQueue) set(t *Timeout, msecs int, now time.Time) error {
	if t.pending {
		_ = q.cancel(t)
	}
	t.fireAt = q.clock.After(now, msecs)
	return q.add(t)
}

func (q *timeoutQueue) cancel(t *Timeout) error {
	if !t.pending {
		return api.ErrNotPending
	}
	q.list.Remove(t.elem)
	t.elem = nil
	t.pending = false
	if q.metrics != nil {
		q.metrics.TimeoutsPending--
	}
	return nil
}

// remaining returns the unclamped t.fireAt-now in ms, or -1 if t is
// not pending. Loop.TimeoutRemaining (32-bit-clamped) and
// Loop.TimeoutRemaining64 (the raw value) both read through this.
func (q *timeoutQueue) remaining(t *Timeout, now time.Time) int64 {
	if !t.pending {
		return -1
	}
	return q.clock.Diff(t.fireAt, now)
}

// drain fires every timeout whose fire time is <= now, in ascending
// fire-time/FIFO order, and returns the ms delta to the new head, or -1
// if the queue is empty afterward.
func (q *timeoutQueue) drain(now time.Time) int64 {
	for {
		front := q.list.Front()
		if front == nil {
			return -1
		}
		t := front.Value.(*Timeout)
		if t.fireAt.After(now) {
			return q.clock.Diff(t.fireAt, now)
		}
		q.list.Remove(front)
		t.elem = nil
		t.pending = false
		if q.metrics != nil {
			q.metrics.TimeoutsFired++
			q.metrics.TimeoutsPending--
		}
		if t.Callback != nil {
			t.Callback()
		}
	}
}

// clear unlinks every pending timeout without invoking callbacks.
func (q *timeoutQueue) clear() {
	n := 0
	for e := q.list.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Timeout)
		t.elem = nil
		t.pending = false
		n++
	}
	if q.metrics != nil {
		q.metrics.TimeoutsPending -= int64(n)
	}
	q.list.Init()
}
