// File: core/timeout_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package core

import (
	"testing"
	"time"
)

func TestTimeoutQueueOrdersByFireTimeThenFIFO(t *testing.T) {
	q := newTimeoutQueue(nil)
	base := time.Now()

	var order []string
	mk := func(name string, at time.Time) *Timeout {
		return &Timeout{Callback: func() { order = append(order, name) }, fireAt: at}
	}

	// c and b share a fire time; registration order must be preserved.
	a := mk("a", base.Add(10*time.Millisecond))
	b := mk("b", base.Add(20*time.Millisecond))
	c := mk("c", base.Add(20*time.Millisecond))
	d := mk("d", base.Add(5*time.Millisecond))

	for _, tt := range []*Timeout{a, b, c, d} {
		if err := q.add(tt); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	q.drain(base.Add(100 * time.Millisecond))

	want := []string{"d", "a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestTimeoutQueueDrainOnlyFiresDue(t *testing.T) {
	q := newTimeoutQueue(nil)
	base := time.Now()

	fired := 0
	early := &Timeout{Callback: func() { fired++ }, fireAt: base.Add(10 * time.Millisecond)}
	late := &Timeout{Callback: func() { fired++ }, fireAt: base.Add(1000 * time.Millisecond)}

	_ = q.add(early)
	_ = q.add(late)

	remain := q.drain(base.Add(20 * time.Millisecond))
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if remain < 0 {
		t.Fatalf("remain = %d, want >= 0 (late still pending)", remain)
	}
	if late.Pending() != true {
		t.Fatalf("late should still be pending")
	}
	if early.Pending() {
		t.Fatalf("early should have been unlinked")
	}
}

func TestTimeoutSetCancelAndRemaining(t *testing.T) {
	q := newTimeoutQueue(nil)
	now := time.Now()

	to := &Timeout{}
	if err := q.set(to, 100, now); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !to.Pending() {
		t.Fatalf("expected pending after set")
	}
	if r := q.remaining(to, now); r <= 0 || r > 100 {
		t.Fatalf("remaining = %d, want in (0,100]", r)
	}

	if err := q.cancel(to); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if to.Pending() {
		t.Fatalf("expected not pending after cancel")
	}
	if err := q.cancel(to); err == nil {
		t.Fatalf("expected error cancelling an already-cancelled timeout")
	}
	if r := q.remaining(to, now); r != -1 {
		t.Fatalf("remaining after cancel = %d, want -1", r)
	}

	// set re-arms even though the previous instance is no longer pending.
	if err := q.set(to, 50, now); err != nil {
		t.Fatalf("re-set: %v", err)
	}
	if err := q.add(to); err == nil {
		t.Fatalf("expected error adding an already-pending timeout")
	}
}

func TestTimeoutQueueClear(t *testing.T) {
	q := newTimeoutQueue(nil)
	now := time.Now()
	fired := false
	to := &Timeout{Callback: func() { fired = true }}
	_ = q.set(to, 10, now)

	q.clear()

	if to.Pending() {
		t.Fatalf("expected not pending after clear")
	}
	q.drain(now.Add(time.Second))
	if fired {
		t.Fatalf("clear must not invoke callbacks")
	}
}
