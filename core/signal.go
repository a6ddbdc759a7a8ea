// File: core/signal.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Signal delivery bridge. A raw sigaction handler cannot be installed
// from pure Go without cgo, so this manager relays os/signal.Notify
// channels into the loop's self-pipe instead: one forwarder goroutine
// per distinct signal number, refcounted across every SignalSubscription
// registered for that number. The forwarder only marks the signal
// fired and pokes the waker; which subscriptions fire, and their
// callbacks, is decided back on the loop thread inside consume. The
// exception is directRelay (SIGINT/SIGTERM/SIGCHLD), whose fn runs on
// the relay goroutine and mutates Loop state under its asyncMu.
//
// This is a deliberate divergence from the C original's single saved
// sigaction per signal number: install/restore there is replaced here
// by per-signal-number reference counting across subscriptions.

package core

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/momentics/goloop/api"
	"github.com/momentics/goloop/internal/waker"
)

// sigpipeMu and sigpipeRefcount mediate signal.Ignore(SIGPIPE)/
// signal.Reset(SIGPIPE) across every Loop in the process, the same
// way each numbered relay below is refcounted across subscriptions:
// the first Loop to ask ignores it, the last to let go resets it.
var (
	sigpipeMu       sync.Mutex
	sigpipeRefcount int
)

func ignoreSigpipe() {
	sigpipeMu.Lock()
	defer sigpipeMu.Unlock()
	if sigpipeRefcount == 0 {
		signal.Ignore(syscall.SIGPIPE)
	}
	sigpipeRefcount++
}

func unignoreSigpipe() {
	sigpipeMu.Lock()
	defer sigpipeMu.Unlock()
	sigpipeRefcount--
	if sigpipeRefcount <= 0 {
		sigpipeRefcount = 0
		signal.Reset(syscall.SIGPIPE)
	}
}

// signo extracts the numeric signal value so subscriptions can be kept
// ordered by ascending signal number, matching the original's sorted
// uloop_signal list.
func signo(s os.Signal) int {
	if n, ok := s.(syscall.Signal); ok {
		return int(n)
	}
	return 0
}

// SignalSubscription is a caller-owned registration for one signal
// number. Callback runs on the loop thread during consume, never from
// the forwarder goroutine.
type SignalSubscription struct {
	Num      os.Signal
	Callback func(os.Signal)

	pending bool
}

func (s *SignalSubscription) Pending() bool { return s.pending }

type signalRelay struct {
	ch    chan os.Signal
	stop  chan struct{}
	count int
}

type signalManager struct {
	mu      sync.Mutex
	waker   *waker.Waker
	subs    map[os.Signal][]*SignalSubscription
	order   []*SignalSubscription
	fired   map[os.Signal]bool
	relay   map[os.Signal]*signalRelay
	metrics *Metrics
}

func newSignalManager(w *waker.Waker, metrics *Metrics) *signalManager {
	return &signalManager{
		waker:   w,
		subs:    make(map[os.Signal][]*SignalSubscription),
		fired:   make(map[os.Signal]bool),
		relay:   make(map[os.Signal]*signalRelay),
		metrics: metrics,
	}
}

// directRelay installs its own dedicated signal.Notify forwarder for
// num that invokes fn directly from the relay goroutine, rather than
// queuing the delivery through fired/consume for the loop thread to
// pick up later. This is for effects that must be visible the instant
// the signal arrives, even during an iteration that never reaches
// runEvents — SIGINT/SIGTERM cancellation and SIGCHLD's
// sigchldPending, mirroring how the original's raw handlers touch
// do_sigchld/uloop_cancelled directly rather than through the generic
// ohandler dispatch. fn must only touch state safe to mutate from a
// second goroutine (see Loop's asyncMu-guarded fields). The returned
// func stops the relay and must be called during teardown.
func (m *signalManager) directRelay(num os.Signal, fn func()) func() {
	ch := make(chan os.Signal, 4)
	stop := make(chan struct{})
	signal.Notify(ch, num)
	go func() {
		for {
			select {
			case <-ch:
				fn()
				m.waker.Wake('S')
			case <-stop:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(stop)
	}
}

// insertOrdered inserts s into m.order before the first entry with a
// strictly greater signal number, preserving ascending-signo order and
// FIFO among subscriptions sharing a signal number.
func (m *signalManager) insertOrdered(s *SignalSubscription) {
	n := signo(s.Num)
	for i, cur := range m.order {
		if signo(cur.Num) > n {
			m.order = append(m.order, nil)
			copy(m.order[i+1:], m.order[i:])
			m.order[i] = s
			return
		}
	}
	m.order = append(m.order, s)
}

func (m *signalManager) add(s *SignalSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.pending {
		return api.ErrAlreadyPending
	}
	m.subs[s.Num] = append(m.subs[s.Num], s)
	m.insertOrdered(s)
	s.pending = true
	if m.metrics != nil {
		m.metrics.SignalsPending++
	}

	r := m.relay[s.Num]
	if r == nil {
		r = &signalRelay{ch: make(chan os.Signal, 4), stop: make(chan struct{})}
		m.relay[s.Num] = r
		signal.Notify(r.ch, s.Num)
		go m.forward(s.Num, r)
	}
	r.count++
	return nil
}

// forward is the only goroutine besides the loop thread touching
// signalManager state, and it touches only fired: it marks fired under
// the mutex and wakes the self-pipe.
func (m *signalManager) forward(num os.Signal, r *signalRelay) {
	for {
		select {
		case <-r.ch:
			m.mu.Lock()
			m.fired[num] = true
			m.mu.Unlock()
			m.waker.Wake('S')
		case <-r.stop:
			return
		}
	}
}

func (m *signalManager) delete(s *SignalSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.pending {
		return api.ErrNotPending
	}
	list := m.subs[s.Num]
	for i, cur := range list {
		if cur == s {
			m.subs[s.Num] = append(list[:i], list[i+1:]...)
			break
		}
	}
	for i, cur := range m.order {
		if cur == s {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	s.pending = false
	if m.metrics != nil {
		m.metrics.SignalsPending--
	}

	r := m.relay[s.Num]
	if r != nil {
		r.count--
		if r.count <= 0 {
			signal.Stop(r.ch)
			close(r.stop)
			delete(m.relay, s.Num)
			delete(m.fired, s.Num)
		}
	}
	return nil
}

// consume dispatches every signal number marked fired since the last
// call, in ascending-signo order (FIFO among subscriptions sharing a
// signal number), to every subscription still registered for that
// number.
func (m *signalManager) consume() {
	m.mu.Lock()
	due := make([]os.Signal, 0, len(m.fired))
	for num, f := range m.fired {
		if f {
			due = append(due, num)
			m.fired[num] = false
		}
	}
	m.mu.Unlock()
	if len(due) == 0 {
		return
	}
	duemap := make(map[os.Signal]bool, len(due))
	for _, n := range due {
		duemap[n] = true
	}
	m.mu.Lock()
	order := append([]*SignalSubscription(nil), m.order...)
	m.mu.Unlock()
	for _, s := range order {
		if !duemap[s.Num] || s.Callback == nil {
			continue
		}
		if m.metrics != nil {
			m.metrics.SignalsDelivered++
		}
		s.Callback(s.Num)
	}
}

// closeAll stops every outstanding relay goroutine and signal.Notify
// registration; called during loop teardown.
func (m *signalManager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for num, r := range m.relay {
		signal.Stop(r.ch)
		close(r.stop)
		delete(m.relay, num)
	}
	if m.metrics != nil {
		m.metrics.SignalsPending -= int64(len(m.order))
	}
	m.subs = make(map[os.Signal][]*SignalSubscription)
	m.order = nil
	m.fired = make(map[os.Signal]bool)
}
