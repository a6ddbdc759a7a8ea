//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

// File: reactor/backend_bsd.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// kqueue(2) implementation of api.Backend for the BSD family and Darwin.
// EVFILT_READ/EVFILT_WRITE track fd readiness; interval timers are armed
// with EVFILT_TIMER but their remaining-time query is tracked locally
// (kqueue has no "get remaining" syscall, only "did it fire").

package reactor

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/goloop/api"
)

type kqueueBackend struct {
	kq        int
	byFd      map[int]*api.FdRegistration
	nextIdent uintptr
}

// New constructs the default readiness backend for the running platform.
func New() (api.Backend, error) {
	return NewKqueue()
}

// NewKqueue constructs the BSD/Darwin readiness backend.
func NewKqueue() (api.Backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, api.NewError(api.ErrCodeBackend, "kqueue", err)
	}
	return &kqueueBackend{kq: kq, byFd: make(map[int]*api.FdRegistration)}, nil
}

func clearFlag(edge bool) uint16 {
	if edge {
		return unix.EV_CLEAR
	}
	return 0
}

func (b *kqueueBackend) RegisterPoll(reg *api.FdRegistration, flags api.Flag) error {
	wantRead := flags&api.Read != 0
	wantWrite := flags&api.Write != 0
	var hadRead, hadWrite bool
	if reg.Registered {
		hadRead = reg.Flags&api.Read != 0
		hadWrite = reg.Flags&api.Write != 0
	}
	edge := clearFlag(flags&api.EdgeTrigger != 0)

	var changes []unix.Kevent_t
	switch {
	case wantRead && !hadRead:
		changes = append(changes, unix.Kevent_t{Ident: uint64(reg.Fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE | edge})
	case !wantRead && hadRead:
		changes = append(changes, unix.Kevent_t{Ident: uint64(reg.Fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	switch {
	case wantWrite && !hadWrite:
		changes = append(changes, unix.Kevent_t{Ident: uint64(reg.Fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE | edge})
	case !wantWrite && hadWrite:
		changes = append(changes, unix.Kevent_t{Ident: uint64(reg.Fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}

	if len(changes) > 0 {
		if _, err := unix.Kevent(b.kq, changes, nil, nil); err != nil {
			return api.NewError(api.ErrCodeBackend, "kevent_register", err).WithContext("fd", reg.Fd)
		}
	}
	b.byFd[reg.Fd] = reg
	return nil
}

func (b *kqueueBackend) DeleteFD(reg *api.FdRegistration) error {
	delete(b.byFd, reg.Fd)
	changes := []unix.Kevent_t{
		{Ident: uint64(reg.Fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(reg.Fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	// Best effort: deleting a filter that was never added returns ENOENT,
	// which is not a failure from the caller's point of view.
	_, _ = unix.Kevent(b.kq, changes, nil, nil)
	return nil
}

func (b *kqueueBackend) FetchEvents(batch []api.Event, timeoutMs int) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	raw := make([]unix.Kevent_t, len(batch))

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1_000_000)
		ts = &t
	}

	n, err := unix.Kevent(b.kq, nil, raw, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, api.NewError(api.ErrCodeBackend, "kevent_wait", err)
	}

	filled := 0
	for i := 0; i < n; i++ {
		ev := raw[i]
		reg, ok := b.byFd[int(ev.Ident)]
		if !ok {
			// Either a stray interval-timer tick (tracked locally, not
			// surfaced to the dispatcher) or a fd that was deleted
			// between fetch and now; either way, nothing to deliver.
			continue
		}
		var flags api.Flag
		switch ev.Filter {
		case unix.EVFILT_READ:
			flags |= api.Read
		case unix.EVFILT_WRITE:
			flags |= api.Write
		}
		if ev.Flags&unix.EV_EOF != 0 {
			flags |= api.EOF
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			flags |= api.Err
		}
		batch[filled] = api.Event{Reg: reg, Events: flags}
		filled++
	}
	return filled, nil
}

func (b *kqueueBackend) Close() error {
	return unix.Close(b.kq)
}

type bsdTimer struct {
	ident   uintptr
	armedAt time.Time
	period  time.Duration
}

func (b *kqueueBackend) TimerRegister(t *api.IntervalTimer, msecs uint) error {
	bt, ok := t.BackendData.(*bsdTimer)
	if !ok {
		b.nextIdent++
		bt = &bsdTimer{ident: b.nextIdent}
		t.BackendData = bt
	}
	bt.period = time.Duration(msecs) * time.Millisecond
	bt.armedAt = time.Now()

	change := unix.Kevent_t{
		Ident:  uint64(bt.ident),
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
		Data:   int64(msecs),
	}
	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{change}, nil, nil); err != nil {
		return api.NewError(api.ErrCodeBackend, "kevent_timer_add", err)
	}
	t.Pending = true
	return nil
}

func (b *kqueueBackend) TimerRemove(t *api.IntervalTimer) error {
	bt, ok := t.BackendData.(*bsdTimer)
	if !ok {
		t.Pending = false
		return nil
	}
	change := unix.Kevent_t{Ident: uint64(bt.ident), Filter: unix.EVFILT_TIMER, Flags: unix.EV_DELETE}
	_, _ = unix.Kevent(b.kq, []unix.Kevent_t{change}, nil, nil)
	t.BackendData = nil
	t.Pending = false
	return nil
}

func (b *kqueueBackend) TimerNext(t *api.IntervalTimer) (int64, error) {
	bt, ok := t.BackendData.(*bsdTimer)
	if !ok || !t.Pending {
		return -1, nil
	}
	elapsed := time.Since(bt.armedAt) % bt.period
	return int64((bt.period - elapsed) / time.Millisecond), nil
}
