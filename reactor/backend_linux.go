//go:build linux
// +build linux

// File: reactor/backend_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll(7) implementation of api.Backend, with timerfd(2)-backed
// interval timers.

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/goloop/api"
)

// epollBackend implements api.Backend on top of Linux epoll and timerfd.
type epollBackend struct {
	epfd  int
	byFd  map[int]*api.FdRegistration
	raw   []unix.EpollEvent
}

// New constructs the default readiness backend for the running platform.
func New() (api.Backend, error) {
	return NewEpoll()
}

// NewEpoll constructs the Linux readiness backend.
func NewEpoll() (api.Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, api.NewError(api.ErrCodeBackend, "epoll_create1", err)
	}
	return &epollBackend{
		epfd: epfd,
		byFd: make(map[int]*api.FdRegistration),
	}, nil
}

func toEpollEvents(flags api.Flag) uint32 {
	var ev uint32
	if flags&api.Read != 0 {
		ev |= unix.EPOLLIN
	}
	if flags&api.Write != 0 {
		ev |= unix.EPOLLOUT
	}
	if flags&api.EdgeTrigger != 0 {
		ev |= unix.EPOLLET
	}
	return ev
}

func (b *epollBackend) RegisterPoll(reg *api.FdRegistration, flags api.Flag) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(flags), Fd: int32(reg.Fd)}

	op := unix.EPOLL_CTL_ADD
	if reg.Registered {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(b.epfd, op, reg.Fd, ev); err != nil {
		return api.NewError(api.ErrCodeBackend, "epoll_ctl", err).WithContext("fd", reg.Fd)
	}
	b.byFd[reg.Fd] = reg
	return nil
}

func (b *epollBackend) DeleteFD(reg *api.FdRegistration) error {
	delete(b.byFd, reg.Fd)
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, reg.Fd, nil); err != nil {
		if err == unix.ENOENT || err == unix.EBADF {
			return nil
		}
		return api.NewError(api.ErrCodeBackend, "epoll_ctl_del", err).WithContext("fd", reg.Fd)
	}
	return nil
}

func (b *epollBackend) FetchEvents(batch []api.Event, timeoutMs int) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	if cap(b.raw) < len(batch) {
		b.raw = make([]unix.EpollEvent, len(batch))
	}
	raw := b.raw[:len(batch)]

	n, err := unix.EpollWait(b.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, api.NewError(api.ErrCodeBackend, "epoll_wait", err)
	}

	filled := 0
	for i := 0; i < n; i++ {
		reg, ok := b.byFd[int(raw[i].Fd)]
		if !ok {
			continue
		}
		var flags api.Flag
		if raw[i].Events&unix.EPOLLIN != 0 {
			flags |= api.Read
		}
		if raw[i].Events&unix.EPOLLOUT != 0 {
			flags |= api.Write
		}
		if raw[i].Events&unix.EPOLLHUP != 0 {
			flags |= api.EOF
		}
		if raw[i].Events&unix.EPOLLERR != 0 {
			flags |= api.Err
		}
		batch[filled] = api.Event{Reg: reg, Events: flags}
		filled++
	}
	return filled, nil
}

func (b *epollBackend) Close() error {
	return unix.Close(b.epfd)
}

func msToTimespec(ms uint) unix.Timespec {
	return unix.NsecToTimespec(int64(ms) * int64(1_000_000))
}

func (b *epollBackend) TimerRegister(t *api.IntervalTimer, msecs uint) error {
	fd, ok := t.BackendData.(int)
	if !ok {
		var err error
		fd, err = unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
		if err != nil {
			return api.NewError(api.ErrCodeBackend, "timerfd_create", err)
		}
		t.BackendData = fd
	}

	spec := msToTimespec(msecs)
	its := &unix.ItimerSpec{Interval: spec, Value: spec}
	if err := unix.TimerfdSettime(fd, 0, its, nil); err != nil {
		return api.NewError(api.ErrCodeBackend, "timerfd_settime", err).WithContext("fd", fd)
	}
	t.Pending = true
	return nil
}

func (b *epollBackend) TimerRemove(t *api.IntervalTimer) error {
	fd, ok := t.BackendData.(int)
	if !ok {
		t.Pending = false
		return nil
	}
	zero := unix.ItimerSpec{}
	_ = unix.TimerfdSettime(fd, 0, &zero, nil)
	err := unix.Close(fd)
	t.BackendData = nil
	t.Pending = false
	if err != nil {
		return fmt.Errorf("timerfd close: %w", err)
	}
	return nil
}

func (b *epollBackend) TimerNext(t *api.IntervalTimer) (int64, error) {
	fd, ok := t.BackendData.(int)
	if !ok || !t.Pending {
		return -1, nil
	}
	var cur unix.ItimerSpec
	if err := unix.TimerfdGettime(fd, &cur); err != nil {
		return -1, api.NewError(api.ErrCodeBackend, "timerfd_gettime", err)
	}
	return int64(cur.Value.Sec)*1000 + int64(cur.Value.Nsec)/1_000_000, nil
}
