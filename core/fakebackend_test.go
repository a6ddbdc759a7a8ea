// File: core/fakebackend_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// fakeBackend is a minimal api.Backend used by this package's tests. It
// polls real fds (via poll(2), not epoll/kqueue) so the self-pipe waker
// a Loop always registers still works end to end, without pulling in
// either platform-specific reactor implementation.

package core

import (
	"sync"

	"github.com/momentics/goloop/api"
	"golang.org/x/sys/unix"
)

type fakeBackend struct {
	mu   sync.Mutex
	byFd map[int]*api.FdRegistration
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{byFd: make(map[int]*api.FdRegistration)}
}

func (b *fakeBackend) RegisterPoll(reg *api.FdRegistration, flags api.Flag) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg.Flags = flags
	b.byFd[reg.Fd] = reg
	return nil
}

func (b *fakeBackend) DeleteFD(reg *api.FdRegistration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byFd, reg.Fd)
	return nil
}

func (b *fakeBackend) FetchEvents(batch []api.Event, timeoutMs int) (int, error) {
	b.mu.Lock()
	pfds := make([]unix.PollFd, 0, len(b.byFd))
	regs := make([]*api.FdRegistration, 0, len(b.byFd))
	for _, reg := range b.byFd {
		var events int16
		if reg.Flags&api.Read != 0 {
			events |= unix.POLLIN
		}
		if reg.Flags&api.Write != 0 {
			events |= unix.POLLOUT
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(reg.Fd), Events: events})
		regs = append(regs, reg)
	}
	b.mu.Unlock()

	if len(pfds) == 0 {
		return 0, nil
	}

	n, err := unix.Poll(pfds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	filled := 0
	for i, pfd := range pfds {
		if pfd.Revents == 0 || filled >= len(batch) {
			continue
		}
		var flags api.Flag
		if pfd.Revents&unix.POLLIN != 0 {
			flags |= api.Read
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			flags |= api.Write
		}
		if pfd.Revents&unix.POLLHUP != 0 {
			flags |= api.EOF
		}
		if pfd.Revents&unix.POLLERR != 0 {
			flags |= api.Err
		}
		if flags == 0 {
			continue
		}
		batch[filled] = api.Event{Reg: regs[i], Events: flags}
		filled++
	}
	return filled, nil
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) TimerRegister(t *api.IntervalTimer, msecs uint) error {
	t.Pending = true
	return nil
}

func (b *fakeBackend) TimerRemove(t *api.IntervalTimer) error {
	t.Pending = false
	return nil
}

func (b *fakeBackend) TimerNext(t *api.IntervalTimer) (int64, error) {
	if !t.Pending {
		return -1, nil
	}
	return 0, nil
}
