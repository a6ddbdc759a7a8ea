//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd
// +build !linux,!darwin,!dragonfly,!freebsd,!netbsd,!openbsd

// File: reactor/backend_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Placeholder backend for platforms without epoll or kqueue. The spec
// this library targets is Unix-only by design; this stub exists so the
// module still builds elsewhere, reporting api.ErrNotSupported on use.

package reactor

import "github.com/momentics/goloop/api"

type stubBackend struct{}

// New is unavailable on this platform.
func New() (api.Backend, error) {
	return nil, api.ErrNotSupported
}

// NewEpoll is unavailable on this platform.
func NewEpoll() (api.Backend, error) {
	return nil, api.ErrNotSupported
}

// NewKqueue is unavailable on this platform.
func NewKqueue() (api.Backend, error) {
	return nil, api.ErrNotSupported
}

func (stubBackend) RegisterPoll(*api.FdRegistration, api.Flag) error { return api.ErrNotSupported }
func (stubBackend) DeleteFD(*api.FdRegistration) error               { return api.ErrNotSupported }
func (stubBackend) FetchEvents([]api.Event, int) (int, error)        { return 0, api.ErrNotSupported }
func (stubBackend) Close() error                                     { return api.ErrNotSupported }
func (stubBackend) TimerRegister(*api.IntervalTimer, uint) error      { return api.ErrNotSupported }
func (stubBackend) TimerRemove(*api.IntervalTimer) error              { return api.ErrNotSupported }
func (stubBackend) TimerNext(*api.IntervalTimer) (int64, error)       { return -1, api.ErrNotSupported }
