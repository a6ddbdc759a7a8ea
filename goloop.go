// File: goloop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package goloop is the public facade: it wires package core's dispatch
// engine to package reactor's platform backend and re-exports the
// types and constructors application code is expected to use directly,
// the way the teacher's own root package sits in front of its internal
// subsystems.
package goloop

import (
	"github.com/momentics/goloop/api"
	"github.com/momentics/goloop/core"
	"github.com/momentics/goloop/reactor"
)

func init() {
	core.SetBackendFactory(reactor.New)
}

// Loop is a single-threaded event loop: fd readiness dispatch, ordered
// timeouts, SIGCHLD-driven process reaping, and POSIX signal delivery,
// all serialized onto whichever goroutine calls Run.
type Loop = core.Loop

// Option configures a Loop at construction time.
type Option = core.Option

// Logger is the ambient logging sink a Loop writes through.
type Logger = core.Logger

// Metrics accumulates simple loop-lifetime counters.
type Metrics = core.Metrics

// Timeout is a caller-owned one-shot deadline.
type Timeout = core.Timeout

// ProcessEntry is a caller-owned handle for a child pid to reap.
type ProcessEntry = core.ProcessEntry

// SignalSubscription is a caller-owned registration for a signal number.
type SignalSubscription = core.SignalSubscription

// FdRegistration describes interest in one file descriptor.
type FdRegistration = api.FdRegistration

// IntervalTimer describes a backend-driven recurring timer.
type IntervalTimer = api.IntervalTimer

// Flag is the fd interest/readiness bitmask.
type Flag = api.Flag

const (
	Read          = api.Read
	Write         = api.Write
	EdgeTrigger   = api.EdgeTrigger
	Blocking      = api.Blocking
	EOF           = api.EOF
	Err           = api.Err
	EventBuffered = api.EventBuffered
)

var (
	ErrAlreadyPending = api.ErrAlreadyPending
	ErrNotPending     = api.ErrNotPending
	ErrBackendFailure = api.ErrBackendFailure
	ErrSyscallFailure = api.ErrSyscallFailure
	ErrNotSupported   = api.ErrNotSupported
	ErrClosed         = api.ErrClosed
)

// WithLogger installs the ambient logging sink.
func WithLogger(l Logger) Option { return core.WithLogger(l) }

// WithMetrics installs the counter set the loop accumulates into.
func WithMetrics(m *Metrics) Option { return core.WithMetrics(m) }

// WithSigchld controls automatic SIGCHLD-driven process reaping.
func WithSigchld(enabled bool) Option { return core.WithSigchld(enabled) }

// WithMaxEvents overrides the default per-poll readiness batch size.
func WithMaxEvents(n int) Option { return core.WithMaxEvents(n) }

// WithFdSetCallback installs a diagnostic hook invoked whenever FdAdd or
// FdDelete changes an fd's registered interest (flags==0 on deletion).
func WithFdSetCallback(cb func(reg *api.FdRegistration, flags api.Flag)) Option {
	return core.WithFdSetCallback(cb)
}

// WithBackend overrides the platform-default readiness backend.
func WithBackend(b api.Backend) Option { return core.WithBackend(b) }

// New constructs a Loop bound to the platform's default readiness
// backend (epoll on Linux, kqueue on the BSD family and Darwin) unless
// overridden with WithBackend.
func New(opts ...Option) (*Loop, error) {
	return core.NewLoop(opts...)
}
