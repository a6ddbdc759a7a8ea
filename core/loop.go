// File: core/loop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loop is the single-threaded run loop tying the fd dispatcher, timeout
// queue, process reaper and signal manager together on top of one
// api.Backend. Run's structure mirrors uloop_run's do-while: drain due
// timeouts, compute the next deadline, and only block in the backend
// when there is a reason to (a pending timeout or a bounded budget) —
// an unbounded budget with no pending timeout busy-spins the do-while
// exactly as the C original does, by design (see the Run doc comment
// below).

package core

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/momentics/goloop/api"
	"github.com/momentics/goloop/internal/waker"
)

// SignalExit is the error Run returns when the loop was cancelled by
// SIGINT or SIGTERM; Signo is the raw signal number, matching the
// original's use of the signal number itself as uloop_run's exit
// status.
type SignalExit struct {
	Signo int
}

func (e *SignalExit) Error() string {
	return fmt.Sprintf("goloop: run cancelled by signal %d", e.Signo)
}

// Logger is the ambient logging sink every component in this package
// writes through. All methods are no-ops when no logger is configured,
// matching the teacher's convention of optional structured logging.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// Metrics accumulates simple loop-lifetime counters. Every field is
// safe to read concurrently only after the loop has stopped running;
// the loop thread is the sole writer while Run is active.
type Metrics struct {
	Iterations         int64
	FdEventsDispatched int64
	TimeoutsFired      int64
	ProcessesReaped    int64
	SignalsDelivered   int64
	CallbackPanics     int64

	TimeoutsPending  int64
	ProcessesPending int64
	SignalsPending   int64
}

// Option configures a Loop at construction time.
type Option func(*Loop)

// WithLogger installs the ambient logging sink.
func WithLogger(l Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.log = l
		}
	}
}

// WithMetrics installs the counter set the loop will accumulate into.
func WithMetrics(m *Metrics) Option {
	return func(lp *Loop) { lp.metrics = m }
}

// WithSigchld controls whether NewLoop auto-subscribes SIGCHLD to drive
// the process reaper. Defaults to true; pass false when the caller
// wants to manage SIGCHLD itself via SignalAdd.
func WithSigchld(enabled bool) Option {
	return func(lp *Loop) { lp.autoSigchld = enabled }
}

// WithMaxEvents overrides the default per-poll readiness batch size.
func WithMaxEvents(n int) Option {
	return func(lp *Loop) { lp.maxEvents = n }
}

// WithFdSetCallback installs a hook invoked every time FdAdd or FdDelete
// changes an fd's registered interest, with flags==0 signalling
// deletion. Primarily useful for diagnostics (e.g. mirroring
// registrations into an external poller count).
func WithFdSetCallback(cb func(reg *api.FdRegistration, flags api.Flag)) Option {
	return func(lp *Loop) { lp.fdSetCB = cb }
}

// WithBackend overrides the platform-default readiness backend,
// primarily for tests that supply a fake api.Backend.
func WithBackend(b api.Backend) Option {
	return func(lp *Loop) { lp.backend = b }
}

// backendFactory lets cmd wiring (or tests) tell NewLoop how to build
// the default platform backend, without core importing the build-tag
// segmented reactor package directly and risking an import cycle.
var backendFactory func() (api.Backend, error)

// SetBackendFactory installs the default backend constructor, normally
// called once from an init() in package reactor's consumer (or by
// tests) as reactor.New.
func SetBackendFactory(f func() (api.Backend, error)) {
	backendFactory = f
}

// Loop is a single run loop instance. The zero value is not usable;
// construct with NewLoop.
type Loop struct {
	backend api.Backend
	waker   *waker.Waker
	clock   Clock

	fds       *fdDispatcher
	timeouts  *timeoutQueue
	processes *processReaper
	signals   *signalManager

	log     Logger
	metrics *Metrics

	maxEvents   int
	autoSigchld bool
	fdSetCB     func(reg *api.FdRegistration, flags api.Flag)

	// asyncMu guards every field below it, the only Loop state touched
	// from a goroutine other than whichever one is calling Run: the
	// directRelay goroutines backing SIGINT/SIGTERM/SIGCHLD write
	// these directly, mirroring how the original's raw signal handlers
	// poke do_sigchld/uloop_cancelled/uloop_status without waiting for
	// the dispatch loop to get around to it.
	asyncMu        sync.Mutex
	cancelled      bool
	cancelErr      error
	sigchldPending bool

	// localCancelDepth and localCancelErr, unlike cancelled/cancelErr,
	// are only ever touched from the loop goroutine (EndLocal is
	// documented to run from a loop callback), so they
	// need no lock, and deliberately do not share storage with the
	// asyncMu-guarded cancelErr.
	localCancelDepth int
	localCancelErr   error
	runDepth         int

	sigintStop  func()
	sigtermStop func()
	sigchldStop func()
	wakerReg    *api.FdRegistration

	closed bool
}

// NewLoop constructs a Loop ready for Run. If no backend is supplied
// via WithBackend, the factory installed by SetBackendFactory is used.
func NewLoop(opts ...Option) (*Loop, error) {
	lp := &Loop{
		log:         nopLogger{},
		maxEvents:   api.MaxEvents,
		autoSigchld: true,
	}
	for _, opt := range opts {
		opt(lp)
	}

	if lp.backend == nil {
		if backendFactory == nil {
			return nil, api.ErrNotSupported
		}
		b, err := backendFactory()
		if err != nil {
			return nil, err
		}
		lp.backend = b
	}

	w, err := waker.New()
	if err != nil {
		return nil, err
	}
	lp.waker = w

	lp.fds = newFdDispatcher(lp.backend, lp.maxEvents, lp.metrics, lp.log)
	lp.fds.setCB = lp.fdSetCB
	lp.timeouts = newTimeoutQueue(lp.metrics)
	lp.processes = newProcessReaper(lp.metrics)
	lp.signals = newSignalManager(lp.waker, lp.metrics)

	lp.wakerReg = &api.FdRegistration{
		Fd:    w.ReadFd(),
		Flags: api.Read | api.EdgeTrigger,
		Callback: func(*api.FdRegistration, api.Flag) {
			lp.waker.Drain()
			lp.signals.consume()
		},
	}
	if err := lp.fds.add(lp.wakerReg, api.Read|api.EdgeTrigger); err != nil {
		_ = w.Close()
		return nil, err
	}

	ignoreSigpipe()

	lp.sigintStop = lp.signals.directRelay(syscall.SIGINT, func() {
		lp.setCancelled(&SignalExit{Signo: int(syscall.SIGINT)})
	})
	lp.sigtermStop = lp.signals.directRelay(syscall.SIGTERM, func() {
		lp.setCancelled(&SignalExit{Signo: int(syscall.SIGTERM)})
	})

	if lp.autoSigchld {
		lp.sigchldStop = lp.signals.directRelay(syscall.SIGCHLD, func() {
			lp.markSigchldPending()
		})
	}

	lp.log.Debugf("goloop: loop initialized, maxEvents=%d autoSigchld=%v", lp.maxEvents, lp.autoSigchld)
	return lp, nil
}

// setCancelled marks the loop cancelled with err as its exit error.
// Safe to call from the directRelay goroutines (SIGINT/SIGTERM) as
// well as the loop thread (End), since asyncMu guards it.
func (lp *Loop) setCancelled(err error) {
	lp.asyncMu.Lock()
	lp.cancelled = true
	lp.cancelErr = err
	lp.asyncMu.Unlock()
	lp.waker.Wake('E')
}

func (lp *Loop) isCancelled() bool {
	lp.asyncMu.Lock()
	c := lp.cancelled
	lp.asyncMu.Unlock()
	return c
}

func (lp *Loop) exitErr() error {
	lp.asyncMu.Lock()
	e := lp.cancelErr
	lp.asyncMu.Unlock()
	return e
}

// markSigchldPending is called directly from the SIGCHLD directRelay
// goroutine, independent of fd dispatch, so a Run loop that never
// reaches runEvents in a given iteration (no pending timeout, no
// deadline) still reaps exited children at the top of its next
// iteration instead of starving forever.
func (lp *Loop) markSigchldPending() {
	lp.asyncMu.Lock()
	lp.sigchldPending = true
	lp.asyncMu.Unlock()
}

// takeSigchldPending reports and clears sigchldPending.
func (lp *Loop) takeSigchldPending() bool {
	lp.asyncMu.Lock()
	p := lp.sigchldPending
	lp.sigchldPending = false
	lp.asyncMu.Unlock()
	return p
}

// checkOpen returns api.ErrClosed once Close has run, so operations
// attempted on a torn-down Loop fail fast instead of touching
// resources Close already released.
func (lp *Loop) checkOpen() error {
	if lp.closed {
		return api.ErrClosed
	}
	return nil
}

// FdAdd registers reg for the interest flags given. reg.Callback is
// invoked on the loop thread whenever the backend reports matching
// readiness.
func (lp *Loop) FdAdd(reg *api.FdRegistration, flags api.Flag) error {
	if err := lp.checkOpen(); err != nil {
		return err
	}
	return lp.fds.add(reg, flags)
}

// FdDelete unregisters reg. Safe to call from within reg's own
// callback or another callback running in the same dispatch pass.
func (lp *Loop) FdDelete(reg *api.FdRegistration) error {
	if err := lp.checkOpen(); err != nil {
		return err
	}
	return lp.fds.delete(reg)
}

// TimeoutSet arms t to fire after msecs milliseconds, cancelling any
// prior arming first.
func (lp *Loop) TimeoutSet(t *Timeout, msecs int) error {
	if err := lp.checkOpen(); err != nil {
		return err
	}
	return lp.timeouts.set(t, msecs, lp.clock.Now())
}

// TimeoutCancel disarms t. Returns api.ErrNotPending if t was not armed.
func (lp *Loop) TimeoutCancel(t *Timeout) error {
	if err := lp.checkOpen(); err != nil {
		return err
	}
	return lp.timeouts.cancel(t)
}

// TimeoutRemaining returns the milliseconds until t fires clamped to
// the 32-bit range, or -1 if t is not armed. An overdue-but-still-
// pending timeout (not yet drained) reports a negative value rather
// than -1, matching uloop_timeout_remaining: -1 is reserved for "not
// pending", not "already due". Use TimeoutRemaining64 for the raw,
// unclamped value.
func (lp *Loop) TimeoutRemaining(t *Timeout) int64 {
	if !t.Pending() {
		return -1
	}
	r := lp.timeouts.remaining(t, lp.clock.Now())
	return int64(clampInt32(r))
}

// TimeoutRemaining64 returns the raw, unclamped milliseconds until t
// fires, or -1 if t is not armed.
func (lp *Loop) TimeoutRemaining64(t *Timeout) int64 {
	return lp.timeouts.remaining(t, lp.clock.Now())
}

// ProcessAdd registers interest in reaping p.Pid. The loop's SIGCHLD
// relay (installed automatically unless WithSigchld(false) was passed)
// drives delivery; with auto-SIGCHLD disabled the loop does not reap,
// and a SignalAdd subscription for SIGCHLD does not trigger reaping
// of registered entries.
func (lp *Loop) ProcessAdd(p *ProcessEntry) error {
	if err := lp.checkOpen(); err != nil {
		return err
	}
	return lp.processes.add(p)
}

// ProcessCancel unregisters p without reaping it.
func (lp *Loop) ProcessCancel(p *ProcessEntry) error {
	if err := lp.checkOpen(); err != nil {
		return err
	}
	return lp.processes.cancel(p)
}

// SignalAdd registers s for delivery on the loop thread.
func (lp *Loop) SignalAdd(s *SignalSubscription) error {
	if err := lp.checkOpen(); err != nil {
		return err
	}
	return lp.signals.add(s)
}

// SignalDelete unregisters s.
func (lp *Loop) SignalDelete(s *SignalSubscription) error {
	if err := lp.checkOpen(); err != nil {
		return err
	}
	return lp.signals.delete(s)
}

// IntervalRegister arms t on the backend to fire every msecs
// milliseconds. The backend invokes no callback directly; callers
// typically pair an IntervalTimer with an fd registration the backend
// exposes for readiness (timerfd on Linux) or poll it via
// IntervalNext.
func (lp *Loop) IntervalRegister(t *api.IntervalTimer, msecs uint) error {
	if err := lp.checkOpen(); err != nil {
		return err
	}
	return lp.backend.TimerRegister(t, msecs)
}

// IntervalRemove disarms t.
func (lp *Loop) IntervalRemove(t *api.IntervalTimer) error {
	if err := lp.checkOpen(); err != nil {
		return err
	}
	return lp.backend.TimerRemove(t)
}

// IntervalNext returns milliseconds until t's next fire.
func (lp *Loop) IntervalNext(t *api.IntervalTimer) (int64, error) {
	if err := lp.checkOpen(); err != nil {
		return -1, err
	}
	return lp.backend.TimerNext(t)
}

// Cancelling reports whether an enclosing Run call is unwinding due to
// End (or EndLocal, from the current nesting level) having been
// called. cancelled is loop-wide and sticky once set: it is never
// reset or saved/restored around a nested Run, matching
// uloop_cancelled's single static-global lifetime in the original;
// only an outermost Run call (one made with no Run active) clears it
// on entry.
func (lp *Loop) Cancelling() bool {
	if lp.runDepth == 0 {
		return false
	}
	if lp.localCancelDepth == lp.runDepth {
		return true
	}
	return lp.isCancelled()
}

// End requests that every nested Run call unwind promptly, with err as
// the outermost call's return error (nil is fine). The flag is
// loop-wide and sticky: it is observable from a Run call nested inside
// the callback that invoked End, and remains set until something calls
// Run again after the outermost call has already returned. Safe to call
// from any fd/timeout/process/signal callback, or from another
// goroutine.
func (lp *Loop) End(err error) {
	lp.setCancelled(err)
}

// EndLocal requests that only the innermost Run call at the current
// nesting level return, without marking outer Run calls cancelled. Use
// this from a callback that only wants to unwind a Run it started
// re-entrantly, leaving any enclosing Run undisturbed.
func (lp *Loop) EndLocal(err error) {
	lp.localCancelDepth = lp.runDepth
	lp.localCancelErr = err
	lp.waker.Wake('E')
}

// Run drives the loop until End/EndLocal is called or budgetMs
// milliseconds have elapsed (a negative budgetMs blocks indefinitely).
// Run may be called re-entrantly from within a callback: cancellation
// via End is loop-wide and unwinds every nesting level promptly, while
// EndLocal unwinds only the Run call at the nesting level it was
// called from. sigchldPending is checked and serviced first thing
// every iteration, ahead of timeout drain, so a busy-spinning Run
// (no pending timeout, no deadline) still reaps exited children
// without waiting on fd dispatch.
func (lp *Loop) Run(budgetMs int) error {
	if err := lp.checkOpen(); err != nil {
		return err
	}
	if lp.runDepth == 0 {
		lp.asyncMu.Lock()
		lp.cancelled = false
		lp.cancelErr = nil
		lp.asyncMu.Unlock()
	}
	lp.runDepth++
	myDepth := lp.runDepth
	defer func() {
		if lp.localCancelDepth == myDepth {
			lp.localCancelDepth = 0
			lp.localCancelErr = nil
		}
		lp.runDepth--
	}()

	deadline := time.Time{}
	hasDeadline := budgetMs >= 0
	if hasDeadline {
		deadline = lp.clock.After(lp.clock.Now(), budgetMs)
	}

	for !lp.Cancelling() {
		if lp.takeSigchldPending() {
			lp.processes.handleAll()
		}
		if lp.Cancelling() {
			break
		}

		now := lp.clock.Now()
		nextTimeout := lp.timeouts.drain(now)
		if lp.Cancelling() {
			break
		}

		waitMs := -1
		if hasDeadline {
			waitMs = int(clampInt32(lp.clock.Diff(deadline, now)))
			if waitMs < 0 {
				waitMs = 0
			}
		}
		if nextTimeout >= 0 {
			if waitMs < 0 || int64(waitMs) > nextTimeout {
				waitMs = int(clampInt32(nextTimeout))
			}
			if err := lp.fds.runEvents(waitMs); err != nil {
				return err
			}
		} else if hasDeadline {
			if err := lp.fds.runEvents(waitMs); err != nil {
				return err
			}
		}
		// nextTimeout < 0 and no deadline: nothing to wait for and no
		// timer to drain against, so this iteration falls straight
		// through without blocking in the backend, same as the
		// original's next_time>=0 guard around uloop_run_events.

		if lp.metrics != nil {
			lp.metrics.Iterations++
		}

		if lp.Cancelling() {
			break
		}

		if hasDeadline && !lp.clock.Now().Before(deadline) {
			break
		}
	}

	if lp.localCancelDepth == myDepth {
		return lp.localCancelErr
	}
	return lp.exitErr()
}

// Close tears down the loop's owned resources: the self-pipe, every
// outstanding signal relay goroutine, and the backend itself. Pending
// timeouts and process entries are unlinked without running their
// callbacks or reaping. Close is
// not safe to call while Run is active on another goroutine — this
// loop is single-threaded by design.
func (lp *Loop) Close() error {
	if lp.closed {
		return nil
	}
	lp.closed = true

	lp.sigintStop()
	lp.sigtermStop()
	if lp.sigchldStop != nil {
		lp.sigchldStop()
	}
	unignoreSigpipe()

	lp.signals.closeAll()
	lp.timeouts.clear()
	for e := lp.processes.list.Front(); e != nil; e = e.Next() {
		p := e.Value.(*ProcessEntry)
		p.elem = nil
		p.pending = false
		if lp.metrics != nil {
			lp.metrics.ProcessesPending--
		}
	}
	lp.processes.list.Init()

	_ = lp.fds.delete(lp.wakerReg)
	werr := lp.waker.Close()
	berr := lp.backend.Close()
	if werr != nil {
		return werr
	}
	return berr
}
