// Package api defines the boundary between the loop core and the
// platform-specific readiness backends (epoll, kqueue, ...): the fd/event
// flag vocabulary, the records the core borrows from callers, and the
// Backend contract each platform implementation must satisfy.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package api

// Flag is a bitmask of fd interest/readiness bits and caller-requested
// behavior modifiers.
type Flag uint32

const (
	Read          Flag = 1 << iota // caller is interested in / backend reports readability
	Write                          // caller is interested in / backend reports writability
	EdgeTrigger                    // caller requests edge-triggered delivery
	Blocking                       // caller asks the dispatcher to leave the fd blocking
	EOF                            // backend observed end-of-file
	Err                            // backend observed an error condition
	EventBuffered                  // dispatcher-internal: event was folded into a recursion frame
)

// MaxEvents is the default size of the dispatcher's per-poll batch.
const MaxEvents = 10

// FdRegistration is a caller-owned record describing interest in one file
// descriptor. The loop borrows it for the duration between FdAdd and
// FdDelete; the caller must keep it alive and must not hand the same
// pointer to two loops at once.
type FdRegistration struct {
	Fd         int
	Flags      Flag
	Callback   func(reg *FdRegistration, events Flag)
	Registered bool
	Eof        bool
	ErrFlag    bool
}

// Event is one readiness record filled in by Backend.FetchEvents.
type Event struct {
	Reg    *FdRegistration
	Events Flag
}

// IntervalTimer is a caller-owned record describing a recurring timer
// delegated entirely to the Backend. BackendData is opaque storage the
// concrete Backend implementation uses to track its own handle (a
// timerfd on Linux, a kevent identity on the kqueue family).
type IntervalTimer struct {
	Pending     bool
	BackendData any
}

// Backend is the readiness-multiplexer contract the loop core depends on.
// Two concrete implementations ship in package reactor: an epoll backend
// for Linux and a kqueue backend for the BSD family and Darwin.
type Backend interface {
	// RegisterPoll adds or modifies fd interest for reg according to flags.
	RegisterPoll(reg *FdRegistration, flags Flag) error

	// DeleteFD removes reg's fd from the backend's interest set.
	DeleteFD(reg *FdRegistration) error

	// FetchEvents blocks up to timeoutMs milliseconds (< 0 means forever)
	// and fills up to len(batch) entries, returning the count filled.
	FetchEvents(batch []Event, timeoutMs int) (int, error)

	// Close releases the backend's kernel resources.
	Close() error

	// TimerRegister arms (or re-arms) t to fire every msecs milliseconds.
	TimerRegister(t *IntervalTimer, msecs uint) error

	// TimerRemove disarms t.
	TimerRemove(t *IntervalTimer) error

	// TimerNext returns the milliseconds remaining until t's next fire,
	// or -1 if t is not armed.
	TimerNext(t *IntervalTimer) (int64, error)
}
