// Package reactor ships the platform-specific api.Backend implementations
// the loop core dispatches through: an epoll backend for Linux and a
// kqueue backend for the BSD family and Darwin, selected at compile time
// by build tag. Platforms with neither fall back to a stub that reports
// api.ErrNotSupported.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package reactor
