// Package core implements the dispatch engine this module exists for: a
// single-threaded run loop multiplexing fd readiness, ordered timeouts,
// and SIGCHLD-driven process reaping on top of an api.Backend (package
// reactor), plus the self-pipe-fed signal manager that bridges POSIX
// signals into the same loop thread.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package core
