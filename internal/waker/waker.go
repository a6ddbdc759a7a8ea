// Package waker implements the self-pipe trick: a non-blocking pipe whose
// read end the loop core registers with the readiness Backend, and whose
// write end anything (including a goroutine standing in for true signal
// context, see core/signal.go) can poke to interrupt an in-progress wait.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package waker

import "golang.org/x/sys/unix"

// Waker wraps a self-pipe pair. Both ends are non-blocking and
// close-on-exec.
type Waker struct {
	readFd  int
	writeFd int
}

// New creates a fresh self-pipe. Pipe2 with O_NONBLOCK|O_CLOEXEC isn't
// available on every Backend platform this module targets (notably
// Darwin), so both flags are applied after the fact via fcntl instead,
// which every target shares.
func New() (*Waker, error) {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, err
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, err
		}
	}
	return &Waker{readFd: fds[0], writeFd: fds[1]}, nil
}

// ReadFd is the end to register with the readiness Backend.
func (w *Waker) ReadFd() int { return w.readFd }

// Wake writes one byte to the pipe, retrying on EINTR and otherwise
// ignoring write errors — a full pipe or a closed reader both just mean
// the wakeup is redundant.
func (w *Waker) Wake(b byte) {
	buf := [1]byte{b}
	for {
		_, err := unix.Write(w.writeFd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// Drain reads every byte currently buffered on the pipe, in 32-byte
// chunks, stopping at EAGAIN.
func (w *Waker) Drain() []byte {
	var out []byte
	var buf [32]byte
	for {
		n, err := unix.Read(w.readFd, buf[:])
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if n <= 0 || err != nil {
			return out
		}
	}
}

// Close releases both ends of the pipe.
func (w *Waker) Close() error {
	err1 := unix.Close(w.readFd)
	err2 := unix.Close(w.writeFd)
	if err1 != nil {
		return err1
	}
	return err2
}
