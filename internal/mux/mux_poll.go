//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package mux

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Multiplexer watches descriptors for read readiness.
// It is not safe for concurrent use.
type Multiplexer struct {
	fds     []unix.PollFd
	pending []int
	closed  bool
}

// New creates an empty Multiplexer.
func New() (*Multiplexer, error) {
	return &Multiplexer{}, nil
}

// Add registers read interest in fd.
func (m *Multiplexer) Add(fd int) error {
	if m.closed {
		return ErrClosed
	}
	for _, p := range m.fds {
		if int(p.Fd) == fd {
			return fmt.Errorf("mux: add fd %d: %w", fd, unix.EEXIST)
		}
	}
	m.fds = append(m.fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	return nil
}

// Remove drops fd from the watch set, including any readiness already
// collected for it but not yet reported.
func (m *Multiplexer) Remove(fd int) error {
	if m.closed {
		return ErrClosed
	}
	found := false
	for i, p := range m.fds {
		if int(p.Fd) == fd {
			m.fds = append(m.fds[:i], m.fds[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("mux: remove fd %d: %w", fd, unix.ENOENT)
	}
	for i, p := range m.pending {
		if p == fd {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	return nil
}

// Wait blocks for up to timeoutMillis (Infinite blocks forever) and reports
// one ready descriptor. n is 0 when nothing became ready or the wait was
// interrupted by a signal; err is set only for genuine failures.
func (m *Multiplexer) Wait(timeoutMillis int) (n int, fd int, err error) {
	if m.closed {
		return 0, -1, ErrClosed
	}
	if len(m.pending) == 0 {
		ready, err := unix.Poll(m.fds, timeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				return 0, -1, nil
			}
			return 0, -1, fmt.Errorf("mux: poll: %w", err)
		}
		if ready == 0 {
			return 0, -1, nil
		}
		for _, p := range m.fds {
			if p.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
				m.pending = append(m.pending, int(p.Fd))
			}
		}
		if len(m.pending) == 0 {
			return 0, -1, nil
		}
	}
	fd = m.pending[0]
	m.pending = m.pending[1:]
	return 1, fd, nil
}

// Close forgets every watched descriptor. Watched descriptors are not closed.
func (m *Multiplexer) Close() error {
	m.closed = true
	m.fds = nil
	m.pending = nil
	return nil
}
