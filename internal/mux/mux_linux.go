package mux

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Multiplexer watches descriptors for read readiness.
// It is not safe for concurrent use.
type Multiplexer struct {
	epfd   int
	events [1]unix.EpollEvent
}

// New creates an empty Multiplexer.
func New() (*Multiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("mux: epoll_create1: %w", err)
	}
	return &Multiplexer{epfd: epfd}, nil
}

// Add registers read interest in fd.
func (m *Multiplexer) Add(fd int) error {
	if m.epfd < 0 {
		return ErrClosed
	}
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("mux: add fd %d: %w", fd, err)
	}
	return nil
}

// Remove drops fd from the watch set. It must be called before fd is closed.
func (m *Multiplexer) Remove(fd int) error {
	if m.epfd < 0 {
		return ErrClosed
	}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("mux: remove fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks for up to timeoutMillis (Infinite blocks forever) and reports
// one ready descriptor. n is 0 when nothing became ready or the wait was
// interrupted by a signal; err is set only for genuine failures.
func (m *Multiplexer) Wait(timeoutMillis int) (n int, fd int, err error) {
	if m.epfd < 0 {
		return 0, -1, ErrClosed
	}
	n, err = unix.EpollWait(m.epfd, m.events[:], timeoutMillis)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, -1, nil
		}
		return 0, -1, fmt.Errorf("mux: epoll_wait: %w", err)
	}
	if n == 0 {
		return 0, -1, nil
	}
	return 1, int(m.events[0].Fd), nil
}

// Close releases the epoll instance. Watched descriptors are not closed.
func (m *Multiplexer) Close() error {
	if m.epfd < 0 {
		return nil
	}
	err := unix.Close(m.epfd)
	m.epfd = -1
	return err
}
