// Package termmode puts terminal descriptors into the raw, non-canonical
// mode used on both ends of a relay.
package termmode

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Normalize switches fd to raw mode: no line buffering, no echo, no input
// or output translation, reads return after a single byte. When
// disableSignals is true, control characters such as Ctrl-C are passed
// through as data instead of generating signals.
//
// Normalize is idempotent. On error the descriptor is left untouched and
// the caller may keep using it as-is.
func Normalize(fd int, disableSignals bool) error {
	tio, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return fmt.Errorf("termmode: get attributes of fd %d: %w", fd, err)
	}

	apply(tio, disableSignals)

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, tio); err != nil {
		return fmt.Errorf("termmode: set attributes of fd %d: %w", fd, err)
	}
	return nil
}

// Get returns the current terminal attributes of fd.
func Get(fd int) (*unix.Termios, error) {
	tio, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return nil, fmt.Errorf("termmode: get attributes of fd %d: %w", fd, err)
	}
	return tio, nil
}

func apply(tio *unix.Termios, disableSignals bool) {
	tio.Iflag |= unix.IGNPAR
	tio.Iflag &^= unix.ISTRIP | unix.IMAXBEL | unix.BRKINT | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXANY | unix.IXOFF
	clearPlatformInput(tio)

	tio.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHONL | unix.IEXTEN
	if disableSignals {
		tio.Lflag &^= unix.ISIG
	}

	tio.Oflag &^= unix.OPOST

	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0

	pinSpeed(tio)
}
