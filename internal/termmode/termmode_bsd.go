//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package termmode

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
)

func clearPlatformInput(*unix.Termios) {}

func pinSpeed(tio *unix.Termios) {
	tio.Ispeed = unix.B38400
	tio.Ospeed = unix.B38400
}
