package termmode

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
)

func clearPlatformInput(tio *unix.Termios) {
	tio.Iflag &^= unix.IUCLC
}

// pinSpeed fixes both directions at 38400 baud. Linux keeps the output
// speed in the CBAUD bits of c_cflag as well as in the speed fields.
func pinSpeed(tio *unix.Termios) {
	tio.Cflag &^= unix.CBAUD
	tio.Cflag |= unix.B38400
	tio.Ispeed = unix.B38400
	tio.Ospeed = unix.B38400
}
