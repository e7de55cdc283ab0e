// Package relay connects the local terminal to a running broadcast
// session and copies bytes both ways until either side goes away.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/user/ptyrelay/internal/config"
	"github.com/user/ptyrelay/internal/mux"
	"github.com/user/ptyrelay/internal/termmode"
)

const (
	chunkSize          = 8192
	defaultDialTimeout = 10 * time.Second
)

type Options struct {
	RemoteAddress string

	// Input and Output default to os.Stdin and os.Stdout.
	Input  *os.File
	Output *os.File

	// DisableSignals clears ISIG on the local terminal so Ctrl-C and
	// friends are forwarded as data.
	DisableSignals bool

	// OnState receives the local terminal's attributes before they are
	// changed. It is not called when Input is not a terminal.
	OnState func(*term.State)

	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Run relays until the remote session or the local input reaches
// end-of-stream (returning nil), ctx is cancelled (returning ctx.Err()), or
// a read or write fails. The local terminal is left in raw mode; restoring
// it is up to the caller.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	input, output := opts.Input, opts.Output
	if input == nil {
		input = os.Stdin
	}
	if output == nil {
		output = os.Stdout
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	inFD, outFD := int(input.Fd()), int(output.Fd())
	isTerminal := term.IsTerminal(inFD)
	if isTerminal {
		state, err := term.GetState(inFD)
		if err != nil {
			logger.Warn("failed to read terminal state", "error", err)
		} else if opts.OnState != nil {
			opts.OnState(state)
		}
	}

	conn, err := config.Dial(opts.RemoteAddress, timeout)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	defer conn.Close()
	connFD := int(conn.Fd())

	if err := unix.SetNonblock(connFD, true); err != nil {
		return fmt.Errorf("relay: set connection non-blocking: %w", err)
	}
	if err := unix.SetNonblock(inFD, true); err != nil {
		return fmt.Errorf("relay: set input non-blocking: %w", err)
	}
	defer unix.SetNonblock(inFD, false)

	if isTerminal {
		if err := termmode.Normalize(inFD, opts.DisableSignals); err != nil {
			logger.Warn("failed to set raw mode on local terminal", "error", err)
		}
	}

	events, err := mux.New()
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	defer events.Close()

	wakeR, wakeW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("relay: wake pipe: %w", err)
	}
	defer wakeR.Close()
	defer wakeW.Close()
	wakeFD := int(wakeR.Fd())

	for _, fd := range []int{inFD, connFD, wakeFD} {
		if err := events.Add(fd); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() { wakeW.Write([]byte{0}) })
	defer stop()

	logger.Debug("relay connected", "remote", opts.RemoteAddress)

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, fd, err := events.Wait(mux.Infinite)
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		if n == 0 {
			continue
		}

		switch fd {
		case inFD:
			err = copyChunk(connFD, inFD, buf)
		case connFD:
			err = copyChunk(outFD, connFD, buf)
		default:
			continue
		}
		if errors.Is(err, io.EOF) {
			logger.Debug("relay finished", "side", side(fd, inFD))
			return nil
		}
		if err != nil {
			return fmt.Errorf("relay: %s: %w", side(fd, inFD), err)
		}
	}
}

func side(fd, inFD int) string {
	if fd == inFD {
		return "local input"
	}
	return "remote session"
}

// copyChunk moves one read from src to dst. A spurious wakeup is not an
// error; end-of-stream is io.EOF.
func copyChunk(dst, src int, buf []byte) error {
	n, err := unix.Read(src, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("read: %w", err)
	}
	if n == 0 {
		return io.EOF
	}
	return writeAll(dst, buf[:n])
}

// writeAll writes p in full, waiting for dst to drain when it is
// non-blocking. Output often shares a file description with the input.
func writeAll(dst int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(dst, p)
		if n > 0 {
			p = p[n:]
		}
		if err == nil {
			if n == 0 {
				return io.ErrShortWrite
			}
			continue
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if !errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("write: %w", err)
		}
		fds := []unix.PollFd{{Fd: int32(dst), Events: unix.POLLOUT}}
		if _, err := unix.Poll(fds, -1); err != nil && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("poll: %w", err)
		}
	}
	return nil
}
