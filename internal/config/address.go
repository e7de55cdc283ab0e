package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// ParseAddress interprets a relay address: anything containing a colon is
// a TCP host:port, everything else a unix-domain socket path.
func ParseAddress(addr string) (network, address string, err error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", "", errors.New("address is empty")
	}
	if strings.Contains(addr, ":") {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return "", "", fmt.Errorf("address %q: %w", addr, err)
		}
		return "tcp", addr, nil
	}
	return "unix", addr, nil
}

type filer interface {
	File() (*os.File, error)
}

// Listen binds addr and returns the listening socket as a file, together
// with the bound address. A stale unix socket left behind by a previous
// run is removed first; the socket file is left in place on exit.
func Listen(addr string) (*os.File, net.Addr, error) {
	network, address, err := ParseAddress(addr)
	if err != nil {
		return nil, nil, err
	}

	if network == "unix" {
		if err := removeStaleSocket(address); err != nil {
			return nil, nil, err
		}
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s %s: %w", network, address, err)
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}
	bound := ln.Addr()

	f, err := ln.(filer).File()
	ln.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("listener descriptor for %s: %w", address, err)
	}
	return f, bound, nil
}

// Dial connects to addr and returns the connection as a file.
func Dial(addr string, timeout time.Duration) (*os.File, error) {
	network, address, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s %s: %w", network, address, err)
	}
	defer conn.Close()

	f, err := conn.(filer).File()
	if err != nil {
		return nil, fmt.Errorf("connection descriptor for %s: %w", address, err)
	}
	return f, nil
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return nil
}
