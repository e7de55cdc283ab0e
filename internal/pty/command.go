package pty

import (
	"fmt"
	"os"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
)

// ParseCommand splits a command line into argv using shell quoting rules.
// Commands containing shell control characters are wrapped in "sh -c".
func ParseCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, nil
	}
	if strings.ContainsAny(command, "\n|&;$`<>") {
		return []string{"sh", "-c", command}, nil
	}
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("pty: parse command %q: %w", command, err)
	}
	return argv, nil
}

// DefaultShell returns $SHELL, falling back to /bin/sh.
func DefaultShell() string {
	if shell := strings.TrimSpace(os.Getenv("SHELL")); shell != "" {
		return shell
	}
	return "/bin/sh"
}
