package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/user/ptyrelay/internal/config"
	"github.com/user/ptyrelay/internal/hub"
	"github.com/user/ptyrelay/internal/journal"
	"github.com/user/ptyrelay/internal/pty"
	"github.com/user/ptyrelay/internal/wsbridge"
)

func runBroadcast(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ln, bound, err := config.Listen(cfg.ListenAddress)
	if err != nil {
		return err
	}
	defer ln.Close()

	pair, err := pty.Open(uint16(cfg.Cols), uint16(cfg.Rows))
	if err != nil {
		return fmt.Errorf("failed to allocate pty: %w", err)
	}
	defer pair.Close()

	command := cfg.Command
	if strings.TrimSpace(command) == "" {
		command = pty.DefaultShell()
	}
	argv, err := pty.ParseCommand(command)
	if err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	if err := pair.Spawn(argv, cfg.WorkDir, nil); err != nil {
		return err
	}

	opts := hub.Options{
		Master:         pair.Master(),
		Listener:       ln,
		DisableSignals: cfg.DisableSignals,
		Logger:         logger,
	}

	if cfg.MirrorToLog {
		mirror, err := dupFile(1, "log-mirror")
		if err != nil {
			return err
		}
		defer mirror.Close()
		opts.LogMirror = mirror
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.MirrorLocalInput {
		input, err := dupFile(0, "input-mirror")
		if err != nil {
			return err
		}
		defer input.Close()
		opts.InputMirror = input

		if term.IsTerminal(0) {
			state, err := term.GetState(0)
			if err != nil {
				logger.Warn("failed to read terminal state", "error", err)
			} else {
				defer term.Restore(0, state)
			}
			followWindowSize(sessionCtx, pair, 0, logger)
		}
	}

	if cfg.JournalPath != "" {
		j, err := journal.Open(ctx, cfg.JournalPath, "", logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				logger.Warn("failed to close journal", "error", err)
			}
			if dropped := j.Dropped(); dropped > 0 {
				logger.Warn("journal events dropped", "count", dropped)
			}
		}()
		opts.Journal = j
		logger.Info("journal enabled", "path", cfg.JournalPath, "session", j.SessionID())
	}

	h, err := hub.New(opts)
	if err != nil {
		return err
	}
	defer h.Close()

	logger.Info("pty server enabled",
		"addr", bound.String(),
		"tty", pair.Name(),
		"command", command,
		"pid", pair.Pid(),
		"log", cfg.MirrorToLog,
		"input", cfg.MirrorLocalInput,
	)

	gatewayDone := make(chan struct{})
	if cfg.WebSocketAddress != "" {
		gateway := wsbridge.NewServer(cfg.WebSocketAddress, wsbridge.New(bound.String(), cfg.WebSocketToken, logger), logger)
		go func() {
			defer close(gatewayDone)
			if err := gateway.Start(sessionCtx); err != nil {
				logger.Error("websocket gateway error", "error", err)
			}
		}()
	} else {
		close(gatewayDone)
	}

	err = h.Run(sessionCtx)
	cancel()
	<-gatewayDone

	st := h.Stats()
	logger.Info("session finished",
		"clients_accepted", st.ClientsAccepted,
		"clients_dropped", st.ClientsDropped,
		"bytes_broadcast", st.BytesBroadcast,
		"master_write_failures", st.MasterWriteFailures,
		"log_mirror_failures", st.LogMirrorFailures,
		"input_mirror_failures", st.InputMirrorFailures,
	)

	switch {
	case errors.Is(err, hub.ErrMasterClosed):
		logger.Info("pty master closed, terminating", "exit", pair.ExitErr())
		return &exitError{code: 1, err: err}
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		logger.Info("shutdown signal received")
		return nil
	default:
		return err
	}
}

// dupFile duplicates one of the process's standard descriptors so the
// session can keep using it independently of the original.
func dupFile(fd int, name string) (*os.File, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate fd %d for %s: %w", fd, name, err)
	}
	unix.CloseOnExec(dup)
	return os.NewFile(uintptr(dup), name), nil
}

// followWindowSize copies the local terminal's size onto the pty now and
// on every SIGWINCH until ctx is done.
func followWindowSize(ctx context.Context, pair *pty.Pair, fd int, logger *slog.Logger) {
	resize := func() {
		cols, rows, err := term.GetSize(fd)
		if err != nil {
			logger.Debug("failed to read terminal size", "error", err)
			return
		}
		if err := pair.Resize(uint16(cols), uint16(rows)); err != nil {
			logger.Debug("failed to resize pty", "error", err)
		}
	}
	resize()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		defer signal.Stop(winch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-winch:
				resize()
			}
		}
	}()
}
