package main

import (
	"context"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/user/ptyrelay/internal/config"
	"github.com/user/ptyrelay/internal/relay"
)

// runRelay attaches the terminal to a remote session. It always succeeds:
// the relay ends when either side goes away.
func runRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var saved *term.State
	err := relay.Run(ctx, relay.Options{
		RemoteAddress:  cfg.RemoteAddress,
		Input:          os.Stdin,
		Output:         os.Stdout,
		DisableSignals: cfg.DisableSignals,
		OnState:        func(s *term.State) { saved = s },
		Logger:         logger,
	})
	if saved != nil {
		if rerr := term.Restore(int(os.Stdin.Fd()), saved); rerr != nil {
			logger.Warn("failed to restore terminal", "error", rerr)
		}
	}
	if err != nil {
		logger.Info("relay ended", "error", err)
	}
	return nil
}
