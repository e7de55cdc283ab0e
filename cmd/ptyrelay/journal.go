package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/ptyrelay/internal/config"
	"github.com/user/ptyrelay/internal/journal"
)

func newJournalCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "journal [session-id]",
		Short: "List recorded sessions, or the events of one session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.JournalPath == "" {
				return errors.New("no journal configured (use --journal or journal: in the config file)")
			}

			j, err := journal.Open(cmd.Context(), cfg.JournalPath, "", nil)
			if err != nil {
				return err
			}
			defer j.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			defer tw.Flush()

			if len(args) == 0 {
				sessions, err := j.Sessions(cmd.Context())
				if err != nil {
					return err
				}
				writeRow(tw, "SESSION", "STARTED", "LAST EVENT", "EVENTS", "CLIENTS", "DROPPED")
				for _, s := range sessions {
					writeRow(tw, s.SessionID, s.FirstSeen.Local().Format(time.DateTime), s.LastSeen.Local().Format(time.DateTime), s.Events, s.Clients, s.Dropped)
				}
				return nil
			}

			events, err := j.List(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return errors.New("no events for session " + args[0])
			}
			writeRow(tw, "TIME", "KIND", "CLIENT", "FD", "ADDR", "BYTES", "DETAIL")
			for _, ev := range events {
				writeRow(tw, ev.CreatedAt.Local().Format(time.DateTime+".000"), ev.Kind, ev.ClientID, ev.FD, ev.Addr, ev.Bytes, ev.Detail)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events to show (0 for all)")
	return cmd
}

func writeRow(w io.Writer, cols ...any) {
	cells := make([]string, len(cols))
	for i, c := range cols {
		cells[i] = fmt.Sprint(c)
	}
	fmt.Fprintln(w, strings.Join(cells, "\t"))
}
