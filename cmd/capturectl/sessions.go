package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"capture-orchestrator/internal/capture"
	"capture-orchestrator/internal/journal"

	"github.com/spf13/cobra"
)

func openJournal(cmd *cobra.Command, ctx *cliContext) (*journal.Store, error) {
	store, err := journal.Open(cmd.Context(), ctx.settings.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", ctx.settings.JournalPath, err)
	}
	return store, nil
}

func newSessionsCommand(ctx *cliContext) *cobra.Command {
	var (
		owner   string
		state   string
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List journaled capture sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openJournal(cmd, ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.List(cmd.Context(), journal.Filter{
				Owner: owner,
				State: capture.State(state),
				Limit: limit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, sessions)
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions")
				return nil
			}
			fmt.Fprintln(out, renderSessions(sessions))
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Only sessions of this user")
	cmd.Flags().StringVar(&state, "state", "", "Only sessions in this state (active, closing, closed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows; 0 for all")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON instead of a table")
	return cmd
}

func newSessionCommand(ctx *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "session <id>",
		Short: "Show one journaled session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openJournal(cmd, ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			info, ok, err := store.Lookup(cmd.Context(), capture.SessionID(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session %s not found", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), info)
		},
	}
}

func renderSessions(sessions []capture.SessionInfo) string {
	headers := []string{"ID", "Owner", "State", "Reason", "Created", "Chunks", "Recording"}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		recording := "-"
		if s.Recording != nil {
			recording = s.Recording.Path
			if s.Recording.Truncated() {
				recording += fmt.Sprintf(" (truncated at %d)", *s.Recording.TruncatedAt)
			}
		} else if s.Error != "" {
			recording = "error: " + s.Error
		}
		reason := string(s.Reason)
		if s.Ungraceful {
			reason += "*"
		}
		rows = append(rows, []string{
			string(s.ID),
			s.Owner,
			string(s.State),
			reason,
			s.CreatedAt.Local().Format(time.DateTime),
			strconv.Itoa(s.Chunks),
			recording,
		})
	}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft}
	return renderTable(headers, rows, aligns)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
