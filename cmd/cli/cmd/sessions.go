package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ps"},
	Short:   "Manage live terminal sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List live terminal sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sessions, err := newClient().ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, _ := json.MarshalIndent(sessions, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if len(sessions) == 0 {
			fmt.Println("No terminal sessions")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSUBJECT\tSTATE\tSIZE\tIN\tOUT\tSTARTED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%dx%d\t%d\t%d\t%s\n",
				s.ID, s.Subject, s.State, s.Cols, s.Rows, s.BytesIn, s.BytesOut,
				s.StartedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var sessionsKillCmd = &cobra.Command{
	Use:   "kill <session-id>",
	Short: "Terminate a live terminal session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := newClient().KillSession(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to kill session: %w", err)
		}
		fmt.Printf("✓ Session %s terminated\n", args[0])
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent terminal sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		entries, err := newClient().History(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to get history: %w", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, _ := json.MarshalIndent(entries, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if len(entries) == 0 {
			fmt.Println("No history")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSUBJECT\tFROM\tSTARTED\tDURATION\tREASON")
		for _, e := range entries {
			duration, reason := "-", "running"
			if e.EndedAt != nil {
				duration = e.EndedAt.Sub(e.StartedAt).Round(time.Second).String()
				reason = e.EndReason
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.ID, e.Subject, e.RemoteAddr,
				e.StartedAt.Local().Format(time.DateTime), duration, reason)
		}
		return w.Flush()
	},
}

func init() {
	sessionsListCmd.Flags().Bool("json", false, "Output as JSON")
	historyCmd.Flags().Bool("json", false, "Output as JSON")
	historyCmd.Flags().Int("limit", 0, "Maximum number of entries (server default when 0)")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsKillCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(historyCmd)
}
