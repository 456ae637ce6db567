package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage bridge sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sessions, err := newClient().ListSessions(ctx)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No live sessions")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMODE\tSTATE\tPID\tSIZE\tIN\tOUT\tSTARTED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dx%d\t%d\t%d\t%s\n",
				s.ID, s.Mode, s.State, s.PID, s.Cols, s.Rows, s.BytesIn, s.BytesOut,
				s.StartedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var historyLimit int

var sessionsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently started sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		history, err := newClient().History(ctx, historyLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMODE\tPROGRAM\tSTARTED\tDURATION\tREASON\tEXIT\tSYNCS")
		for _, s := range history {
			duration, reason, exit := "-", "running", "-"
			if s.EndedAt != nil {
				duration = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
				reason = s.EndReason
			}
			if s.ExitCode != nil {
				exit = fmt.Sprint(*s.ExitCode)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
				s.ID, s.Mode, s.Program, s.StartedAt.Local().Format(time.DateTime),
				duration, reason, exit, s.SyncEvents)
		}
		return w.Flush()
	},
}

var sessionsKillCmd = &cobra.Command{
	Use:   "kill <session-id>",
	Short: "Terminate a live session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := newClient().KillSession(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Session %s terminated\n", args[0])
		return nil
	},
}

func init() {
	sessionsHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of sessions to show")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsHistoryCmd)
	sessionsCmd.AddCommand(sessionsKillCmd)
	rootCmd.AddCommand(sessionsCmd)
}
