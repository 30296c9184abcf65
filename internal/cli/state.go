package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/conductor/internal/journal"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/store"
)

var stateJSON bool

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect the persisted snapshot and transition journal",
}

var stateInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Summarise the snapshot file without starting the daemon",
	Long: `Read the snapshot file read-only and print task counts per status, the
pending webhook deliveries and the cached token expiry. Secrets are redacted.
A corrupt file is reported with the STATE_CORRUPT error the daemon would
refuse to start with.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, found, err := store.New(cfg.State.Path).Load()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !found {
			fmt.Fprintf(out, "no snapshot at %s\n", cfg.State.Path)
			return nil
		}
		st = redactState(st)
		if stateJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		fmt.Fprintf(out, "snapshot:  %s (schema %d, saved %s)\n", cfg.State.Path, st.SchemaVersion, st.SavedAt.Format(time.RFC3339))
		counts := map[model.Status]int{}
		for _, t := range st.Tasks {
			counts[t.Status]++
		}
		fmt.Fprintf(out, "tasks:     %d\n", len(st.Tasks))
		for _, s := range []model.Status{
			model.StatusQueued, model.StatusRunning, model.StatusCompleted,
			model.StatusFailed, model.StatusCancelled, model.StatusInterrupted,
		} {
			if counts[s] > 0 {
				fmt.Fprintf(out, "  %-12s %d\n", s, counts[s])
			}
		}
		if st.CachedToken != nil {
			fmt.Fprintf(out, "token:     expires %s\n", st.CachedToken.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Fprintf(out, "deliveries pending: %d\n", len(st.PendingDeliveries))
		if len(st.PendingDeliveries) > 0 {
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "  TASK\tSTATUS\tATTEMPTS\tNEXT\tLAST ERROR")
			for _, d := range st.PendingDeliveries {
				fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\t%s\n",
					d.TaskID, d.Status, d.AttemptCount, d.NextAttemptAt.Format(time.RFC3339), orDash(d.LastError))
			}
			_ = tw.Flush()
		}
		return nil
	},
}

var stateHistoryCmd = &cobra.Command{
	Use:   "history <task-id>",
	Short: "Print the recorded status transitions of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := filepath.Join(filepath.Dir(cfg.State.Path), journal.FileName)
		entries, skipped, err := journal.ReadFile(path, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintf(out, "no transitions recorded for %s\n", args[0])
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
		for _, e := range entries {
			line := fmt.Sprintf("%s  %s -> %s", e.Timestamp.Format(time.RFC3339), orDash(string(e.From)), e.To)
			if e.Reason != "" {
				line += "  (" + e.Reason + ")"
			}
			if e.Error != "" {
				line += "  " + e.Error
			}
			fmt.Fprintln(out, line)
		}
		if skipped > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %d journal lines failed verification and were skipped\n", skipped)
		}
		return nil
	},
}

func init() {
	stateInspectCmd.Flags().BoolVar(&stateJSON, "json", false, "print the redacted snapshot as JSON")
	stateCmd.AddCommand(stateInspectCmd, stateHistoryCmd)
	rootCmd.AddCommand(stateCmd)
}

func redactState(st model.OrchestratorState) model.OrchestratorState {
	tasks := make(map[string]model.Task, len(st.Tasks))
	for id, t := range st.Tasks {
		tasks[id] = t.Redacted()
	}
	st.Tasks = tasks
	deliveries := make([]model.PendingDelivery, len(st.PendingDeliveries))
	for i, d := range st.PendingDeliveries {
		if d.Secret != "" {
			d.Secret = "***"
		}
		deliveries[i] = d
	}
	st.PendingDeliveries = deliveries
	if st.CachedToken != nil {
		tc := *st.CachedToken
		tc.Token = "***"
		st.CachedToken = &tc
	}
	return st
}
