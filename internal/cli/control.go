package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/orchestrator"
	"github.com/msageha/conductor/internal/uds"
)

var statusFilter string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and tasks",
	Long: `Query the running daemon over its control socket and print its phase,
capacity and the task table. Use --filter to show a single status.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusFilter != "" && !model.IsKnownStatus(model.Status(statusFilter)) {
			return fmt.Errorf("unknown status %q", statusFilter)
		}
		client, err := controlClient()
		if err != nil {
			return err
		}
		var health orchestrator.Health
		if err := client.Call(uds.CommandHealth, nil, &health); err != nil {
			return err
		}
		var tasks []model.Task
		if err := client.Call(uds.CommandList, uds.ListParams{Status: model.Status(statusFilter)}, &tasks); err != nil {
			return err
		}
		printHealth(cmd.OutOrStdout(), health)
		printTasks(cmd.OutOrStdout(), tasks)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a queued or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient()
		if err != nil {
			return err
		}
		var task model.Task
		if err := client.Call(uds.CommandCancel, uds.CancelParams{TaskID: args[0]}, &task); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "task %s %s\n", task.ID, task.Status)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the daemon to shut down gracefully",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient()
		if err != nil {
			return err
		}
		if err := client.Call(uds.CommandShutdown, nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "filter", "", "show only tasks with this status")
	rootCmd.AddCommand(statusCmd, cancelCmd, stopCmd)
}

func printHealth(w io.Writer, h orchestrator.Health) {
	fmt.Fprintf(w, "phase:     %s\n", h.Status)
	fmt.Fprintf(w, "capacity:  %d (running %d, queued %d, available %d)\n", h.Capacity, h.Running, h.Queued, h.Available)
	if h.GitHubTokenExpiresAt != nil {
		fmt.Fprintf(w, "token:     expires %s\n", h.GitHubTokenExpiresAt.Format(time.RFC3339))
	}
}

func printTasks(w io.Writer, tasks []model.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "\nNo tasks.")
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tWORKER\tREPOSITORY\tCREATED\tREASON")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.WorkerType, orDash(t.Repository), t.CreatedAt.Format(time.RFC3339), orDash(t.Reason))
	}
	_ = tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
