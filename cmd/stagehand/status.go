package main

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/stagehand/internal/state"
	"github.com/ShayCichocki/stagehand/pkg/models"
	"github.com/spf13/cobra"
)

var (
	statusWorkflow string
	statusFilter   string
	statusLimit    int
)

var statusCmd = &cobra.Command{
	Use:   "status [execution-id]",
	Short: "Show workflow executions",
	Long: `Without an argument, list recent executions newest first.
With an execution id, show that execution and its tasks.

Examples:
  stagehand status
  stagehand status --workflow nightly --status failed
  stagehand status 7f9c2b1e-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusWorkflow, "workflow", "", "Only executions of this workflow")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "Only executions with this status")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Maximum executions to list")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	w := cmd.OutOrStdout()
	if len(args) == 1 {
		exec, err := a.store.Load(ctx, args[0])
		if err != nil {
			return err
		}
		printSummary(w, exec)
		return nil
	}

	filter := state.ListFilter{WorkflowID: statusWorkflow, Limit: statusLimit}
	if statusFilter != "" {
		filter.Status = models.ExecutionStatus(statusFilter)
		if !filter.Status.Valid() {
			return fmt.Errorf("invalid --status %q", statusFilter)
		}
	}
	execs, err := a.store.List(ctx, filter)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		fmt.Fprintln(w, "No executions. Run 'stagehand run <workflow>' to start one.")
		return nil
	}

	fmt.Fprintf(w, "%-36s  %-20s  %-9s  %-8s  %-19s  %s\n", "EXECUTION", "WORKFLOW", "STATUS", "TRIGGER", "STARTED", "DURATION")
	for _, e := range execs {
		symbol, attr := statusStyle(string(e.Status))
		line := fmt.Sprintf("%-36s  %-20s  %-9s  %-8s  %-19s  %s",
			e.ID, truncate(e.WorkflowID, 20), e.Status, e.TriggerType,
			e.StartedAt.Local().Format(time.DateTime),
			formatDuration(time.Duration(e.DurationMS)*time.Millisecond))
		printStatus(w, symbol, line, attr)
	}
	return nil
}
