package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ShayCichocki/stagehand/pkg/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	handoffLimit   int
	handoffTimeout time.Duration
)

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Inspect and consume stage handoff artifacts",
	Long: `Work with the file-based handoff channel between workflow stages.

Artifacts are addressed by the stage they were sent to. latest and
history only read; consume and wait mark the artifact as read so the
next consumer sees the following one.`,
}

var handoffLatestCmd = &cobra.Command{
	Use:   "latest <stage>",
	Short: "Print the most recent artifact sent to a stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		art, err := a.channel.Latest(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), art)
	},
}

var handoffHistoryCmd = &cobra.Command{
	Use:   "history <stage>",
	Short: "List artifacts sent to a stage, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		arts, err := a.channel.History(cmd.Context(), args[0], handoffLimit)
		if err != nil {
			return err
		}
		pending, err := a.channel.Pending(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printHistory(cmd.OutOrStdout(), args[0], arts, pending)
		return nil
	},
}

var handoffConsumeCmd = &cobra.Command{
	Use:   "consume <stage>",
	Short: "Consume the oldest unread artifact for a stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		art, err := a.channel.Consume(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), art)
	},
}

var handoffWaitCmd = &cobra.Command{
	Use:   "wait <stage>",
	Short: "Block until an artifact arrives for a stage, then consume it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if handoffTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, handoffTimeout)
			defer cancel()
		}
		art, err := a.channel.Wait(ctx, args[0])
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", args[0], err)
		}
		return writeJSON(cmd.OutOrStdout(), art)
	},
}

func init() {
	handoffHistoryCmd.Flags().IntVar(&handoffLimit, "limit", 10, "Maximum artifacts to list")
	handoffWaitCmd.Flags().DurationVar(&handoffTimeout, "timeout", 0, "Give up after this long (default: wait forever)")

	handoffCmd.AddCommand(handoffLatestCmd)
	handoffCmd.AddCommand(handoffHistoryCmd)
	handoffCmd.AddCommand(handoffConsumeCmd)
	handoffCmd.AddCommand(handoffWaitCmd)
}

func printHistory(w io.Writer, stage string, arts []models.HandoffArtifact, pending int) {
	fmt.Fprintf(w, "%s: %d artifacts shown, %d unread\n", stage, len(arts), pending)
	for _, art := range arts {
		symbol, attr := handoffStyle(art.Status)
		line := fmt.Sprintf("#%-4d %-8s from %-16s %s  %s",
			art.Sequence, art.Status, art.FromStage,
			art.Timestamp.Local().Format(time.DateTime), art.ExecutionID)
		printStatus(w, symbol, line, attr)
	}
}

func handoffStyle(status models.HandoffStatus) (string, color.Attribute) {
	switch status {
	case models.HandoffCompleted:
		return statusStyle(string(models.TaskCompleted))
	case models.HandoffFailed:
		return statusStyle(string(models.TaskFailed))
	default:
		return statusStyle(string(models.TaskSkipped))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
