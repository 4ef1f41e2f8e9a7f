package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ShayCichocki/stagehand/internal/orchestrator"
	"github.com/ShayCichocki/stagehand/pkg/models"
	"github.com/fatih/color"
)

// printStatus prints a colored status symbol followed by a message.
func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

// statusStyle maps a task or execution status to a symbol and color.
func statusStyle(status string) (string, color.Attribute) {
	switch status {
	case string(models.TaskCompleted):
		return "✓", color.FgGreen
	case string(models.TaskFailed):
		return "✗", color.FgRed
	case string(models.TaskSkipped):
		return "-", color.FgYellow
	case string(models.TaskRunning):
		return "●", color.FgCyan
	default:
		return "○", color.FgWhite
	}
}

// formatEvent renders one coordinator event as a single line. Events that
// add nothing to plain output return "".
func formatEvent(ev orchestrator.Event) string {
	switch ev.Type {
	case orchestrator.EventRunStarted:
		return fmt.Sprintf("run %s started (%s)", ev.ExecutionID, ev.WorkflowID)
	case orchestrator.EventTaskStarted:
		return fmt.Sprintf("%s started", ev.Task)
	case orchestrator.EventTaskRetrying:
		return fmt.Sprintf("%s attempt %d failed, retrying in %s: %v", ev.Task, ev.Attempt, formatDuration(ev.Duration), ev.Error)
	case orchestrator.EventTaskCompleted:
		return fmt.Sprintf("%s completed in %s", ev.Task, formatDuration(ev.Duration))
	case orchestrator.EventTaskFailed:
		if ev.Error != nil {
			return fmt.Sprintf("%s failed: %v", ev.Task, ev.Error)
		}
		return fmt.Sprintf("%s failed: %s", ev.Task, ev.Message)
	case orchestrator.EventTaskSkipped:
		if ev.Message != "" {
			return fmt.Sprintf("%s skipped: %s", ev.Task, ev.Message)
		}
		return fmt.Sprintf("%s skipped", ev.Task)
	case orchestrator.EventHandoffPublished:
		return ev.Message
	case orchestrator.EventHandoffFailed:
		return fmt.Sprintf("%s: %v", ev.Message, ev.Error)
	case orchestrator.EventRunCompleted:
		return fmt.Sprintf("run %s %s in %s", ev.ExecutionID, ev.Status, formatDuration(ev.Duration))
	default:
		return ""
	}
}

// eventColor picks the color for a formatted event line.
func eventColor(ev orchestrator.Event) color.Attribute {
	switch ev.Type {
	case orchestrator.EventTaskCompleted:
		return color.FgGreen
	case orchestrator.EventTaskFailed, orchestrator.EventHandoffFailed:
		return color.FgRed
	case orchestrator.EventTaskRetrying, orchestrator.EventTaskSkipped:
		return color.FgYellow
	case orchestrator.EventRunCompleted:
		if ev.Status == string(models.ExecutionCompleted) {
			return color.FgGreen
		}
		return color.FgRed
	default:
		return color.FgCyan
	}
}

// printSummary prints the execution record with one line per task.
func printSummary(w io.Writer, exec *models.WorkflowExecution) {
	symbol, attr := statusStyle(string(exec.Status))
	if exec.Status == models.ExecutionCompleted {
		symbol, attr = "✓", color.FgGreen
	}
	header := fmt.Sprintf("%s %s [%s] %s", exec.WorkflowID, exec.ID, exec.Status, formatDuration(time.Duration(exec.DurationMS)*time.Millisecond))
	if exec.Cancelled {
		header += " (cancelled)"
	}
	fmt.Fprintln(w)
	printStatus(w, symbol, header, attr)
	if exec.ErrorMessage != "" {
		fmt.Fprintf(w, "  error: %s\n", exec.ErrorMessage)
	}
	if exec.ConsumedArtifact != "" {
		fmt.Fprintf(w, "  consumed: %s\n", exec.ConsumedArtifact)
	}
	if exec.PublishedArtifact != "" {
		fmt.Fprintf(w, "  published: %s\n", exec.PublishedArtifact)
	}
	if exec.HandoffError != "" {
		fmt.Fprintf(w, "  handoff not published: %s\n", exec.HandoffError)
	}
	for _, task := range exec.Tasks {
		symbol, attr := statusStyle(string(task.Status))
		line := fmt.Sprintf("%-24s %-9s attempts=%d", task.TaskName, task.Status, task.Attempts)
		if task.StartedAt != nil && task.CompletedAt != nil {
			line += " " + formatDuration(task.CompletedAt.Sub(*task.StartedAt))
		}
		if task.ErrorMessage != "" {
			line += "  " + truncate(task.ErrorMessage, 80)
		}
		fmt.Fprint(w, "  ")
		printStatus(w, symbol, line, attr)
	}
}

// formatDuration renders d with precision suited to its size.
func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
