package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// Display statuses beyond the persisted task statuses.
const (
	statusQueued   = "queued"
	statusRetrying = "retrying"
)

// TaskRow is the display state of one task.
type TaskRow struct {
	Name      string
	Action    string
	Status    string
	Attempts  int
	StartedAt time.Time
	Duration  time.Duration
	Detail    string
}

// RunState tracks the progress of one run.
type RunState struct {
	WorkflowID  string
	ExecutionID string
	Status      string
	Cancelled   bool
	StartedAt   time.Time
	Tasks       []TaskRow
}

// Counts returns the number of tasks per display status.
func (s RunState) Counts() map[string]int {
	out := make(map[string]int)
	for _, t := range s.Tasks {
		out[t.Status]++
	}
	return out
}

// Finished returns the number of tasks in a terminal state.
func (s RunState) Finished() int {
	c := s.Counts()
	return c[string(models.TaskCompleted)] + c[string(models.TaskFailed)] + c[string(models.TaskSkipped)]
}

func (s *RunState) task(name string) *TaskRow {
	for i := range s.Tasks {
		if s.Tasks[i].Name == name {
			return &s.Tasks[i]
		}
	}
	return nil
}

// RunView renders a RunState.
type RunView struct {
	state  RunState
	width  int
	height int

	// Styles
	headerStyle   lipgloss.Style
	labelStyle    lipgloss.Style
	valueStyle    lipgloss.Style
	progressFull  lipgloss.Style
	progressEmpty lipgloss.Style
	statusStyles  map[string]lipgloss.Style
	detailStyle   lipgloss.Style
}

// NewRunView creates a view for the tasks of def.
func NewRunView(def *models.WorkflowDefinition) *RunView {
	state := RunState{Status: string(models.ExecutionPending)}
	if def != nil {
		state.WorkflowID = def.ID
		for _, t := range def.Tasks {
			state.Tasks = append(state.Tasks, TaskRow{
				Name:   t.Name,
				Action: t.Action,
				Status: string(models.TaskPending),
			})
		}
	}

	return &RunView{
		state: state,

		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")).
			MarginBottom(1),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		progressFull: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		progressEmpty: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		statusStyles: map[string]lipgloss.Style{
			string(models.TaskPending):   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
			statusQueued:                 lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
			string(models.TaskRunning):   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
			statusRetrying:               lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			string(models.TaskCompleted): lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
			string(models.TaskFailed):    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
			string(models.TaskSkipped):   lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true),
		},

		detailStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")),
	}
}

// State returns the current run state.
func (v *RunView) State() RunState {
	return v.state
}

// SetSize sets the view dimensions.
func (v *RunView) SetSize(width, height int) {
	v.width = width
	v.height = height
}

// View renders the run header, progress bar and task table. spin is drawn
// next to running tasks.
func (v *RunView) View(spin string, now time.Time) string {
	var b strings.Builder

	title := "Workflow " + v.state.WorkflowID
	b.WriteString(v.headerStyle.Render(title))
	b.WriteString("\n")

	status := v.state.Status
	if v.state.Cancelled {
		status += " (cancelled)"
	}
	b.WriteString(v.labelStyle.Render("Status:"))
	b.WriteString(v.valueStyle.Render(status))
	if v.state.ExecutionID != "" {
		b.WriteString("  ")
		b.WriteString(v.detailStyle.Render(v.state.ExecutionID))
	}
	b.WriteString("\n")

	if !v.state.StartedAt.IsZero() {
		b.WriteString(v.labelStyle.Render("Elapsed:"))
		b.WriteString(v.valueStyle.Render(now.Sub(v.state.StartedAt).Truncate(time.Second).String()))
		b.WriteString("\n")
	}

	total := len(v.state.Tasks)
	finished := v.state.Finished()
	pct := float64(0)
	if total > 0 {
		pct = float64(finished) / float64(total) * 100
	}
	b.WriteString(v.labelStyle.Render("Tasks:"))
	b.WriteString(v.valueStyle.Render(fmt.Sprintf("%d/%d finished", finished, total)))
	b.WriteString("\n")
	b.WriteString(v.renderProgressBar(pct, 30))
	b.WriteString("\n\n")

	nameWidth := 4
	for _, t := range v.state.Tasks {
		if len(t.Name) > nameWidth {
			nameWidth = len(t.Name)
		}
	}
	for _, t := range v.state.Tasks {
		b.WriteString(v.renderTask(t, nameWidth, spin, now))
		b.WriteString("\n")
	}
	return b.String()
}

func (v *RunView) renderTask(t TaskRow, nameWidth int, spin string, now time.Time) string {
	style, ok := v.statusStyles[t.Status]
	if !ok {
		style = v.detailStyle
	}
	marker := " "
	if t.Status == string(models.TaskRunning) {
		marker = spin
	}

	line := fmt.Sprintf("  %s %-*s %s", marker, nameWidth, t.Name, style.Width(10).Render(t.Status))

	var extra []string
	if t.Attempts > 1 {
		extra = append(extra, fmt.Sprintf("attempt %d", t.Attempts))
	}
	switch {
	case t.Duration > 0:
		extra = append(extra, t.Duration.Truncate(time.Millisecond).String())
	case t.Status == string(models.TaskRunning) && !t.StartedAt.IsZero():
		extra = append(extra, now.Sub(t.StartedAt).Truncate(time.Second).String())
	}
	if t.Detail != "" {
		detail := t.Detail
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}
		extra = append(extra, detail)
	}
	if len(extra) > 0 {
		line += " " + v.detailStyle.Render(strings.Join(extra, "  "))
	}
	return line
}

func (v *RunView) renderProgressBar(pct float64, width int) string {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}

	filled := int(pct / 100 * float64(width))
	empty := width - filled

	bar := v.progressFull.Render(strings.Repeat("█", filled)) +
		v.progressEmpty.Render(strings.Repeat("░", empty))

	return fmt.Sprintf("  %s %.0f%%", bar, pct)
}
