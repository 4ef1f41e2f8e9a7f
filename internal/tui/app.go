package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/stagehand/internal/orchestrator"
	"github.com/ShayCichocki/stagehand/pkg/models"
)

// DefaultRefreshRate redraws elapsed times while tasks run.
const DefaultRefreshRate = time.Second

// maxLogLines bounds the activity log shown under the task table.
const maxLogLines = 8

// EventMsg delivers one coordinator event.
type EventMsg struct {
	Event orchestrator.Event
}

// RunDoneMsg is sent when Run returns.
type RunDoneMsg struct {
	Exec *models.WorkflowExecution
	Err  error
}

// tickMsg drives the elapsed time display.
type tickMsg time.Time

// LogEntry is one line of the activity log.
type LogEntry struct {
	Timestamp time.Time
	Kind      string
	Message   string
}

// RunApp is the tea.Model for one workflow run.
type RunApp struct {
	view     *RunView
	spinner  spinner.Model
	logs     []LogEntry
	cancel   func()
	refresh  time.Duration
	now      func() time.Time
	width    int
	height   int
	done     bool
	err      error
	stopping bool
	quitting bool

	// Styles
	logStyle     lipgloss.Style
	logTimeStyle lipgloss.Style
	errorStyle   lipgloss.Style
	doneStyle    lipgloss.Style
	hintStyle    lipgloss.Style
}

// NewRunApp creates the model. cancel is called on the first quit key while
// the run is still going; it may be nil.
func NewRunApp(def *models.WorkflowDefinition, cancel func()) *RunApp {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	return &RunApp{
		view:    NewRunView(def),
		spinner: sp,
		logs:    make([]LogEntry, 0),
		cancel:  cancel,
		refresh: DefaultRefreshRate,
		now:     time.Now,

		logStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),

		logTimeStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		doneStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")).
			Bold(true),

		hintStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
	}
}

// SetRefreshRate changes how often elapsed times are redrawn.
func (a *RunApp) SetRefreshRate(d time.Duration) {
	if d > 0 {
		a.refresh = d
	}
}

// State returns the current run state.
func (a *RunApp) State() RunState {
	return a.view.State()
}

// Logs returns the activity log.
func (a *RunApp) Logs() []LogEntry {
	return a.logs
}

// Init implements tea.Model.
func (a *RunApp) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.tick())
}

func (a *RunApp) tick() tea.Cmd {
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (a *RunApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if a.done || a.stopping {
				a.quitting = true
				return a, tea.Quit
			}
			a.stopping = true
			if a.cancel != nil {
				a.cancel()
			}
			a.addLog("cancel", "Cancellation requested, press q again to exit")
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.view.SetSize(msg.Width, msg.Height)

	case EventMsg:
		a.apply(msg.Event)

	case RunDoneMsg:
		a.done = true
		a.err = msg.Err
		if msg.Exec != nil {
			a.view.state.Status = string(msg.Exec.Status)
			a.view.state.Cancelled = msg.Exec.Cancelled
			a.view.state.ExecutionID = msg.Exec.ID
		}

	case tickMsg:
		if a.done {
			return a, nil
		}
		return a, a.tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	return a, nil
}

// apply folds one event into the run state. Events of other executions are
// ignored once the run's id is known.
func (a *RunApp) apply(ev orchestrator.Event) {
	s := &a.view.state
	if s.ExecutionID != "" && ev.ExecutionID != "" && ev.ExecutionID != s.ExecutionID {
		return
	}
	if s.WorkflowID != "" && ev.WorkflowID != "" && ev.WorkflowID != s.WorkflowID {
		return
	}

	switch ev.Type {
	case orchestrator.EventRunStarted:
		s.ExecutionID = ev.ExecutionID
		s.Status = string(models.ExecutionRunning)
		s.StartedAt = ev.Timestamp
	case orchestrator.EventRunCompleted:
		if ev.Status != "" {
			s.Status = ev.Status
		}
	default:
		if t := s.task(ev.Task); t != nil {
			applyTask(t, ev)
		}
	}

	if ev.Type == orchestrator.EventTaskQueued {
		return
	}
	msg := ev.Message
	if msg == "" {
		msg = string(ev.Type)
	}
	if ev.Error != nil {
		msg += ": " + ev.Error.Error()
	}
	a.logs = append(a.logs, LogEntry{Timestamp: ev.Timestamp, Kind: string(ev.Type), Message: msg})
}

func applyTask(t *TaskRow, ev orchestrator.Event) {
	if ev.Attempt > 0 {
		t.Attempts = ev.Attempt
	}
	switch ev.Type {
	case orchestrator.EventTaskQueued:
		t.Status = statusQueued
	case orchestrator.EventTaskStarted:
		t.Status = string(models.TaskRunning)
		t.StartedAt = ev.Timestamp
	case orchestrator.EventTaskRetrying:
		t.Status = statusRetrying
		if ev.Error != nil {
			t.Detail = ev.Error.Error()
		}
	case orchestrator.EventTaskCompleted:
		t.Status = string(models.TaskCompleted)
		t.Duration = ev.Duration
		t.Detail = ""
	case orchestrator.EventTaskFailed:
		t.Status = string(models.TaskFailed)
		t.Duration = ev.Duration
		if ev.Error != nil {
			t.Detail = ev.Error.Error()
		}
	case orchestrator.EventTaskSkipped:
		t.Status = string(models.TaskSkipped)
		t.Detail = ev.Message
	}
}

func (a *RunApp) addLog(kind, msg string) {
	a.logs = append(a.logs, LogEntry{Timestamp: a.now(), Kind: kind, Message: msg})
}

// View implements tea.Model.
func (a *RunApp) View() string {
	if a.quitting {
		return ""
	}

	var b strings.Builder

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Render("=== stagehand ===")
	b.WriteString(header)
	b.WriteString("\n\n")

	b.WriteString(a.view.View(a.spinner.View(), a.now()))
	b.WriteString("\n")

	b.WriteString(a.renderLogs())

	b.WriteString("\n")
	switch {
	case a.done && a.err != nil:
		b.WriteString(a.errorStyle.Render(fmt.Sprintf("Error: %v", a.err)))
	case a.done && a.view.state.Status == string(models.ExecutionCompleted):
		b.WriteString(a.doneStyle.Render("Run completed. Press q to exit."))
	case a.done:
		b.WriteString(a.errorStyle.Render("Run " + a.view.state.Status + ". Press q to exit."))
	case a.stopping:
		b.WriteString(a.hintStyle.Render("Cancelling... press q to exit now"))
	default:
		b.WriteString(a.hintStyle.Render("Press q to cancel"))
	}
	b.WriteString("\n")

	return b.String()
}

// renderLogs renders the recent log entries.
func (a *RunApp) renderLogs() string {
	if len(a.logs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("252")).
		Render("Activity Log"))
	b.WriteString("\n")

	start := 0
	if len(a.logs) > maxLogLines {
		start = len(a.logs) - maxLogLines
	}
	for _, entry := range a.logs[start:] {
		ts := a.logTimeStyle.Render(entry.Timestamp.Format("15:04:05"))
		kind := lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Width(18).
			Render(entry.Kind)
		b.WriteString(fmt.Sprintf("  %s %s %s\n", ts, kind, a.logStyle.Render(entry.Message)))
	}
	return b.String()
}

// NewRunProgram creates a Bubbletea program for one run.
func NewRunProgram(def *models.WorkflowDefinition, cancel func()) (*tea.Program, *RunApp) {
	app := NewRunApp(def, cancel)
	p := tea.NewProgram(app, tea.WithAltScreen())
	return p, app
}

// Forward sends every event to p until events is closed.
func Forward(p *tea.Program, events <-chan orchestrator.Event) {
	for ev := range events {
		p.Send(EventMsg{Event: ev})
	}
}
