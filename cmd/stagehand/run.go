package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ShayCichocki/stagehand/internal/orchestrator"
	"github.com/ShayCichocki/stagehand/internal/tui"
	"github.com/ShayCichocki/stagehand/pkg/models"
	"github.com/spf13/cobra"
)

var (
	runVars        []string
	runTrigger     string
	runTriggeredBy string
	runID          string
	runTUI         bool
)

// errRunFailed is returned when the run itself ends failed, after the
// summary has been printed.
var errRunFailed = errors.New("workflow run failed")

var runCmd = &cobra.Command{
	Use:   "run <file|workflow-id|template>",
	Short: "Run a workflow",
	Long: `Run a workflow definition and wait for it to finish.

The argument is a definition file path, the id of a workflow in the
configured workflows directory, or the id of a built-in template.

Examples:
  stagehand run ./deploy.yaml
  stagehand run fetch-and-parse --var url=https://example.test/items.json
  stagehand run nightly --trigger-type schedule --triggered-by cron
  stagehand run review --tui

Press Ctrl+C to cancel the run. In-flight tasks are handled according to
engine.cancellation.mode.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "Run variable as key=value (repeatable)")
	runCmd.Flags().StringVar(&runTrigger, "trigger-type", string(models.TriggerManual), "Trigger type: manual, schedule or event")
	runCmd.Flags().StringVar(&runTriggeredBy, "triggered-by", "", "Who or what started the run")
	runCmd.Flags().StringVar(&runID, "id", "", "Execution id (default: generated)")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the interactive progress view")
}

func runRun(cmd *cobra.Command, args []string) error {
	vars, err := parseVars(runVars)
	if err != nil {
		return err
	}
	trigger := models.TriggerType(runTrigger)
	if !trigger.Valid() {
		return fmt.Errorf("invalid --trigger-type %q: expected manual, schedule or event", runTrigger)
	}
	triggeredBy := runTriggeredBy
	if triggeredBy == "" {
		triggeredBy = currentUser()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	def, err := a.resolveDefinition(args[0])
	if err != nil {
		return err
	}

	emitter := orchestrator.NewEventEmitter(256, a.log.Logger)
	coord := a.coordinator(orchestrator.WithEmitter(emitter))
	opts := orchestrator.RunOptions{
		ExecutionID: runID,
		Trigger:     trigger,
		TriggeredBy: triggeredBy,
		Variables:   vars,
	}

	var exec *models.WorkflowExecution
	if runTUI {
		exec, err = runWithTUI(ctx, a, coord, emitter, def, opts)
	} else {
		exec, err = runPlain(ctx, cmd.OutOrStdout(), coord, emitter, def, opts)
	}
	if exec != nil {
		printSummary(cmd.OutOrStdout(), exec)
	}
	if err != nil {
		return err
	}
	if exec == nil || exec.Status != models.ExecutionCompleted {
		return errRunFailed
	}
	return nil
}

// runPlain prints one line per event while the run progresses.
func runPlain(ctx context.Context, w io.Writer, coord *orchestrator.Coordinator, emitter *orchestrator.EventEmitter, def *models.WorkflowDefinition, opts orchestrator.RunOptions) (*models.WorkflowExecution, error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range emitter.Events() {
			if line := formatEvent(ev); line != "" {
				printStatus(w, "•", line, eventColor(ev))
			}
		}
	}()

	exec, err := coord.Run(ctx, def, opts)
	emitter.Close()
	<-done
	return exec, err
}

// runWithTUI drives the run behind the progress view. Quitting the view
// cancels the run, and the result is still waited for.
func runWithTUI(ctx context.Context, a *app, coord *orchestrator.Coordinator, emitter *orchestrator.EventEmitter, def *models.WorkflowDefinition, opts orchestrator.RunOptions) (*models.WorkflowExecution, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program, view := tui.NewRunProgram(def, cancel)
	view.SetRefreshRate(a.cfg.TUI.RefreshRate)
	go tui.Forward(program, emitter.Events())

	type result struct {
		exec *models.WorkflowExecution
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		exec, err := coord.Run(ctx, def, opts)
		resCh <- result{exec, err}
		program.Send(tui.RunDoneMsg{Exec: exec, Err: err})
	}()

	if _, err := program.Run(); err != nil {
		a.log.Warn("progress view exited", "error", err)
	}
	cancel()
	res := <-resCh
	emitter.Close()
	return res.exec, res.err
}

// parseVars turns key=value pairs into a variable map.
func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

func currentUser() string {
	for _, name := range []string{"USER", "USERNAME"} {
		if u := os.Getenv(name); u != "" {
			return u
		}
	}
	return "cli"
}
