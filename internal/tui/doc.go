// Package tui provides the terminal progress view for "stagehand run --tui".
//
// The view is read-only. It shows one workflow run:
//   - Run status and a task completion progress bar
//   - Every task with its status, attempts and duration
//   - An activity log built from coordinator events
//
// Pressing q or Ctrl+C once requests cancellation of the run; pressing it
// again after the run has finished exits.
//
// Usage:
//
//	program, app := tui.NewRunProgram(def, cancel)
//	go tui.Forward(program, coord.Events())
//	go func() {
//	    exec, err := coord.Run(ctx, def, opts)
//	    program.Send(tui.RunDoneMsg{Exec: exec, Err: err})
//	}()
//	program.Run()
package tui
