// Package orchestrator runs workflow definitions.
//
// The Coordinator owns one execution at a time per Run call:
//   - Resolution: the task graph is built and variables are substituted
//     before anything runs, so configuration errors fail fast
//   - Scheduling: ready tasks are pushed into a bounded priority queue and
//     drained by a fixed set of workers
//   - Bookkeeping: a single goroutine applies every record transition
//
// When a run ends the execution is persisted and, for workflows that are a
// stage of a pipeline, a handoff artifact is published for the next stage.
//
// Example usage:
//
//	coord := orchestrator.New(exec,
//		orchestrator.WithStore(store),
//		orchestrator.WithHandoff(channel),
//	)
//	run, err := coord.Run(ctx, def, orchestrator.RunOptions{
//		Variables: map[string]string{"url": "https://example.com"},
//	})
package orchestrator
