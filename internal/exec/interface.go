// Package exec provides an interface for command execution.
package exec

import (
	"context"
	"time"
)

// Command describes one process invocation.
type Command struct {
	// Name is the program to run. Args follow it.
	Name string
	Args []string
	// Dir is the working directory. Empty uses the current directory.
	Dir string
	// Env is appended to the current environment.
	Env map[string]string
	// Stdin is written to the process when non-empty.
	Stdin string
}

// Result is the outcome of a finished process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes cmd and waits for it. A non-zero exit status is reported
	// through Result.ExitCode together with an *ExitError.
	Run(ctx context.Context, cmd Command) (Result, error)

	// RunShell executes a shell command through "sh -c".
	RunShell(ctx context.Context, dir string, command string) (Result, error)
}
