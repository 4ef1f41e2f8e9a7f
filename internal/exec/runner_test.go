package exec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExecRunner_Run(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Command{Name: "echo", Args: []string{"hello"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestExecRunner_RunShell(t *testing.T) {
	r := NewRunner()
	dir := t.TempDir()
	res, err := r.RunShell(context.Background(), dir, "pwd; echo oops >&2")
	if err != nil {
		t.Fatalf("RunShell failed: %v", err)
	}
	if !strings.Contains(string(res.Stdout), dir) {
		t.Errorf("stdout = %q, want dir %q", res.Stdout, dir)
	}
	if strings.TrimSpace(string(res.Stderr)) != "oops" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestExecRunner_EnvAndStdin(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Command{
		Name:  "sh",
		Args:  []string{"-c", `printf "%s:" "$GREETING"; cat`},
		Env:   map[string]string{"GREETING": "hi"},
		Stdin: "from stdin",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(res.Stdout) != "hi:from stdin" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	r := NewRunner()
	res, err := r.RunShell(context.Background(), "", "echo bad >&2; exit 3")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want ExitError", err)
	}
	if exitErr.ExitCode != 3 || res.ExitCode != 3 {
		t.Errorf("exit code = %d / %d", exitErr.ExitCode, res.ExitCode)
	}
	if exitErr.Stderr != "bad" {
		t.Errorf("stderr excerpt = %q", exitErr.Stderr)
	}
}

func TestExecRunner_ContextCancelled(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.RunShell(ctx, "", "sleep 5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestExecRunner_MissingName(t *testing.T) {
	if _, err := NewRunner().Run(context.Background(), Command{}); err == nil {
		t.Error("expected error for empty command")
	}
}
