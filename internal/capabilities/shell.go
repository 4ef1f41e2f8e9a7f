package capabilities

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/stagehand/internal/exec"
	"github.com/ShayCichocki/stagehand/internal/executor"
	"github.com/ShayCichocki/stagehand/internal/retry"
	"github.com/tidwall/gjson"
)

// Exit statuses the shell uses for "not executable" and "not found".
const (
	exitNotExecutable = 126
	exitNotFound      = 127
)

func shellExec(deps Deps) executor.Handler {
	return func(ctx context.Context, req executor.Request) (any, error) {
		command := req.String("command", "")
		if command == "" {
			return nil, &ParamError{Action: "shell.exec", Param: "command", Reason: "is required"}
		}
		env, err := stringMap("shell.exec", "env", req.Parameters["env"])
		if err != nil {
			return nil, err
		}
		dir := req.String("dir", "")
		stdin := req.String("stdin", "")

		var res exec.Result
		if len(env) == 0 && stdin == "" {
			res, err = deps.Runner.RunShell(ctx, dir, command)
		} else {
			res, err = deps.Runner.Run(ctx, exec.Command{
				Name:  "sh",
				Args:  []string{"-c", command},
				Dir:   dir,
				Env:   env,
				Stdin: stdin,
			})
		}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && (exitErr.ExitCode == exitNotFound || exitErr.ExitCode == exitNotExecutable) {
				return nil, retry.MarkFatal(err)
			}
			return nil, err
		}

		deps.Logger.Debug("shell.exec finished",
			"task", req.Task,
			"exit_code", res.ExitCode,
			"duration", res.Duration,
		)

		if boolParam(req, "parse_json") {
			if !gjson.ValidBytes(res.Stdout) {
				return nil, retry.MarkFatal(fmt.Errorf("shell.exec: stdout is not valid JSON"))
			}
			return gjson.ParseBytes(res.Stdout).Value(), nil
		}
		return map[string]any{
			"stdout":      string(res.Stdout),
			"stderr":      string(res.Stderr),
			"exit_code":   res.ExitCode,
			"duration_ms": res.Duration.Milliseconds(),
		}, nil
	}
}
