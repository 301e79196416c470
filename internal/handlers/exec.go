package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/petrijr/dagflow/pkg/api"
)

// ExecHandler runs the command named by the step's "command" parameter.
//
// Parameters: command (required), args, working_dir, environment (KEY=VALUE
// entries appended to the current environment). Results carry stdout,
// stderr and exit_code. A command that cannot be started fails permanently;
// a non-zero exit is an ordinary, retryable failure.
type ExecHandler struct{}

func NewExecHandler() *ExecHandler {
	return &ExecHandler{}
}

func (h *ExecHandler) Execute(ctx context.Context, sc api.StepContext) (map[string]any, error) {
	name, ok, err := stringParam(sc.Config, "command")
	if err != nil {
		return nil, api.Permanent(err)
	}
	if !ok || name == "" {
		return nil, api.Permanent(errors.New(`parameter "command" is required`))
	}
	args, err := stringSliceParam(sc.Config, "args")
	if err != nil {
		return nil, api.Permanent(err)
	}
	dir, _, err := stringParam(sc.Config, "working_dir")
	if err != nil {
		return nil, api.Permanent(err)
	}
	env, err := stringSliceParam(sc.Config, "environment")
	if err != nil {
		return nil, api.Permanent(err)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"DAGFLOW_TASK_ID="+sc.TaskID,
		"DAGFLOW_STEP_NAME="+sc.StepName,
		fmt.Sprintf("DAGFLOW_ATTEMPT=%d", sc.Attempt),
	)
	cmd.Env = append(cmd.Env, env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": cmd.ProcessState.ExitCode(),
	}
	if runErr == nil {
		return result, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return nil, fmt.Errorf("command %s exited with status %d: %s", name, exitErr.ExitCode(), bytes.TrimSpace(stderr.Bytes()))
	}
	return nil, api.Permanent(fmt.Errorf("start command %s: %w", name, runErr))
}
