package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/loopwork/taskmill/internal/domain"
)

// AgentExecutor shells out to an external agent CLI, one invocation per
// task, with the workspace as working directory.
type AgentExecutor struct {
	command  string
	baseArgs []string
}

// NewAgentExecutor creates an AgentExecutor for the given command. baseArgs
// are prepended to every invocation's task arguments.
func NewAgentExecutor(command string, baseArgs ...string) *AgentExecutor {
	return &AgentExecutor{command: command, baseArgs: baseArgs}
}

// Execute runs the agent command. A deadline overrun surfaces as
// *domain.TransientInfraError so the retry loop re-attempts it; a canceled
// context surfaces as context.Canceled so the caller can tell a shutdown
// from a task failure.
func (e *AgentExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, e.baseArgs...), req.Task)
	args = append(args, req.Args...)

	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Dir = req.WorkspacePath

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, &domain.TransientInfraError{Op: "agent " + req.Task, Err: context.DeadlineExceeded}
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, fmt.Errorf("agent %s interrupted: %w", req.Task, context.Canceled)
		}
		return nil, &domain.TaskExecError{Task: req.Task, Output: out.String(), Err: err}
	}

	return &Result{Output: out.String()}, nil
}
