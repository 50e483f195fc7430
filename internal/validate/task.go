package validate

import (
	"context"

	"github.com/loopwork/taskmill/internal/domain"
	"github.com/loopwork/taskmill/internal/executor"
)

// TaskExecutor runs a validation loop as a graph task. A task that still has
// failing checks after the loop gives up fails with *domain.ValidationError,
// which the retry policy treats as terminal.
type TaskExecutor struct {
	Loop      *Loop
	Checks    []Check
	MaxRounds int
}

func (t *TaskExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	checks := make([]Check, len(t.Checks))
	copy(checks, t.Checks)
	for i := range checks {
		if checks[i].Dir == "" {
			checks[i].Dir = req.WorkspacePath
		}
	}

	results, ok, err := t.Loop.Run(ctx, checks, t.MaxRounds)
	if err != nil {
		return nil, err
	}
	if !ok {
		first := Failures(results)[0]
		return nil, &domain.ValidationError{Label: first.Label, ExitCode: first.ExitCode}
	}
	return &executor.Result{Output: Summary(results)}, nil
}
