package domain

import "fmt"

// CycleError reports a dependency cycle in a task graph. A cyclic graph is a
// configuration error and aborts the run before any task starts.
type CycleError struct {
	Task string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving task %q", e.Task)
}

// ResourceConflictError reports a duplicate resource name, e.g. two runs
// claiming the same workspace. Never retried.
type ResourceConflictError struct {
	Resource string
	Name     string
}

func (e *ResourceConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Resource, e.Name)
}

// TransientInfraError wraps a timeout or contention failure that is expected
// to succeed on retry.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientInfraError) Unwrap() error { return e.Err }

// ValidationError reports a check that failed in a way no resolver could fix.
// Terminal for the task that ran the check.
type ValidationError struct {
	Label    string
	ExitCode int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation %q failed with exit code %d", e.Label, e.ExitCode)
}

// TaskExecError reports a task whose command exited non-zero. Whether it is
// retried is up to the caller's policy.
type TaskExecError struct {
	Task   string
	Output string
	Err    error
}

func (e *TaskExecError) Error() string {
	return fmt.Sprintf("task %q execution failed: %v", e.Task, e.Err)
}

func (e *TaskExecError) Unwrap() error { return e.Err }

// RunFailedError reports a run that finished with failed or skipped tasks.
type RunFailedError struct {
	RunID   string
	Failed  int
	Skipped int
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("run %s failed: %d tasks failed, %d skipped", e.RunID, e.Failed, e.Skipped)
}

// NotFoundError reports a missing run or workspace.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}
