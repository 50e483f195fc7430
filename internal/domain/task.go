package domain

import "fmt"

// TaskState tracks one DAG node's progress through a run.
type TaskState struct {
	Name       string
	DependsOn  []string
	Status     TaskStatus
	RetryCount int
	LastError  string
}

// NewTask creates a pending task with the given dependencies.
func NewTask(name string, dependsOn ...string) *TaskState {
	return &TaskState{
		Name:      name,
		DependsOn: dependsOn,
		Status:    TaskPending,
	}
}

// IsReady returns true if the task is pending and all dependencies are in
// the completed set.
func (t *TaskState) IsReady(completed map[string]bool) bool {
	if t.Status != TaskPending {
		return false
	}
	for _, dep := range t.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// Transition moves the task to a new status, enforcing the legal transitions:
// pending->running->{completed,failed}, failed->running only via Retry, and
// pending->skipped when an ancestor failed.
func (t *TaskState) Transition(to TaskStatus) error {
	allowed := false
	switch t.Status {
	case TaskPending:
		allowed = to == TaskRunning || to == TaskSkipped
	case TaskRunning:
		allowed = to == TaskCompleted || to == TaskFailed
	}
	if !allowed {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.Name, t.Status, to)
	}
	t.Status = to
	return nil
}

// Retry moves a failed task back to running and increments the retry count.
func (t *TaskState) Retry() error {
	if t.Status != TaskFailed {
		return fmt.Errorf("task %s: cannot retry from status %s", t.Name, t.Status)
	}
	t.Status = TaskRunning
	t.RetryCount++
	return nil
}

// Reset returns a task to pending so a resumed run re-evaluates it: running
// covers a crash that left no worker holding the task, skipped covers a
// dependent whose failed ancestor is being retried.
func (t *TaskState) Reset() {
	if t.Status == TaskRunning || t.Status == TaskSkipped {
		t.Status = TaskPending
	}
}

// Clone returns a deep copy of the task state.
func (t *TaskState) Clone() *TaskState {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	return &c
}
