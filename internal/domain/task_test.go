package domain

import (
	"testing"
	"time"
)

func TestTaskTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		wantErr bool
	}{
		{"pending to running", TaskPending, TaskRunning, false},
		{"pending to skipped", TaskPending, TaskSkipped, false},
		{"pending to completed", TaskPending, TaskCompleted, true},
		{"pending to failed", TaskPending, TaskFailed, true},
		{"running to completed", TaskRunning, TaskCompleted, false},
		{"running to failed", TaskRunning, TaskFailed, false},
		{"running to skipped", TaskRunning, TaskSkipped, true},
		{"completed to running", TaskCompleted, TaskRunning, true},
		{"failed to running", TaskFailed, TaskRunning, true},
		{"skipped to running", TaskSkipped, TaskRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := NewTask("build")
			task.Status = tt.from
			err := task.Transition(tt.to)
			if tt.wantErr && err == nil {
				t.Errorf("Transition(%s -> %s) succeeded, want error", tt.from, tt.to)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Transition(%s -> %s) failed: %v", tt.from, tt.to, err)
			}
			if !tt.wantErr && task.Status != tt.to {
				t.Errorf("status = %s, want %s", task.Status, tt.to)
			}
		})
	}
}

func TestTaskRetry(t *testing.T) {
	task := NewTask("test")
	task.Status = TaskFailed

	if err := task.Retry(); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if task.Status != TaskRunning {
		t.Errorf("status = %s, want %s", task.Status, TaskRunning)
	}
	if task.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", task.RetryCount)
	}

	task.Status = TaskFailed
	if err := task.Retry(); err != nil {
		t.Fatalf("second Retry failed: %v", err)
	}
	if task.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", task.RetryCount)
	}
}

func TestTaskRetryFromNonFailed(t *testing.T) {
	for _, status := range []TaskStatus{TaskPending, TaskRunning, TaskCompleted, TaskSkipped} {
		task := NewTask("test")
		task.Status = status
		if err := task.Retry(); err == nil {
			t.Errorf("Retry from %s succeeded, want error", status)
		}
	}
}

func TestTaskIsReady(t *testing.T) {
	task := NewTask("deploy", "build", "test")

	if task.IsReady(map[string]bool{"build": true}) {
		t.Error("task ready with incomplete dependencies")
	}
	if !task.IsReady(map[string]bool{"build": true, "test": true}) {
		t.Error("task not ready with all dependencies complete")
	}

	task.Status = TaskRunning
	if task.IsReady(map[string]bool{"build": true, "test": true}) {
		t.Error("running task reported ready")
	}
}

func TestTaskReset(t *testing.T) {
	task := NewTask("build")
	task.Status = TaskRunning
	task.Reset()
	if task.Status != TaskPending {
		t.Errorf("status after reset = %s, want %s", task.Status, TaskPending)
	}

	task.Status = TaskSkipped
	task.Reset()
	if task.Status != TaskPending {
		t.Errorf("status after reset of skipped task = %s, want %s", task.Status, TaskPending)
	}

	task.Status = TaskCompleted
	task.Reset()
	if task.Status != TaskCompleted {
		t.Errorf("reset touched a completed task: status = %s", task.Status)
	}

	task.Status = TaskFailed
	task.Reset()
	if task.Status != TaskFailed {
		t.Errorf("reset touched a failed task: status = %s", task.Status)
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	terminal := map[TaskStatus]bool{
		TaskPending:   false,
		TaskRunning:   false,
		TaskCompleted: true,
		TaskFailed:    true,
		TaskSkipped:   true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestRunTaskCounts(t *testing.T) {
	run := NewRun("r1", time.Now())
	run.Tasks["a"] = &TaskState{Name: "a", Status: TaskCompleted}
	run.Tasks["b"] = &TaskState{Name: "b", Status: TaskCompleted}
	run.Tasks["c"] = &TaskState{Name: "c", Status: TaskFailed}
	run.Tasks["d"] = &TaskState{Name: "d", Status: TaskPending}

	counts := run.TaskCounts()
	if counts[TaskCompleted] != 2 || counts[TaskFailed] != 1 || counts[TaskPending] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestNewRunID(t *testing.T) {
	id := NewRunID()
	if len(id) != 8 {
		t.Errorf("run ID %q has length %d, want 8", id, len(id))
	}
	if id == NewRunID() {
		t.Error("two run IDs collided")
	}
}
