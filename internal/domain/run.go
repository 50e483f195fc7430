package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkflowRun represents one end-to-end execution of a phased workflow.
type WorkflowRun struct {
	ID          string
	Status      RunStatus
	Tasks       map[string]*TaskState
	Checkpoints []Checkpoint
	Workspace   *WorkspaceRef
	// Metadata carries open, forward-compatible fields (issue number,
	// plan name, trigger) that are not first-class columns.
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRun creates an empty run in the created state.
func NewRun(id string, now time.Time) *WorkflowRun {
	return &WorkflowRun{
		ID:        id,
		Status:    RunCreated,
		Tasks:     make(map[string]*TaskState),
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewRunID generates a short opaque run identifier.
func NewRunID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Finished returns true once the run reached a terminal status.
func (r *WorkflowRun) Finished() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

// TaskCounts returns the number of tasks per status.
func (r *WorkflowRun) TaskCounts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, t := range r.Tasks {
		counts[t.Status]++
	}
	return counts
}

// Checkpoint is an immutable audit record. Once appended it is never mutated
// or removed; ordering is creation order.
type Checkpoint struct {
	Timestamp  time.Time
	Step       string
	Artifacts  []string
	NextAction string
	Metadata   map[string]string
}

// WorkspaceRef identifies an isolated working directory plus branch owned by
// at most one run at a time.
type WorkspaceRef struct {
	Name      string
	Path      string
	BaseRef   string
	CreatedAt time.Time
}

// ValidationResult is the outcome of one check. A new validation round
// produces fresh results, even for the same check.
type ValidationResult struct {
	Label               string
	Command             []string
	ExitCode            int
	Stdout              string
	Stderr              string
	ResolutionAttempted bool
}

// OK returns true if the check passed.
func (v ValidationResult) OK() bool {
	return v.ExitCode == 0
}
