package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopwork/taskmill/internal/domain"
	"github.com/loopwork/taskmill/internal/executor"
	"github.com/loopwork/taskmill/internal/retry"
)

// StateStore is the persistence surface the orchestrator needs. Every
// transition goes through Update so a crash at any point is resumable.
type StateStore interface {
	Load(runID string) (*domain.WorkflowRun, error)
	Update(runID string, mutate func(*domain.WorkflowRun) error) (*domain.WorkflowRun, error)
	AppendCheckpoint(runID string, cp domain.Checkpoint) error
}

// WorkspaceManager provisions and tears down per-run working directories.
type WorkspaceManager interface {
	Create(name, baseRef string) (*domain.WorkspaceRef, error)
	Cleanup(name string, deleteBranch bool) (bool, error)
}

// Options tunes a run's execution.
type Options struct {
	// MaxWorkers bounds concurrently running tasks. Zero means 1.
	MaxWorkers int
	// Retry governs per-task re-attempts.
	Retry retry.Policy
	// TaskTimeout bounds each task attempt. Zero means no limit.
	TaskTimeout time.Duration
	// TaskArgs carries per-task arguments from the plan.
	TaskArgs map[string][]string
	// KeepWorkspace skips workspace cleanup after a successful run.
	KeepWorkspace bool
}

// Orchestrator drives a run's task graph to completion.
type Orchestrator struct {
	store      StateStore
	workspaces WorkspaceManager
	exec       executor.Executor
	opts       Options
	logger     *slog.Logger
}

// New creates an Orchestrator.
func New(store StateStore, workspaces WorkspaceManager, exec executor.Executor, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      store,
		workspaces: workspaces,
		exec:       exec,
		opts:       opts,
		logger:     logger,
	}
}

type taskResult struct {
	name     string
	attempts int
	output   string
	err      error
}

// Execute runs the graph of runID until every task is terminal, the graph
// fails, or ctx is canceled. Cancellation stops new dispatches, drains
// in-flight tasks, and leaves the run resumable.
func (o *Orchestrator) Execute(ctx context.Context, runID string) error {
	run, err := o.store.Load(runID)
	if err != nil {
		return err
	}
	if run.Status == domain.RunCompleted {
		return fmt.Errorf("run %s already completed", runID)
	}

	graph, err := NewGraph(run.Tasks)
	if err != nil {
		return o.failRun(runID, err)
	}
	if err := graph.Validate(); err != nil {
		return o.failRun(runID, err)
	}

	run, err = o.prepare(runID)
	if err != nil {
		return err
	}
	graph, _ = NewGraph(run.Tasks)

	o.checkpoint(runID, "run-start", "resume-run "+runID, nil)
	o.logger.Info("run started", "run_id", runID, "tasks", len(run.Tasks), "max_workers", o.opts.MaxWorkers)

	workspacePath := ""
	if run.Workspace != nil {
		workspacePath = run.Workspace.Path
	}

	// Buffered so in-flight workers can deliver even if the loop exits
	// early on a store error.
	results := make(chan taskResult, o.opts.MaxWorkers)
	inFlight := 0

	for {
		if ctx.Err() == nil {
			for _, name := range graph.Ready() {
				if inFlight >= o.opts.MaxWorkers {
					break
				}
				if err := o.markRunning(runID, name); err != nil {
					return err
				}
				graph.tasks[name].Status = domain.TaskRunning
				inFlight++
				go o.runTask(ctx, runID, name, workspacePath, results)
			}
		}

		if inFlight == 0 {
			break
		}

		res := <-results
		inFlight--
		if res.err != nil && ctx.Err() != nil && errors.Is(res.err, context.Canceled) {
			// Interrupted, not failed. The task stays running in the
			// store; a resume resets it to pending.
			o.logger.Info("task interrupted", "run_id", runID, "task", res.name)
			continue
		}
		updated, err := o.recordResult(runID, graph, res)
		if err != nil {
			return err
		}
		run = updated
	}

	if ctx.Err() != nil {
		o.logger.Info("run interrupted", "run_id", runID)
		o.checkpoint(runID, "run-interrupted", "resume-run "+runID, nil)
		return ctx.Err()
	}

	return o.finish(runID, run)
}

// prepare moves the run to running, returns unfinished work to the ready
// set, and provisions the workspace if the run has none yet. Failed tasks
// re-enter via an explicit retry and their skipped dependents become
// pending again; completed tasks are never touched.
func (o *Orchestrator) prepare(runID string) (*domain.WorkflowRun, error) {
	run, err := o.store.Update(runID, func(r *domain.WorkflowRun) error {
		r.Status = domain.RunRunning
		for _, task := range r.Tasks {
			if task.Status == domain.TaskFailed {
				if err := task.Retry(); err != nil {
					return err
				}
			}
			if task.Status == domain.TaskSkipped {
				task.LastError = ""
			}
			task.Reset()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if run.Workspace != nil || o.workspaces == nil {
		return run, nil
	}

	name := "tm-" + runID
	baseRef := run.Metadata["base_ref"]
	ref, err := o.workspaces.Create(name, baseRef)
	if err != nil {
		if ferr := o.failRun(runID, err); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	return o.store.Update(runID, func(r *domain.WorkflowRun) error {
		r.Workspace = ref
		return nil
	})
}

func (o *Orchestrator) runTask(ctx context.Context, runID, name, workspacePath string, results chan<- taskResult) {
	req := executor.Request{
		RunID:         runID,
		Task:          name,
		Args:          o.opts.TaskArgs[name],
		WorkspacePath: workspacePath,
		Timeout:       o.opts.TaskTimeout,
	}

	var output string
	attempts, err := retry.Do(ctx, o.opts.Retry, func(ctx context.Context) error {
		res, err := o.exec.Execute(ctx, req)
		if err != nil {
			o.logger.Warn("task attempt failed", "run_id", runID, "task", name, "error", err)
			return err
		}
		output = res.Output
		return nil
	})

	results <- taskResult{name: name, attempts: attempts, output: output, err: err}
}

func (o *Orchestrator) markRunning(runID, name string) error {
	_, err := o.store.Update(runID, func(r *domain.WorkflowRun) error {
		return r.Tasks[name].Transition(domain.TaskRunning)
	})
	return err
}

// recordResult persists a task's terminal state and, on failure, skips every
// descendant in the same transaction so no dependent of a failed task ever
// starts.
func (o *Orchestrator) recordResult(runID string, graph *Graph, res taskResult) (*domain.WorkflowRun, error) {
	var skipped []string
	run, err := o.store.Update(runID, func(r *domain.WorkflowRun) error {
		task := r.Tasks[res.name]
		// Additive: a resumed failed task already counted its explicit
		// retry in prepare.
		if res.attempts > 1 {
			task.RetryCount += res.attempts - 1
		}

		if res.err == nil {
			return task.Transition(domain.TaskCompleted)
		}

		task.LastError = res.err.Error()
		if err := task.Transition(domain.TaskFailed); err != nil {
			return err
		}

		skipped = skipped[:0]
		for _, desc := range graph.Descendants(res.name) {
			d := r.Tasks[desc]
			if d.Status != domain.TaskPending {
				continue
			}
			if err := d.Transition(domain.TaskSkipped); err != nil {
				return err
			}
			d.LastError = fmt.Sprintf("skipped: dependency %s failed", res.name)
			skipped = append(skipped, desc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Mirror persisted state into the in-memory graph.
	for name, task := range run.Tasks {
		graph.tasks[name].Status = task.Status
	}

	final := run.Tasks[res.name]
	if res.err == nil {
		o.logger.Info("task completed", "run_id", runID, "task", res.name, "retries", final.RetryCount)
	} else {
		o.logger.Error("task failed", "run_id", runID, "task", res.name, "retries", final.RetryCount, "error", res.err, "skipped", skipped)
	}
	o.checkpoint(runID, fmt.Sprintf("task:%s:%s", res.name, final.Status), "", map[string]string{
		"task":   res.name,
		"status": string(final.Status),
	})

	return run, nil
}

func (o *Orchestrator) finish(runID string, run *domain.WorkflowRun) error {
	counts := run.TaskCounts()
	failed := counts[domain.TaskFailed] + counts[domain.TaskSkipped]

	status := domain.RunCompleted
	if failed > 0 {
		status = domain.RunFailed
	}

	run, err := o.store.Update(runID, func(r *domain.WorkflowRun) error {
		r.Status = status
		return nil
	})
	if err != nil {
		return err
	}

	o.checkpoint(runID, "run-finish", "", map[string]string{"status": string(status)})
	o.logger.Info("run finished", "run_id", runID, "status", status,
		"completed", counts[domain.TaskCompleted], "failed", counts[domain.TaskFailed], "skipped", counts[domain.TaskSkipped])

	if status == domain.RunCompleted && !o.opts.KeepWorkspace && run.Workspace != nil && o.workspaces != nil {
		if _, err := o.workspaces.Cleanup(run.Workspace.Name, true); err != nil {
			o.logger.Warn("workspace cleanup failed", "run_id", runID, "workspace", run.Workspace.Name, "error", err)
		}
	}

	if status == domain.RunFailed {
		return &domain.RunFailedError{
			RunID:   runID,
			Failed:  counts[domain.TaskFailed],
			Skipped: counts[domain.TaskSkipped],
		}
	}
	return nil
}

func (o *Orchestrator) failRun(runID string, cause error) error {
	_, err := o.store.Update(runID, func(r *domain.WorkflowRun) error {
		r.Status = domain.RunFailed
		return nil
	})
	if err != nil {
		return err
	}
	o.checkpoint(runID, "run-aborted", "", map[string]string{"error": cause.Error()})
	return cause
}

func (o *Orchestrator) checkpoint(runID, step, nextAction string, meta map[string]string) {
	cp := domain.Checkpoint{
		Timestamp:  time.Now().UTC(),
		Step:       step,
		NextAction: nextAction,
		Metadata:   meta,
	}
	if err := o.store.AppendCheckpoint(runID, cp); err != nil {
		o.logger.Warn("checkpoint append failed", "run_id", runID, "step", step, "error", err)
	}
}
