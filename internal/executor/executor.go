package executor

import (
	"context"
	"fmt"
	"time"
)

// Request describes one unit of work to run inside a workspace.
type Request struct {
	RunID         string
	Task          string
	Args          []string
	WorkspacePath string
	Timeout       time.Duration
}

// Result carries whatever output the executor produced.
type Result struct {
	Output string
}

// Executor runs a single task to completion.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, req Request) (*Result, error)

func (f Func) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Router dispatches requests to per-task executors, falling back to a
// default for everything unrouted.
type Router struct {
	routes   map[string]Executor
	fallback Executor
}

// NewRouter creates a Router with the given fallback executor.
func NewRouter(fallback Executor) *Router {
	return &Router{
		routes:   make(map[string]Executor),
		fallback: fallback,
	}
}

// Route registers an executor for a task name.
func (r *Router) Route(task string, exec Executor) {
	r.routes[task] = exec
}

func (r *Router) Execute(ctx context.Context, req Request) (*Result, error) {
	if exec, ok := r.routes[req.Task]; ok {
		return exec.Execute(ctx, req)
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("no executor for task %q", req.Task)
	}
	return r.fallback.Execute(ctx, req)
}
