package orchestrator

import (
	"fmt"
	"sort"

	"github.com/loopwork/taskmill/internal/domain"
)

// Graph answers readiness and dependency questions over a run's task set.
type Graph struct {
	tasks      map[string]*domain.TaskState
	dependents map[string][]string // task -> tasks that depend on it
}

// NewGraph builds a Graph over the given tasks. Every dependency must name a
// task in the set.
func NewGraph(tasks map[string]*domain.TaskState) (*Graph, error) {
	dependents := make(map[string][]string)
	for name, task := range tasks {
		for _, dep := range task.DependsOn {
			if _, ok := tasks[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", name, dep)
			}
			dependents[dep] = append(dependents[dep], name)
		}
	}
	return &Graph{tasks: tasks, dependents: dependents}, nil
}

// Validate runs Kahn's algorithm and returns *domain.CycleError if any task
// is unreachable from the zero-in-degree frontier.
func (g *Graph) Validate() error {
	inDegree := make(map[string]int, len(g.tasks))
	for name, task := range g.tasks {
		inDegree[name] = len(task.DependsOn)
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		processed++

		for _, dep := range g.dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed != len(g.tasks) {
		for _, name := range sortedNames(g.tasks) {
			if inDegree[name] > 0 {
				return &domain.CycleError{Task: name}
			}
		}
	}
	return nil
}

// Ready returns pending tasks whose dependencies all completed, sorted by
// name for deterministic dispatch.
func (g *Graph) Ready() []string {
	completed := make(map[string]bool)
	for name, task := range g.tasks {
		if task.Status == domain.TaskCompleted {
			completed[name] = true
		}
	}

	var ready []string
	for name, task := range g.tasks {
		if task.IsReady(completed) {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)
	return ready
}

// Descendants returns every task that transitively depends on the named
// task.
func (g *Graph) Descendants(name string) []string {
	visited := make(map[string]bool)
	g.visitDependents(name, visited)

	var out []string
	for n := range visited {
		if n != name {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func (g *Graph) visitDependents(name string, visited map[string]bool) {
	if visited[name] {
		return
	}
	visited[name] = true
	for _, dep := range g.dependents[name] {
		g.visitDependents(dep, visited)
	}
}

func sortedNames(tasks map[string]*domain.TaskState) []string {
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
