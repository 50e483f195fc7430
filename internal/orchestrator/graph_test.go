package orchestrator

import (
	"errors"
	"reflect"
	"testing"

	"github.com/loopwork/taskmill/internal/domain"
)

func taskSet(specs map[string][]string) map[string]*domain.TaskState {
	tasks := make(map[string]*domain.TaskState)
	for name, deps := range specs {
		tasks[name] = domain.NewTask(name, deps...)
	}
	return tasks
}

func TestGraphUnknownDependency(t *testing.T) {
	_, err := NewGraph(taskSet(map[string][]string{
		"build": {"ghost"},
	}))
	if err == nil {
		t.Fatal("NewGraph accepted an unknown dependency")
	}
}

func TestGraphValidateAcyclic(t *testing.T) {
	g, err := NewGraph(taskSet(map[string][]string{
		"fetch": nil,
		"build": {"fetch"},
		"test":  {"build"},
		"lint":  {"fetch"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Validate(); err != nil {
		t.Errorf("Validate failed on acyclic graph: %v", err)
	}
}

func TestGraphValidateCycle(t *testing.T) {
	g, err := NewGraph(taskSet(map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
		"d": nil,
	}))
	if err != nil {
		t.Fatal(err)
	}
	err = g.Validate()
	var cycle *domain.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("Validate error = %v, want CycleError", err)
	}
}

func TestGraphReady(t *testing.T) {
	tasks := taskSet(map[string][]string{
		"fetch": nil,
		"build": {"fetch"},
		"test":  {"build"},
		"lint":  {"fetch"},
	})
	g, err := NewGraph(tasks)
	if err != nil {
		t.Fatal(err)
	}

	if got := g.Ready(); !reflect.DeepEqual(got, []string{"fetch"}) {
		t.Errorf("Ready = %v, want [fetch]", got)
	}

	tasks["fetch"].Status = domain.TaskCompleted
	if got := g.Ready(); !reflect.DeepEqual(got, []string{"build", "lint"}) {
		t.Errorf("Ready = %v, want [build lint]", got)
	}

	tasks["build"].Status = domain.TaskRunning
	if got := g.Ready(); !reflect.DeepEqual(got, []string{"lint"}) {
		t.Errorf("Ready = %v, want [lint]", got)
	}
}

func TestGraphDescendants(t *testing.T) {
	g, err := NewGraph(taskSet(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
		"d": {"a"},
		"e": nil,
	}))
	if err != nil {
		t.Fatal(err)
	}

	if got := g.Descendants("a"); !reflect.DeepEqual(got, []string{"b", "c", "d"}) {
		t.Errorf("Descendants(a) = %v, want [b c d]", got)
	}
	if got := g.Descendants("e"); len(got) != 0 {
		t.Errorf("Descendants(e) = %v, want none", got)
	}
}
