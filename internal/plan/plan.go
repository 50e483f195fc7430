package plan

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loopwork/taskmill/internal/domain"
)

// Plan is a declarative workflow document: a named task graph plus the
// checks each task must pass.
type Plan struct {
	Name     string            `yaml:"name"`
	BaseRef  string            `yaml:"base_ref"`
	Metadata map[string]string `yaml:"metadata"`
	Tasks    []Task            `yaml:"tasks"`
}

// Task is one node of the plan's graph.
type Task struct {
	Name      string   `yaml:"name"`
	DependsOn []string `yaml:"depends_on"`
	Args      []string `yaml:"args"`
	Checks    []Check  `yaml:"checks"`
}

// Check is one validation command attached to a task.
type Check struct {
	Label   string   `yaml:"label"`
	Command []string `yaml:"command"`
}

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return &p, nil
}

func (p *Plan) validate() error {
	if p.Name == "" {
		return fmt.Errorf("missing name")
	}
	if len(p.Tasks) == 0 {
		return fmt.Errorf("no tasks")
	}

	names := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.Name == "" {
			return fmt.Errorf("task with empty name")
		}
		if names[t.Name] {
			return fmt.Errorf("duplicate task %q", t.Name)
		}
		names[t.Name] = true
		for i, c := range t.Checks {
			if len(c.Command) == 0 {
				return fmt.Errorf("task %q check %d has no command", t.Name, i)
			}
			if c.Label == "" {
				return fmt.Errorf("task %q check %d has no label", t.Name, i)
			}
		}
	}
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if !names[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", t.Name, dep)
			}
		}
	}
	return nil
}

// NewRun materializes a fresh run from the plan. The run remembers the plan
// name and base ref in its metadata.
func (p *Plan) NewRun(id string, now time.Time) *domain.WorkflowRun {
	run := domain.NewRun(id, now)
	run.Metadata["plan"] = p.Name
	if p.BaseRef != "" {
		run.Metadata["base_ref"] = p.BaseRef
	}
	for k, v := range p.Metadata {
		run.Metadata[k] = v
	}
	for _, t := range p.Tasks {
		run.Tasks[t.Name] = domain.NewTask(t.Name, t.DependsOn...)
	}
	return run
}

// TaskArgs returns the per-task argument lists.
func (p *Plan) TaskArgs() map[string][]string {
	args := make(map[string][]string)
	for _, t := range p.Tasks {
		if len(t.Args) > 0 {
			args[t.Name] = t.Args
		}
	}
	return args
}
