package validate

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loopwork/taskmill/internal/domain"
)

// Check is one validation command to run inside a workspace.
type Check struct {
	Label string
	Argv  []string
	Dir   string
}

// Runner executes a sequence of checks.
type Runner interface {
	RunAll(ctx context.Context, checks []Check) ([]domain.ValidationResult, error)
}

// ExecRunner runs checks as subprocesses. Every check runs regardless of
// earlier failures so one round reports the full picture.
type ExecRunner struct{}

func (ExecRunner) RunAll(ctx context.Context, checks []Check) ([]domain.ValidationResult, error) {
	results := make([]domain.ValidationResult, 0, len(checks))
	for _, check := range checks {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, runCheck(ctx, check))
	}
	return results, nil
}

func runCheck(ctx context.Context, check Check) domain.ValidationResult {
	result := domain.ValidationResult{
		Label:   check.Label,
		Command: check.Argv,
	}
	if len(check.Argv) == 0 {
		result.ExitCode = -1
		result.Stderr = "empty command"
		return result
	}

	cmd := exec.CommandContext(ctx, check.Argv[0], check.Argv[1:]...)
	cmd.Dir = check.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	switch e := err.(type) {
	case nil:
		result.ExitCode = 0
	case *exec.ExitError:
		result.ExitCode = e.ExitCode()
	default:
		// Command never started (missing binary, bad dir).
		result.ExitCode = -1
		if result.Stderr == "" {
			result.Stderr = err.Error()
		}
	}
	return result
}

// Summary renders one line per result, failures first count noted.
func Summary(results []domain.ValidationResult) string {
	var b strings.Builder
	passed := 0
	for _, r := range results {
		if r.OK() {
			passed++
			fmt.Fprintf(&b, "PASS %s\n", r.Label)
		} else {
			fmt.Fprintf(&b, "FAIL %s (exit %d)\n", r.Label, r.ExitCode)
		}
	}
	fmt.Fprintf(&b, "%d/%d checks passed\n", passed, len(results))
	return b.String()
}

// Failures returns the subset of results that did not pass.
func Failures(results []domain.ValidationResult) []domain.ValidationResult {
	var failed []domain.ValidationResult
	for _, r := range results {
		if !r.OK() {
			failed = append(failed, r)
		}
	}
	return failed
}
