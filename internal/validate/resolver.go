package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loopwork/taskmill/internal/domain"
)

// maxOutputChars bounds how much captured output rides along in the failure
// context handed to the agent.
const maxOutputChars = 1000

// failureContext is the JSON payload describing one failing check.
type failureContext struct {
	Label    string `json:"label"`
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// AgentResolver invokes an external agent CLI once per failing check,
// passing a compact JSON description of the failure.
type AgentResolver struct {
	Command string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// Resolve reports true when the agent exits zero, meaning it claims to have
// fixed the failure.
func (r *AgentResolver) Resolve(ctx context.Context, failure domain.ValidationResult) (bool, error) {
	payload, err := json.Marshal(failureContext{
		Label:    failure.Label,
		Command:  strings.Join(failure.Command, " "),
		ExitCode: failure.ExitCode,
		Stdout:   truncate(failure.Stdout),
		Stderr:   truncate(failure.Stderr),
	})
	if err != nil {
		return false, err
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, r.Args...), string(payload))
	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = r.Dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Agent ran but declined the fix. Not a loop error.
			return false, nil
		}
		return false, fmt.Errorf("resolving %q: %s: %w", failure.Label, out.String(), err)
	}
	return true, nil
}

func truncate(s string) string {
	if len(s) <= maxOutputChars {
		return s
	}
	return s[:maxOutputChars] + "\n...(truncated)"
}
