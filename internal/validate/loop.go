package validate

import (
	"context"

	"github.com/loopwork/taskmill/internal/domain"
)

// Resolver attempts to fix the cause of one failing check before the next
// round re-runs it. The bool reports whether the resolver believes it fixed
// the failure.
type Resolver interface {
	Resolve(ctx context.Context, failure domain.ValidationResult) (bool, error)
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc func(ctx context.Context, failure domain.ValidationResult) (bool, error)

func (f ResolverFunc) Resolve(ctx context.Context, failure domain.ValidationResult) (bool, error) {
	return f(ctx, failure)
}

// ProgressPolicy decides, given how many failures the resolver fixed this
// round and how many there were, whether another round is worth running.
type ProgressPolicy func(resolved, failing int) bool

// StopOnZeroProgress continues only while the resolver fixes at least one
// failure per round. Burning the remaining rounds on a stuck failure set
// helps nobody.
func StopOnZeroProgress(resolved, failing int) bool {
	return resolved > 0
}

// Attempt records one validation round for the audit trail.
type Attempt struct {
	Round    int
	Results  []domain.ValidationResult
	Failures int
	Resolved int
}

// Loop runs checks, feeds failures to the resolver, and repeats until
// everything passes, the round budget is spent, or progress stalls.
type Loop struct {
	Runner   Runner
	Resolver Resolver
	Progress ProgressPolicy

	attempts []Attempt
}

// Run returns the final round's results and whether all checks passed.
// maxRounds bounds the total number of rounds, the first included.
func (l *Loop) Run(ctx context.Context, checks []Check, maxRounds int) ([]domain.ValidationResult, bool, error) {
	if maxRounds < 1 {
		maxRounds = 1
	}
	progress := l.Progress
	if progress == nil {
		progress = StopOnZeroProgress
	}

	l.attempts = nil

	for round := 1; ; round++ {
		results, err := l.Runner.RunAll(ctx, checks)
		if err != nil {
			return results, false, err
		}

		failures := Failures(results)
		l.attempts = append(l.attempts, Attempt{
			Round:    round,
			Results:  results,
			Failures: len(failures),
		})

		if len(failures) == 0 {
			return results, true, nil
		}
		if round >= maxRounds || l.Resolver == nil {
			return results, false, nil
		}

		resolved := 0
		for i := range results {
			if results[i].OK() {
				continue
			}
			results[i].ResolutionAttempted = true
			ok, err := l.Resolver.Resolve(ctx, results[i])
			if err != nil {
				if ctx.Err() != nil {
					return results, false, ctx.Err()
				}
				// A failed resolution just means this check likely
				// fails again next round.
				continue
			}
			if ok {
				resolved++
			}
		}
		l.attempts[len(l.attempts)-1].Resolved = resolved

		if !progress(resolved, len(failures)) {
			return results, false, nil
		}
	}
}

// Attempts returns the per-round audit records from the last Run.
func (l *Loop) Attempts() []Attempt {
	return l.attempts
}
