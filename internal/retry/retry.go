package retry

import (
	"context"
	"errors"
	"time"

	"github.com/loopwork/taskmill/internal/domain"
)

// Class decides what a failure means for the retry loop.
type Class int

const (
	// Retryable failures are re-attempted until the budget runs out.
	Retryable Class = iota
	// Terminal failures stop the loop immediately.
	Terminal
)

// Policy controls how Do re-attempts a failing operation.
type Policy struct {
	// MaxAttempts is the total number of calls, first attempt included.
	MaxAttempts int
	// Delays holds the waits between attempts. When attempts outnumber
	// entries the last entry repeats.
	Delays []time.Duration
	// Classify maps an error to a Class. Nil means DefaultClassify.
	Classify func(error) Class
}

// DefaultPolicy mirrors the stock schedule: three attempts with doubling
// backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Delays:      []time.Duration{1 * time.Second, 2 * time.Second},
	}
}

// DefaultClassify treats infrastructure hiccups and unknown errors as
// retryable, and everything the domain marks as permanent as terminal.
func DefaultClassify(err error) Class {
	var (
		conflict   *domain.ResourceConflictError
		validation *domain.ValidationError
		notFound   *domain.NotFoundError
		cycle      *domain.CycleError
	)
	switch {
	case errors.As(err, &conflict), errors.As(err, &validation),
		errors.As(err, &notFound), errors.As(err, &cycle):
		return Terminal
	default:
		return Retryable
	}
}

// Do calls fn until it succeeds, the attempt budget is spent, the error is
// terminal, or ctx is done. It returns the attempt count alongside the last
// error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassify
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return attempt - 1, err
		}
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if classify(err) == Terminal || attempt >= p.MaxAttempts {
			return attempt, err
		}
		if werr := wait(ctx, delayFor(p.Delays, attempt)); werr != nil {
			return attempt, werr
		}
	}
}

// delayFor returns the wait after the given 1-based attempt, clamping to the
// last configured delay.
func delayFor(delays []time.Duration, attempt int) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	if attempt > len(delays) {
		return delays[len(delays)-1]
	}
	return delays[attempt-1]
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
