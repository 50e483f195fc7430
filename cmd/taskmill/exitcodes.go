package main

import (
	"errors"

	"github.com/loopwork/taskmill/internal/domain"
)

// Exit codes are grouped by failure class so callers can branch on ranges:
// 1-9 blockers, 10-19 validation, 20-29 execution, 30-39 resources.
const (
	ExitSuccess    = 0
	ExitBlocker    = 1
	ExitConfig     = 2
	ExitNotFound   = 3
	ExitBadPlan    = 4
	ExitValidation = 10
	ExitExecution  = 20
	ExitResource   = 30
)

func exitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var (
		notFound   *domain.NotFoundError
		cycle      *domain.CycleError
		validation *domain.ValidationError
		execErr    *domain.TaskExecError
		runFailed  *domain.RunFailedError
		conflict   *domain.ResourceConflictError
		transient  *domain.TransientInfraError
	)
	switch {
	case errors.As(err, &notFound):
		return ExitNotFound
	case errors.As(err, &cycle):
		return ExitBadPlan
	case errors.As(err, &validation):
		return ExitValidation
	case errors.As(err, &execErr), errors.As(err, &runFailed):
		return ExitExecution
	case errors.As(err, &conflict), errors.As(err, &transient):
		return ExitResource
	default:
		return ExitBlocker
	}
}
