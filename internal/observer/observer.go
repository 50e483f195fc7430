package observer

import (
	"sync"
	"time"

	"github.com/loopwork/taskmill/internal/domain"
)

// Observer collects run outcomes for the watch daemon's reporting.
type Observer struct {
	completions []completion
	mu          sync.RWMutex
}

type completion struct {
	RunID      string
	Status     domain.RunStatus
	Duration   time.Duration
	FinishedAt time.Time
}

// Metrics holds aggregated run metrics
type Metrics struct {
	TotalCompleted int
	TotalFailed    int
	AvgDuration    time.Duration
}

// New creates a new Observer
func New() *Observer {
	return &Observer{}
}

// RecordRun records a finished run
func (o *Observer) RecordRun(runID string, status domain.RunStatus, duration time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.completions = append(o.completions, completion{
		RunID:      runID,
		Status:     status,
		Duration:   duration,
		FinishedAt: time.Now(),
	})
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var metrics Metrics
	var totalDuration time.Duration

	for _, c := range o.completions {
		switch c.Status {
		case domain.RunCompleted:
			metrics.TotalCompleted++
		case domain.RunFailed:
			metrics.TotalFailed++
		}
		totalDuration += c.Duration
	}

	if n := len(o.completions); n > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(n)
	}

	return metrics
}

// RecentRuns returns IDs of runs finished within the last duration
func (o *Observer) RecentRuns(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.FinishedAt.After(cutoff) {
			result = append(result, c.RunID)
		}
	}

	return result
}
