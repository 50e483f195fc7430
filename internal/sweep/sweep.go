package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loopwork/taskmill/internal/workspace"
)

// WorkspaceSweeper is the workspace surface the sweeper needs.
type WorkspaceSweeper interface {
	FindStale(maxAge time.Duration, now time.Time) ([]workspace.StaleWorkspace, error)
	Cleanup(name string, deleteBranch bool) (bool, error)
}

// CycleStats summarizes one sweep cycle. Each cycle gets a fresh value; there
// is no accumulated global state to reset.
type CycleStats struct {
	Started      time.Time
	Scanned      int
	Removed      int
	Orphaned     int
	Failed       int
	DryRun       bool
	RemovedNames []string
}

// Options configures a Sweeper.
type Options struct {
	MaxAge       time.Duration
	DeleteBranch bool
	DryRun       bool
}

// Sweeper periodically removes stale workspaces on a cron schedule.
type Sweeper struct {
	workspaces WorkspaceSweeper
	opts       Options
	logger     *slog.Logger

	mu        sync.Mutex
	lastCycle *CycleStats

	cron *cron.Cron
}

// New creates a Sweeper.
func New(workspaces WorkspaceSweeper, opts Options, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		workspaces: workspaces,
		opts:       opts,
		logger:     logger,
	}
}

// ParseCron parses a standard 5-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// Start schedules sweep cycles per cronExpr until ctx is done.
func (s *Sweeper) Start(ctx context.Context, cronExpr string) error {
	if _, err := ParseCron(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(cronExpr, func() {
		stats, err := s.Sweep(time.Now())
		if err != nil {
			s.logger.Error("sweep cycle failed", "error", err)
			return
		}
		s.logger.Info("sweep cycle done",
			"scanned", stats.Scanned, "removed", stats.Removed,
			"orphaned", stats.Orphaned, "failed", stats.Failed, "dry_run", stats.DryRun)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

// Sweep runs one cleanup cycle and returns its stats.
func (s *Sweeper) Sweep(now time.Time) (*CycleStats, error) {
	stats := &CycleStats{Started: now, DryRun: s.opts.DryRun}

	stale, err := s.workspaces.FindStale(s.opts.MaxAge, now)
	if err != nil {
		return nil, err
	}
	stats.Scanned = len(stale)

	for _, ws := range stale {
		if ws.Orphaned {
			stats.Orphaned++
		}
		if s.opts.DryRun {
			s.logger.Info("would remove stale workspace", "workspace", ws.Name, "orphaned", ws.Orphaned)
			continue
		}
		removed, err := s.workspaces.Cleanup(ws.Name, s.opts.DeleteBranch)
		if err != nil {
			stats.Failed++
			s.logger.Warn("stale workspace cleanup failed", "workspace", ws.Name, "error", err)
			continue
		}
		if !removed {
			continue
		}
		stats.Removed++
		stats.RemovedNames = append(stats.RemovedNames, ws.Name)
	}

	s.mu.Lock()
	s.lastCycle = stats
	s.mu.Unlock()
	return stats, nil
}

// LastCycle returns the stats of the most recent cycle, or nil.
func (s *Sweeper) LastCycle() *CycleStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle
}
