package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loopwork/taskmill/internal/config"
	"github.com/loopwork/taskmill/internal/domain"
	"github.com/loopwork/taskmill/internal/executor"
	"github.com/loopwork/taskmill/internal/notify"
	"github.com/loopwork/taskmill/internal/observer"
	"github.com/loopwork/taskmill/internal/orchestrator"
	"github.com/loopwork/taskmill/internal/plan"
	"github.com/loopwork/taskmill/internal/retry"
	"github.com/loopwork/taskmill/internal/statestore"
	"github.com/loopwork/taskmill/internal/sweep"
	"github.com/loopwork/taskmill/internal/validate"
	"github.com/loopwork/taskmill/internal/workspace"
)

var (
	createPlanPath string
	listStatus     string
	listIDPrefix   string
	cleanupMaxAge  int
	cleanupDryRun  bool
	cleanupBranch  bool
)

func init() {
	createCmd := &cobra.Command{
		Use:   "create-run",
		Short: "Create a run from a plan file and execute it",
		RunE:  runCreate,
	}
	createCmd.Flags().StringVar(&createPlanPath, "plan", "", "plan file (required)")
	createCmd.MarkFlagRequired("plan")
	rootCmd.AddCommand(createCmd)

	resumeCmd := &cobra.Command{
		Use:   "resume-run RUN_ID",
		Short: "Resume an interrupted or failed run",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
	rootCmd.AddCommand(resumeCmd)

	listCmd := &cobra.Command{
		Use:   "list-runs",
		Short: "List runs",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listIDPrefix, "id-prefix", "", "filter by run ID prefix")
	rootCmd.AddCommand(listCmd)

	statusCmd := &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show a run's tasks and checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	cleanupCmd := &cobra.Command{
		Use:   "cleanup-stale-workspaces",
		Short: "Remove workspaces no active run references",
		RunE:  runCleanup,
	}
	cleanupCmd.Flags().IntVar(&cleanupMaxAge, "max-age-days", 0, "staleness threshold in days (0 = config default)")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", true, "report without removing")
	cleanupCmd.Flags().BoolVar(&cleanupBranch, "delete-branch", false, "also delete workspace branches")
	rootCmd.AddCommand(cleanupCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the plans directory and run new plans as they appear",
		RunE:  runWatch,
	}
	rootCmd.AddCommand(watchCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*statestore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
		return nil, err
	}
	return statestore.Open(cfg.General.DatabasePath)
}

func newWorkspaceManager(cfg *config.Config, store *statestore.Store) *workspace.Manager {
	mgr := workspace.NewManager(cfg.General.RepoDir, cfg.Workspace.Dir)
	mgr.SetRunLookup(store)
	return mgr
}

func newNotifier(cfg *config.Config) notify.Notifier {
	return notify.NewMultiNotifier(
		notify.NewDesktopNotifier(cfg.Notifications.Desktop),
		notify.NewSlackNotifier(cfg.Notifications.SlackWebhook),
	)
}

// buildExecutor wires the agent executor as the default route and a
// validation executor for every plan task that carries checks.
func buildExecutor(cfg *config.Config, p *plan.Plan) executor.Executor {
	agent := executor.NewAgentExecutor(cfg.Agent.Command, cfg.Agent.Args...)
	router := executor.NewRouter(agent)

	if p == nil {
		return router
	}
	for _, task := range p.Tasks {
		if len(task.Checks) == 0 {
			continue
		}
		checks := make([]validate.Check, len(task.Checks))
		for i, c := range task.Checks {
			checks[i] = validate.Check{Label: c.Label, Argv: c.Command}
		}
		router.Route(task.Name, &validate.TaskExecutor{
			Loop: &validate.Loop{
				Runner: validate.ExecRunner{},
				Resolver: &validate.AgentResolver{
					Command: cfg.Agent.Command,
					Args:    append(append([]string{}, cfg.Agent.Args...), "resolve"),
					Timeout: time.Duration(cfg.Agent.TimeoutMinutes) * time.Minute,
				},
			},
			Checks:    checks,
			MaxRounds: cfg.Validation.MaxRounds,
		})
	}
	return router
}

func newOrchestrator(cfg *config.Config, store *statestore.Store, mgr *workspace.Manager, p *plan.Plan) *orchestrator.Orchestrator {
	var taskArgs map[string][]string
	if p != nil {
		taskArgs = p.TaskArgs()
	}
	opts := orchestrator.Options{
		MaxWorkers: cfg.General.MaxWorkers,
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Delays:      cfg.Retry.Delays(),
		},
		TaskTimeout:   time.Duration(cfg.Agent.TimeoutMinutes) * time.Minute,
		TaskArgs:      taskArgs,
		KeepWorkspace: cfg.Workspace.KeepAfterSuccess,
	}
	return orchestrator.New(store, mgr, buildExecutor(cfg, p), opts, slog.Default())
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := plan.Load(createPlanPath)
	if err != nil {
		return err
	}

	run := p.NewRun(domain.NewRunID(), time.Now().UTC())
	if abs, err := filepath.Abs(createPlanPath); err == nil {
		run.Metadata["plan_file"] = abs
	}
	if _, err := store.Create(run); err != nil {
		return err
	}
	fmt.Printf("created run %s from plan %s\n", run.ID, p.Name)

	ctx, cancel := signalContext()
	defer cancel()
	return executeAndNotify(ctx, cfg, store, run.ID, p)
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Load(args[0])
	if err != nil {
		return err
	}

	// The plan file carries checks and args the store does not persist.
	// A moved or deleted plan degrades to agent-only execution.
	var p *plan.Plan
	if path := run.Metadata["plan_file"]; path != "" {
		if loaded, err := plan.Load(path); err == nil {
			p = loaded
		} else {
			slog.Warn("plan file unavailable, resuming without checks", "run_id", run.ID, "plan_file", path, "error", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	return executeAndNotify(ctx, cfg, store, run.ID, p)
}

func executeAndNotify(ctx context.Context, cfg *config.Config, store *statestore.Store, runID string, p *plan.Plan) error {
	mgr := newWorkspaceManager(cfg, store)
	orch := newOrchestrator(cfg, store, mgr, p)

	execErr := orch.Execute(ctx, runID)

	if run, err := store.Load(runID); err == nil && run.Finished() {
		if nerr := newNotifier(cfg).Send(notify.RunFinished(run)); nerr != nil {
			slog.Warn("notification failed", "run_id", runID, "error", nerr)
		}
	}
	return execErr
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(statestore.ListOptions{
		Status:   domain.RunStatus(listStatus),
		IDPrefix: listIDPrefix,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tPLAN\tTASKS\tUPDATED")
	for _, run := range runs {
		counts := run.TaskCounts()
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			run.ID, run.Status, run.Metadata["plan"],
			counts[domain.TaskCompleted], len(run.Tasks),
			humanize.Time(run.UpdatedAt))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Load(args[0])
	if err != nil {
		return err
	}

	settled := 0
	for _, task := range run.Tasks {
		if task.Status.Terminal() {
			settled++
		}
	}
	fmt.Printf("run %s  status=%s  plan=%s  tasks %d/%d settled  updated %s\n",
		run.ID, run.Status, run.Metadata["plan"], settled, len(run.Tasks), humanize.Time(run.UpdatedAt))
	if run.Workspace != nil {
		fmt.Printf("workspace %s (%s)\n", run.Workspace.Name, run.Workspace.Path)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nTASK\tSTATUS\tRETRIES\tERROR")
	for _, name := range sortedTaskNames(run) {
		task := run.Tasks[name]
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", task.Name, task.Status, task.RetryCount, task.LastError)
	}
	w.Flush()

	if len(run.Checkpoints) > 0 {
		fmt.Println("\ncheckpoints:")
		for _, cp := range run.Checkpoints {
			line := fmt.Sprintf("  %s  %s", cp.Timestamp.Format(time.RFC3339), cp.Step)
			if cp.NextAction != "" {
				line += "  next: " + cp.NextAction
			}
			fmt.Println(line)
		}
	}
	return nil
}

func sortedTaskNames(run *domain.WorkflowRun) []string {
	names := make([]string, 0, len(run.Tasks))
	for name := range run.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	maxAgeDays := cleanupMaxAge
	if maxAgeDays <= 0 {
		maxAgeDays = cfg.Workspace.StaleAfterDays
	}

	sweeper := sweep.New(newWorkspaceManager(cfg, store), sweep.Options{
		MaxAge:       time.Duration(maxAgeDays) * 24 * time.Hour,
		DeleteBranch: cleanupBranch || cfg.Workspace.DeleteStaleBranch,
		DryRun:       cleanupDryRun,
	}, slog.Default())

	stats, err := sweeper.Sweep(time.Now())
	if err != nil {
		return err
	}

	verb := "removed"
	if stats.DryRun {
		verb = "would remove"
	}
	fmt.Printf("%d stale workspaces scanned, %s %d (%d orphaned, %d failed)\n",
		stats.Scanned, verb, stats.Removed, stats.Orphaned, stats.Failed)
	if stats.DryRun && stats.Scanned > 0 {
		fmt.Println("re-run with --dry-run=false to remove")
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := os.MkdirAll(cfg.General.PlansDir, 0755); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	obs := observer.New()

	watcher, err := observer.NewPlanWatcher(cfg.General.PlansDir, func(files []string) {
		for _, file := range files {
			go func(file string) {
				p, err := plan.Load(file)
				if err != nil {
					slog.Error("ignoring invalid plan", "file", file, "error", err)
					return
				}
				run := p.NewRun(domain.NewRunID(), time.Now().UTC())
				run.Metadata["plan_file"] = file
				run.Metadata["trigger"] = "watch"
				if _, err := store.Create(run); err != nil {
					slog.Error("run creation failed", "file", file, "error", err)
					return
				}
				slog.Info("plan picked up", "file", file, "run_id", run.ID)

				started := time.Now()
				if err := executeAndNotify(ctx, cfg, store, run.ID, p); err != nil {
					slog.Error("run failed", "run_id", run.ID, "error", err)
				}
				if final, err := store.Load(run.ID); err == nil {
					obs.RecordRun(run.ID, final.Status, time.Since(started))
				}
			}(file)
		}
	})
	if err != nil {
		return err
	}
	defer watcher.Stop()
	watcher.Start(ctx)

	sweeper := sweep.New(newWorkspaceManager(cfg, store), sweep.Options{
		MaxAge:       time.Duration(cfg.Workspace.StaleAfterDays) * 24 * time.Hour,
		DeleteBranch: cfg.Workspace.DeleteStaleBranch,
	}, slog.Default())
	if err := sweeper.Start(ctx, cfg.Workspace.CleanupCron); err != nil {
		return err
	}

	slog.Info("watching for plans", "dir", cfg.General.PlansDir, "cleanup_cron", cfg.Workspace.CleanupCron)
	<-ctx.Done()

	metrics := obs.GetMetrics()
	slog.Info("watch stopped", "runs_completed", metrics.TotalCompleted, "runs_failed", metrics.TotalFailed)
	return nil
}
