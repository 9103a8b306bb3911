package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dcarlson/foreman/internal/agent"
	"github.com/dcarlson/foreman/internal/config"
	"github.com/dcarlson/foreman/internal/executor"
	"github.com/dcarlson/foreman/internal/filelock"
	"github.com/dcarlson/foreman/internal/gitops"
	"github.com/dcarlson/foreman/internal/logger"
	"github.com/dcarlson/foreman/internal/models"
	"github.com/dcarlson/foreman/internal/plan"
	"github.com/dcarlson/foreman/internal/report"
)

// NewRunCommand builds the run command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute pending plans",
		Long: `Execute one plan, or every pending plan under the plans directory.

Each plan runs on its own work branch forked from the current branch.
Completed steps are committed individually; parallel steps execute in
isolated git worktrees and are replayed onto the work branch in order.

Examples:
  foreman run                          # run every pending plan
  foreman run --plan auth.yaml         # run one plan
  foreman run --parallel --review      # parallel dispatch plus review loop
  foreman run --dry-run                # show execution groups only`,
		Args: cobra.NoArgs,
		RunE: runCommand,
	}

	cmd.Flags().String("plan", "", "Path to a single plan file (default: all pending plans)")
	cmd.Flags().String("config", "", "Path to config file (default: .foreman/config.yaml)")
	cmd.Flags().Bool("dry-run", false, "Resolve and print execution groups without dispatching")
	cmd.Flags().Bool("verbose", false, "Show agent output line by line")
	cmd.Flags().Bool("parallel", false, "Dispatch parallel steps concurrently in worktrees")
	cmd.Flags().Int("max-parallel", 0, "Maximum concurrent agents (implies --parallel semantics from config)")
	cmd.Flags().Bool("review", false, "Run the review loop after each completed step")
	cmd.Flags().String("timeout", "", "Per-invocation agent timeout (e.g. 30m, 2h)")

	return cmd
}

func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadMergedConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	log := logger.NewConsole(os.Stdout, cfg.LogLevel)

	planPaths, err := selectPlans(cmd, cfg)
	if err != nil {
		return err
	}
	if len(planPaths) == 0 {
		log.Infof("no pending plans under %s", cfg.PlansDir())
		return nil
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if dryRun {
		return dryRunPlans(planPaths, log)
	}

	// Interrupts stop new dispatches; running agents finish on their own.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runPlans(ctx, cfg, planPaths, log)
}

// executePlanFn is swappable so command-level tests can script outcomes.
var executePlanFn = executePlan

// runPlans executes each plan in order. A halted plan stops the run and
// reports how many later plans were left unprocessed.
func runPlans(ctx context.Context, cfg *config.Config, planPaths []string, log *logger.Console) error {
	skipped := 0
	for i, path := range planPaths {
		store, err := plan.Load(path)
		if err != nil {
			return err
		}
		if store.Plan().IsComplete() {
			skipped++
			continue
		}

		if err := executePlanFn(ctx, cfg, store, log); err != nil {
			var halt *executor.BlockedHaltError
			if errors.As(err, &halt) {
				log.Errorf("plan %s halted: steps %s blocked", halt.PlanID, strings.Join(halt.BlockedIDs, ", "))
				if remaining := len(planPaths) - i - 1; remaining > 0 {
					log.Warnf("skipping %d remaining plan(s) this run", remaining)
				}
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if skipped > 0 {
		log.Infof("skipped %d already-complete plan(s)", skipped)
	}
	return nil
}

// loadMergedConfig layers file, environment and flags in that order.
func loadMergedConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.DefaultConfig().ConfigPath()
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	var parallel, review *bool
	var maxParallel *int
	var timeout *time.Duration

	if cmd.Flags().Changed("parallel") {
		v, _ := cmd.Flags().GetBool("parallel")
		parallel = &v
	}
	if cmd.Flags().Changed("review") {
		v, _ := cmd.Flags().GetBool("review")
		review = &v
	}
	if cmd.Flags().Changed("max-parallel") {
		v, _ := cmd.Flags().GetInt("max-parallel")
		maxParallel = &v
	}
	if cmd.Flags().Changed("timeout") {
		s, _ := cmd.Flags().GetString("timeout")
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid --timeout %q: %w", s, err)
		}
		timeout = &d
	}
	cfg.MergeFlags(parallel, review, maxParallel, timeout)

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.LogLevel = "debug"
	}

	return cfg, cfg.Validate()
}

func selectPlans(cmd *cobra.Command, cfg *config.Config) ([]string, error) {
	if planPath, _ := cmd.Flags().GetString("plan"); planPath != "" {
		if _, err := os.Stat(planPath); err != nil {
			return nil, fmt.Errorf("plan %s: %w", planPath, err)
		}
		return []string{planPath}, nil
	}
	return plan.Discover(cfg.PlansDir())
}

// dryRunPlans resolves each plan into execution groups and prints them.
func dryRunPlans(paths []string, log *logger.Console) error {
	for _, path := range paths {
		store, err := plan.Load(path)
		if err != nil {
			return err
		}
		p := store.Plan()
		if err := p.Validate(); err != nil {
			return err
		}
		groups, err := executor.ResolveExecutionGroups(p.Steps)
		if err != nil {
			return err
		}

		lines := []string{fmt.Sprintf("Plan %s (%d steps):", p.ID(), len(p.Steps))}
		for i, g := range groups {
			mode := "serial"
			if g.Parallel {
				mode = "parallel"
			}
			lines = append(lines, fmt.Sprintf("  group %d (%s): %s", i+1, mode, strings.Join(g.StepIDs, ", ")))
		}
		log.Summary(lines)
	}
	return nil
}

// executePlan runs one plan under the run lock and records its report.
func executePlan(ctx context.Context, cfg *config.Config, store *plan.Store, log *logger.Console) error {
	p := store.Plan()

	lock, err := filelock.Acquire(cfg.LocksDir(), p.ID())
	if err != nil {
		var held *filelock.HeldError
		if errors.As(err, &held) {
			return fmt.Errorf("plan %s is already being executed (pid %d)", p.ID(), held.Info.PID)
		}
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warnf("releasing run lock: %v", err)
		}
	}()

	classifier, err := cfg.Classifier()
	if err != nil {
		return err
	}
	invoker := &agent.Invoker{
		Backends:   cfg.Backends,
		Timeout:    cfg.Timeout,
		Classifier: classifier,
	}

	repoDir, err := os.Getwd()
	if err != nil {
		return err
	}
	if err := lock.SetWorktree(repoDir); err != nil {
		log.Warnf("recording run directory in lock: %v", err)
	}

	o := executor.NewOrchestrator(cfg, store, gitops.New(repoDir), invoker, log)
	rep, runErr := o.Run(ctx)
	if rep != nil {
		recordReport(ctx, cfg, rep, log)
		printSummary(rep, log)
	}
	return runErr
}

func recordReport(ctx context.Context, cfg *config.Config, rep *report.RunReport, log *logger.Console) {
	reportPath := filepath.Join(cfg.ReportsDir(), rep.FileName())
	if err := rep.Write(reportPath); err != nil {
		log.Warnf("writing report: %v", err)
		reportPath = ""
	}

	ix, err := report.OpenIndex(filepath.Join(cfg.ReportsDir(), "runs.db"))
	if err != nil {
		log.Warnf("opening run index: %v", err)
		return
	}
	defer ix.Close()
	if _, err := ix.Record(ctx, rep, reportPath); err != nil {
		log.Warnf("indexing run: %v", err)
	}
}

func printSummary(rep *report.RunReport, log *logger.Console) {
	lines := []string{
		"",
		fmt.Sprintf("Plan %s: %s", rep.PlanID, rep.Outcome),
		fmt.Sprintf("  steps: %d total, %d blocked", len(rep.Steps), rep.BlockedCount()),
		fmt.Sprintf("  duration: %s", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Second)),
	}
	if rep.WorkBranch != "" {
		lines = append(lines, fmt.Sprintf("  branch: %s", rep.WorkBranch))
	}
	if rep.PR != nil && rep.PR.CompareURL != "" {
		lines = append(lines, fmt.Sprintf("  open a PR: %s", rep.PR.CompareURL))
	}
	if rep.Outcome == models.OutcomeBlocked {
		lines = append(lines, "  resume after unblocking with: foreman resume")
	}
	log.Summary(lines)
}
