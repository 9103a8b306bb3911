package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dcarlson/foreman/internal/logger"
	"github.com/dcarlson/foreman/internal/plan"
)

// NewResumeCommand builds the resume command.
func NewResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <plan-file>",
		Short: "Reset blocked steps and re-run a halted plan",
		Long: `Reset blocked steps of a halted plan back to pending and execute it
again. Completed steps keep their status; the run continues on the
plan's recorded work branch.

Examples:
  foreman resume .foreman/plans/auth.yaml                # reset every blocked step
  foreman resume .foreman/plans/auth.yaml --step schema  # reset one step
  foreman resume .foreman/plans/auth.yaml --dry-run      # list blocked steps`,
		Args: cobra.ExactArgs(1),
		RunE: resumeCommand,
	}

	cmd.Flags().StringSlice("step", nil, "Blocked step id to reset (repeatable; default: all blocked steps)")
	cmd.Flags().String("config", "", "Path to config file (default: .foreman/config.yaml)")
	cmd.Flags().Bool("dry-run", false, "List blocked steps without resetting or running")
	cmd.Flags().Bool("verbose", false, "Show agent output line by line")
	cmd.Flags().Bool("parallel", false, "Dispatch parallel steps concurrently in worktrees")
	cmd.Flags().Int("max-parallel", 0, "Maximum concurrent agents")
	cmd.Flags().Bool("review", false, "Run the review loop after each completed step")
	cmd.Flags().String("timeout", "", "Per-invocation agent timeout (e.g. 30m, 2h)")

	return cmd
}

func resumeCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadMergedConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	log := logger.NewConsole(os.Stdout, cfg.LogLevel)

	store, err := plan.Load(args[0])
	if err != nil {
		return err
	}
	p := store.Plan()

	blocked := p.BlockedIDs()
	if len(blocked) == 0 {
		return fmt.Errorf("plan %s has no blocked steps", p.ID())
	}

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		lines := []string{fmt.Sprintf("Plan %s, blocked steps:", p.ID())}
		for _, step := range p.Steps {
			if blocked[step.ID] {
				lines = append(lines, fmt.Sprintf("  %s: %s", step.ID, step.BlockedReason))
			}
		}
		log.Summary(lines)
		return nil
	}

	targets, _ := cmd.Flags().GetStringSlice("step")
	if len(targets) == 0 {
		for _, step := range p.Steps {
			if blocked[step.ID] {
				targets = append(targets, step.ID)
			}
		}
	}
	for _, id := range targets {
		if err := store.ResumeStep(id); err != nil {
			return err
		}
	}
	log.Infof("reset %s to pending", strings.Join(targets, ", "))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return executePlan(ctx, cfg, store, log)
}
