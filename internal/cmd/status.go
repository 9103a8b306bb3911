package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dcarlson/foreman/internal/config"
	"github.com/dcarlson/foreman/internal/filelock"
	"github.com/dcarlson/foreman/internal/logger"
	"github.com/dcarlson/foreman/internal/models"
	"github.com/dcarlson/foreman/internal/plan"
	"github.com/dcarlson/foreman/internal/report"
)

// NewStatusCommand builds the status command.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending plans and recent run history",
		Args:  cobra.NoArgs,
		RunE:  statusCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .foreman/config.yaml)")
	cmd.Flags().Int("runs", 5, "How many recent runs to show")

	return cmd
}

func statusCommand(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.DefaultConfig().ConfigPath()
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	log := logger.NewConsole(os.Stdout, cfg.LogLevel)

	var lines []string

	paths, err := plan.Discover(cfg.PlansDir())
	if err != nil {
		return err
	}
	lines = append(lines, fmt.Sprintf("Pending plans (%d):", len(paths)))
	for _, path := range paths {
		store, err := plan.Load(path)
		if err != nil {
			lines = append(lines, fmt.Sprintf("  %s: unreadable: %v", filepath.Base(path), err))
			continue
		}
		p := store.Plan()
		lines = append(lines, fmt.Sprintf("  %s: %s", p.ID(), describePlan(p)))
		if info := heldLock(cfg.LocksDir(), p.ID()); info != nil {
			lines = append(lines, fmt.Sprintf("    running: pid %d since %s", info.PID, info.StartedAt.Format(time.RFC3339)))
		}
	}

	limit, _ := cmd.Flags().GetInt("runs")
	history, err := recentRuns(cfg.ReportsDir(), limit)
	if err != nil {
		log.Warnf("reading run history: %v", err)
	} else if len(history) > 0 {
		lines = append(lines, "", fmt.Sprintf("Recent runs (%d):", len(history)))
		for _, r := range history {
			lines = append(lines, fmt.Sprintf("  %s  %s  %d steps, %d blocked  %s",
				r.FinishedAt.Format("2006-01-02 15:04"), r.PlanID, r.StepsTotal, r.StepsBlocked, r.Outcome))
		}
	}

	log.Summary(lines)
	return nil
}

func describePlan(p *models.Plan) string {
	pending, started, complete, blocked := 0, 0, 0, 0
	for _, s := range p.Steps {
		switch {
		case s.IsComplete():
			complete++
		case s.IsBlocked():
			blocked++
		case s.Started():
			started++
		default:
			pending++
		}
	}
	return fmt.Sprintf("%d pending, %d in progress, %d complete, %d blocked",
		pending, started, complete, blocked)
}

func heldLock(locksDir, planID string) *filelock.LockInfo {
	info, err := filelock.ReadLockInfo(filelock.LockPath(locksDir, planID))
	if err != nil {
		return nil
	}
	return info
}

func recentRuns(reportsDir string, limit int) ([]report.RunRecord, error) {
	dbPath := filepath.Join(reportsDir, "runs.db")
	if _, err := os.Stat(dbPath); err != nil {
		// No index yet; rebuild history from the report files themselves.
		return report.ScanReports(reportsDir, limit)
	}
	ix, err := report.OpenIndex(dbPath)
	if err != nil {
		return nil, err
	}
	defer ix.Close()
	return ix.RecentRuns(context.Background(), limit)
}
