package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout under the state dir:
//
//	.foreman/
//	  config.yaml
//	  plans/            pending plan files
//	  completed/        archived plans
//	  reports/          per-run markdown reports and the sqlite index
//	  locks/            pid-record run locks
//	  tmp/              condensed plans and parallel worktrees

// ConfigPath returns the config file location under the state dir.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.StateDir, "config.yaml")
}

// PlansDir is where pending plans are discovered.
func (c *Config) PlansDir() string {
	return filepath.Join(c.StateDir, "plans")
}

// CompletedDir is where finished plans are archived.
func (c *Config) CompletedDir() string {
	return filepath.Join(c.StateDir, "completed")
}

// ReportsDir holds run reports and the history index.
func (c *Config) ReportsDir() string {
	return filepath.Join(c.StateDir, "reports")
}

// LocksDir holds the run lock files.
func (c *Config) LocksDir() string {
	return filepath.Join(c.StateDir, "locks")
}

// TempDir holds condensed plan files and parallel worktrees for the
// duration of a run.
func (c *Config) TempDir() string {
	return filepath.Join(c.StateDir, "tmp")
}

// EnsureDirs creates the state directory tree. A catch-all .gitignore keeps
// the tree invisible to git when the state dir lives inside the repository:
// otherwise lock and plan churn would dirty the preflight tree check and get
// swept into step commits.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.PlansDir(),
		c.CompletedDir(),
		c.ReportsDir(),
		c.LocksDir(),
		c.TempDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	ignore := filepath.Join(c.StateDir, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0o644); err != nil {
			return fmt.Errorf("creating %s: %w", ignore, err)
		}
	}
	return nil
}
