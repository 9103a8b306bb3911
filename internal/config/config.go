// Package config loads foreman configuration from .foreman/config.yaml,
// layers FOREMAN_* environment variables and CLI flags on top, and resolves
// the state directory paths everything else writes under.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dcarlson/foreman/internal/agent"
)

// Config holds every tunable of a run. Precedence is defaults, then file,
// then environment, then flags.
type Config struct {
	// Backends are the agent commands in failover priority order.
	Backends []agent.Backend `yaml:"backends"`

	// Timeout is the per-invocation budget for one worker process.
	Timeout time.Duration `yaml:"timeout"`

	// Parallel enables worktree-isolated parallel dispatch.
	Parallel bool `yaml:"parallel"`

	// MaxParallel caps simultaneous workers when Parallel is on.
	MaxParallel int `yaml:"max_parallel"`

	// Review runs the review/edit loop after each completed step.
	Review bool `yaml:"review"`

	// MaxReviewIterations bounds review/edit rounds per step.
	MaxReviewIterations int `yaml:"max_review_iterations"`

	// StateDir is where plans, locks, reports and temp worktrees live.
	StateDir string `yaml:"state_dir"`

	// LogLevel sets console verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// TransientPatterns override the failover classifier's defaults.
	TransientPatterns []string `yaml:"transient_patterns"`
}

// DefaultConfig returns the baseline every other layer merges into.
func DefaultConfig() *Config {
	return &Config{
		Backends: []agent.Backend{
			{
				Name:    "claude",
				Command: "claude",
				Args:    []string{"-p", "execute steps {stepIds} of plan {planFile}"},
			},
		},
		Timeout:             30 * time.Minute,
		Parallel:            false,
		MaxParallel:         3,
		Review:              false,
		MaxReviewIterations: 3,
		StateDir:            ".foreman",
		LogLevel:            "info",
	}
}

// LoadConfig reads path on top of the defaults. A missing file is not an
// error; a malformed one is.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// Durations arrive as strings ("30m"); decode through a shadow type.
	type fileConfig struct {
		Backends            []agent.Backend `yaml:"backends"`
		Timeout             string          `yaml:"timeout"`
		Parallel            *bool           `yaml:"parallel"`
		MaxParallel         int             `yaml:"max_parallel"`
		Review              *bool           `yaml:"review"`
		MaxReviewIterations int             `yaml:"max_review_iterations"`
		StateDir            string          `yaml:"state_dir"`
		LogLevel            string          `yaml:"log_level"`
		TransientPatterns   []string        `yaml:"transient_patterns"`
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if len(fc.Backends) > 0 {
		cfg.Backends = fc.Backends
	}
	if fc.Timeout != "" {
		d, err := time.ParseDuration(fc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", fc.Timeout, err)
		}
		cfg.Timeout = d
	}
	if fc.Parallel != nil {
		cfg.Parallel = *fc.Parallel
	}
	if fc.MaxParallel != 0 {
		cfg.MaxParallel = fc.MaxParallel
	}
	if fc.Review != nil {
		cfg.Review = *fc.Review
	}
	if fc.MaxReviewIterations != 0 {
		cfg.MaxReviewIterations = fc.MaxReviewIterations
	}
	if fc.StateDir != "" {
		cfg.StateDir = fc.StateDir
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if len(fc.TransientPatterns) > 0 {
		cfg.TransientPatterns = fc.TransientPatterns
	}

	if err := cfg.resolveStateDir(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveStateDir pins the state dir to an absolute path. Parallel workers
// run with their worktree as cwd, so every path handed to them (condensed
// plans in particular) must not depend on the coordinator's cwd.
func (c *Config) resolveStateDir() error {
	abs, err := filepath.Abs(c.StateDir)
	if err != nil {
		return fmt.Errorf("resolving state dir %s: %w", c.StateDir, err)
	}
	c.StateDir = abs
	return nil
}

// ApplyEnv overlays FOREMAN_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("FOREMAN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FOREMAN_TIMEOUT: %w", err)
		}
		c.Timeout = d
	}
	if v := os.Getenv("FOREMAN_PARALLEL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FOREMAN_PARALLEL: %w", err)
		}
		c.Parallel = b
	}
	if v := os.Getenv("FOREMAN_MAX_PARALLEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FOREMAN_MAX_PARALLEL: %w", err)
		}
		c.MaxParallel = n
	}
	if v := os.Getenv("FOREMAN_REVIEW"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FOREMAN_REVIEW: %w", err)
		}
		c.Review = b
	}
	if v := os.Getenv("FOREMAN_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("FOREMAN_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return c.resolveStateDir()
}

// MergeFlags overlays explicitly set CLI flags; nil means the flag was not
// passed.
func (c *Config) MergeFlags(parallel, review *bool, maxParallel *int, timeout *time.Duration) {
	if parallel != nil {
		c.Parallel = *parallel
	}
	if review != nil {
		c.Review = *review
	}
	if maxParallel != nil {
		c.MaxParallel = *maxParallel
	}
	if timeout != nil {
		c.Timeout = *timeout
	}
}

// Validate checks the merged result is runnable.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("no agent backends configured")
	}
	for _, b := range c.Backends {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be at least 1, got %d", c.MaxParallel)
	}
	if c.MaxReviewIterations < 1 {
		return fmt.Errorf("max_review_iterations must be at least 1, got %d", c.MaxReviewIterations)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// Classifier builds the failover classifier from the configured patterns,
// falling back to the defaults when none are set.
func (c *Config) Classifier() (*agent.Classifier, error) {
	if len(c.TransientPatterns) == 0 {
		return agent.DefaultClassifier(), nil
	}
	return agent.NewClassifier(c.TransientPatterns)
}
