// Package cmd wires the foreman CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// NewRootCommand builds the foreman root command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foreman",
		Short: "Plan-driven orchestration of coding agents",
		Long: `Foreman executes YAML implementation plans by dispatching coding
agents step by step: it resolves dependencies, isolates parallel steps in
git worktrees, commits each step's work, and drives an optional review
loop before a plan is archived.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewResumeCommand())
	cmd.AddCommand(NewStatusCommand())

	return cmd
}
