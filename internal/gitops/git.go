// Package gitops wraps the git operations the run loop depends on: branch
// lifecycle, commit-per-step, worktree isolation for parallel batches, and
// pull request metadata. Everything shells out to the git binary through a
// CommandRunner so tests can substitute a fake.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner executes a git subcommand and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs git via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// Git issues commands against one repository (or worktree) directory.
type Git struct {
	Dir    string
	Runner CommandRunner
}

// New returns a Git bound to dir using the real git binary.
func New(dir string) *Git {
	return &Git{Dir: dir, Runner: ExecRunner{}}
}

// At returns a Git sharing this one's runner but bound to another directory.
// Used to issue commands inside a worktree.
func (g *Git) At(dir string) *Git {
	return &Git{Dir: dir, Runner: g.Runner}
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	return g.Runner.Run(ctx, g.Dir, args...)
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsClean reports whether the working tree has no uncommitted changes.
func (g *Git) IsClean(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// BranchExists reports whether the local branch exists.
func (g *Git) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := g.run(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// CreateBranch creates branch and switches to it.
func (g *Git) CreateBranch(ctx context.Context, branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	_, err := g.run(ctx, "checkout", "-b", branch)
	return err
}

// SwitchBranch checks out an existing branch.
func (g *Git) SwitchBranch(ctx context.Context, branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	_, err := g.run(ctx, "checkout", branch)
	return err
}

// Head returns the current commit hash.
func (g *Git) Head(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Commit stages everything and commits with the given message. Returns the
// new commit hash, or "" when there was nothing to commit.
func (g *Git) Commit(ctx context.Context, message string) (string, error) {
	if _, err := g.run(ctx, "add", "-A"); err != nil {
		return "", err
	}
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", nil
	}
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return g.Head(ctx)
}

// Diff returns the combined staged and unstaged diff against HEAD.
func (g *Git) Diff(ctx context.Context) (string, error) {
	return g.run(ctx, "diff", "HEAD")
}

// DiffRange returns the diff between two commits.
func (g *Git) DiffRange(ctx context.Context, from, to string) (string, error) {
	return g.run(ctx, "diff", from+".."+to)
}

// ChangedFiles lists the files touched between two commits.
func (g *Git) ChangedFiles(ctx context.Context, from, to string) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", from+".."+to)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// RemoteURL returns the fetch URL of the named remote, or "" when the remote
// is not configured.
func (g *Git) RemoteURL(ctx context.Context, remote string) (string, error) {
	out, err := g.run(ctx, "remote", "get-url", remote)
	if err != nil {
		return "", nil
	}
	return strings.TrimSpace(out), nil
}

// Push pushes branch to the remote, creating the upstream ref.
func (g *Git) Push(ctx context.Context, remote, branch string) error {
	_, err := g.run(ctx, "push", "-u", remote, branch)
	return err
}
