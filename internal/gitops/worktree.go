package gitops

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Worktree is one isolated checkout used by a parallel dispatch. Each gets a
// throwaway branch forked from the work branch; its commits are replayed
// onto the work branch after the batch completes.
type Worktree struct {
	Path   string
	Branch string
	Base   string
}

// AddWorktree creates a worktree under tempDir on a fresh branch forked from
// base. The branch name embeds the step id for traceability plus a random
// suffix so repeated dispatches of the same step never collide.
func (g *Git) AddWorktree(ctx context.Context, tempDir, stepID, base string) (*Worktree, error) {
	suffix := uuid.NewString()[:8]
	branch := fmt.Sprintf("foreman/wt-%s-%s", slugify(stepID), suffix)
	path := filepath.Join(tempDir, fmt.Sprintf("wt-%s-%s", slugify(stepID), suffix))

	if _, err := g.run(ctx, "worktree", "add", "-b", branch, path, base); err != nil {
		return nil, fmt.Errorf("adding worktree for step %s: %w", stepID, err)
	}
	return &Worktree{Path: path, Branch: branch, Base: base}, nil
}

// RemoveWorktree tears down the worktree and deletes its throwaway branch.
// Removal is forced: a half-finished checkout must never survive a run.
func (g *Git) RemoveWorktree(ctx context.Context, wt *Worktree) error {
	if _, err := g.run(ctx, "worktree", "remove", "--force", wt.Path); err != nil {
		return err
	}
	_, err := g.run(ctx, "branch", "-D", wt.Branch)
	return err
}

// CommitsAhead lists the commits on branch that are not on base, oldest
// first, ready for cherry-pick replay.
func (g *Git) CommitsAhead(ctx context.Context, base, branch string) ([]string, error) {
	out, err := g.run(ctx, "rev-list", "--reverse", base+".."+branch)
	if err != nil {
		return nil, err
	}
	var commits []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			commits = append(commits, line)
		}
	}
	return commits, nil
}

// CherryPick applies one commit onto the current branch.
func (g *Git) CherryPick(ctx context.Context, commit string) error {
	_, err := g.run(ctx, "cherry-pick", commit)
	return err
}

// AbortCherryPick abandons an in-progress cherry-pick, restoring HEAD.
func (g *Git) AbortCherryPick(ctx context.Context) error {
	_, err := g.run(ctx, "cherry-pick", "--abort")
	return err
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
