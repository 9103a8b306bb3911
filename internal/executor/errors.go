package executor

import (
	"fmt"
	"strings"
)

// CycleError reports a dependency cycle. The id set is exactly the steps
// still unresolved when level computation stalled; the whole plan is
// unschedulable, this is never a per-step failure.
type CycleError struct {
	StepIDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency among steps: %s", strings.Join(e.StepIDs, ", "))
}

// BlockedHaltError is returned when no step is ready, none are running, and
// the plan is not terminal: the run cannot make progress until someone
// resumes a blocked step.
type BlockedHaltError struct {
	PlanID     string
	BlockedIDs []string
}

func (e *BlockedHaltError) Error() string {
	return fmt.Sprintf("plan %s cannot make progress: blocked steps %s", e.PlanID, strings.Join(e.BlockedIDs, ", "))
}

// DirtyTreeError aborts a run before any dispatch when the working tree has
// uncommitted changes.
type DirtyTreeError struct {
	Dir string
}

func (e *DirtyTreeError) Error() string {
	return fmt.Sprintf("working tree %s has uncommitted changes; commit or stash them before running a plan", e.Dir)
}
