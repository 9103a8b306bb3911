// Package report renders per-run markdown reports and keeps a sqlite index
// of run history for the status command.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/dcarlson/foreman/internal/filelock"
	"github.com/dcarlson/foreman/internal/gitops"
)

// StepReport is the per-step slice of a run report.
type StepReport struct {
	ID            string
	Status        string
	Agent         string
	Summary       string
	BlockedReason string
	ReviewRounds  int
}

// RunReport captures one run end to end, whatever its outcome.
type RunReport struct {
	PlanID       string
	Outcome      string
	SourceBranch string
	WorkBranch   string
	StartedAt    time.Time
	FinishedAt   time.Time
	Steps        []StepReport
	PR           *gitops.PRMetadata
}

// BlockedCount returns how many steps ended blocked.
func (r *RunReport) BlockedCount() int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == "blocked" {
			n++
		}
	}
	return n
}

// Markdown renders the report document.
func (r *RunReport) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run report: %s\n\n", r.PlanID)
	fmt.Fprintf(&b, "- Outcome: %s\n", r.Outcome)
	fmt.Fprintf(&b, "- Started: %s\n", r.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Finished: %s\n", r.FinishedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Duration: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	if r.SourceBranch != "" {
		fmt.Fprintf(&b, "- Branches: %s -> %s\n", r.SourceBranch, r.WorkBranch)
	}
	b.WriteString("\n## Steps\n\n")

	for _, s := range r.Steps {
		fmt.Fprintf(&b, "### %s\n\n", s.ID)
		fmt.Fprintf(&b, "- Status: %s\n", s.Status)
		if s.Agent != "" {
			fmt.Fprintf(&b, "- Agent: %s\n", s.Agent)
		}
		if s.ReviewRounds > 0 {
			fmt.Fprintf(&b, "- Review rounds: %d\n", s.ReviewRounds)
		}
		if s.Summary != "" {
			fmt.Fprintf(&b, "- Summary: %s\n", s.Summary)
		}
		if s.BlockedReason != "" {
			fmt.Fprintf(&b, "- Blocked: %s\n", s.BlockedReason)
		}
		b.WriteString("\n")
	}

	if r.PR != nil {
		b.WriteString("## Pull request\n\n")
		fmt.Fprintf(&b, "- Title: %s\n", r.PR.Title)
		fmt.Fprintf(&b, "- Branches: %s <- %s\n", r.PR.Base, r.PR.Head)
		if r.PR.CompareURL != "" {
			fmt.Fprintf(&b, "- Compare: %s\n", r.PR.CompareURL)
		}
		if !r.PR.Pushed {
			b.WriteString("- Not pushed: no origin remote configured\n")
		}
		b.WriteString("\n")
	}

	return b.String()
}

// Write renders the report to path atomically.
func (r *RunReport) Write(path string) error {
	return filelock.AtomicWrite(path, []byte(r.Markdown()))
}

// FileName derives the report file name from the plan id and finish time.
func (r *RunReport) FileName() string {
	return fmt.Sprintf("%s-%s.md", r.PlanID, r.FinishedAt.Format("20060102-150405"))
}
