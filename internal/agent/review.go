package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dcarlson/foreman/internal/models"
)

// ReviewContext is the JSON payload handed to a review invocation on stdin:
// the step's stated requirements, its acceptance criteria, and the diff the
// worker produced for it.
type ReviewContext struct {
	StepID       string   `json:"stepId"`
	Description  string   `json:"description,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
	Criteria     []string `json:"criteria,omitempty"`
	ChangedFiles []string `json:"changedFiles,omitempty"`
	Diff         string   `json:"diff,omitempty"`
}

// EditContext extends the review payload with the feedback the editor must
// address.
type EditContext struct {
	ReviewContext
	Iteration int      `json:"iteration"`
	Feedback  []string `json:"feedback"`
}

// Review runs a review invocation for one step and extracts the review
// contract from its output. The raw result is returned alongside so callers
// can log the transcript; a nil ReviewResult means the reviewer produced no
// parseable verdict.
func (inv *Invoker) Review(ctx context.Context, planFile, dir string, rc ReviewContext) (*models.ReviewResult, *Result, error) {
	payload, err := json.Marshal(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding review context: %w", err)
	}

	req := Request{
		PlanFile: planFile,
		StepIDs:  []string{rc.StepID},
		Dir:      dir,
		Stdin:    string(payload),
	}
	result, err := inv.invoke(ctx, req, func(b Backend) []string {
		return b.BuildReviewArgs(planFile, rc.StepID)
	})
	if err != nil {
		return nil, nil, err
	}
	return ExtractReviewResult(result.Stdout), result, nil
}

// Edit runs an edit invocation addressing review feedback and extracts the
// step results the editor reports.
func (inv *Invoker) Edit(ctx context.Context, planFile, dir string, ec EditContext) ([]models.StepResult, *Result, error) {
	payload, err := json.Marshal(ec)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding edit context: %w", err)
	}
	feedback, err := json.Marshal(ec.Feedback)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding edit feedback: %w", err)
	}

	req := Request{
		PlanFile: planFile,
		StepIDs:  []string{ec.StepID},
		Dir:      dir,
		Stdin:    string(payload),
	}
	result, err := inv.invoke(ctx, req, func(b Backend) []string {
		return b.BuildEditArgs(planFile, ec.StepID, string(feedback))
	})
	if err != nil {
		return nil, nil, err
	}
	return ExtractResults(result.Stdout), result, nil
}
