package models

import "strconv"

// Worker result status values. These are the only statuses a worker may
// report; anything else fails contract validation and the candidate is
// discarded during extraction.
const (
	ResultComplete = "complete"
	ResultBlocked  = "blocked"
)

// StepResult is the contract a worker agent emits on stdout, one object per
// assigned step.
type StepResult struct {
	StepID        string   `json:"stepId"`
	Status        string   `json:"status"`
	Summary       string   `json:"summary,omitempty"`
	Artifacts     []string `json:"artifacts,omitempty"`
	TestResults   string   `json:"testResults,omitempty"`
	BlockedReason string   `json:"blockedReason,omitempty"`
	CommitMessage string   `json:"commitMessage,omitempty"`

	// Agent is the backend that produced the result. Filled in by the
	// invoker, never by the worker.
	Agent string `json:"-"`
}

// Valid reports whether the result satisfies the worker contract:
// stepId present, status complete or blocked, and a blocked reason
// whenever the status is blocked.
func (r *StepResult) Valid() bool {
	if r.StepID == "" {
		return false
	}
	switch r.Status {
	case ResultComplete:
		return true
	case ResultBlocked:
		return r.BlockedReason != ""
	}
	return false
}

// Review result status values.
const (
	ReviewApproved     = "approved"
	ReviewNeedsChanges = "needs_changes"
)

// Feedback severity values.
const (
	SeverityBlocking   = "blocking"
	SeveritySuggestion = "suggestion"
)

// ReviewFeedback is a single reviewer comment, optionally anchored to a file
// and line.
type ReviewFeedback struct {
	Comment  string `json:"comment"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// ReviewResult is the contract a review agent emits on stdout.
type ReviewResult struct {
	Status   string           `json:"status"`
	Feedback []ReviewFeedback `json:"feedback,omitempty"`
}

// Approved reports whether the reviewer accepted the step as-is.
func (r *ReviewResult) Approved() bool {
	return r.Status == ReviewApproved
}

// Valid reports whether the review result satisfies the review contract.
func (r *ReviewResult) Valid() bool {
	switch r.Status {
	case ReviewApproved:
		return true
	case ReviewNeedsChanges:
		return len(r.Feedback) > 0
	}
	return false
}

// Comments flattens feedback into display strings for persistence on the step.
func (r *ReviewResult) Comments() []string {
	out := make([]string, 0, len(r.Feedback))
	for _, f := range r.Feedback {
		s := f.Comment
		if f.File != "" {
			loc := f.File
			if f.Line > 0 {
				loc += ":" + strconv.Itoa(f.Line)
			}
			s = loc + ": " + s
		}
		if f.Severity != "" {
			s = "[" + f.Severity + "] " + s
		}
		out = append(out, s)
	}
	return out
}
