package models

// Step status values. Transitions: pending -> in_progress -> {complete, blocked}.
// blocked -> pending happens only through an explicit resume, never automatically.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusComplete   = "complete"
	StatusBlocked    = "blocked"
)

// Step is a single unit of work in a plan.
//
// The guidance fields (Context, Requirements, Criteria, Files, ContextFiles,
// Commands, RiskNotes) are passed through to the worker agent untouched.
// Agent, BlockedReason and Reviews are written back by the engine.
type Step struct {
	ID            string         `yaml:"id"`
	Description   string         `yaml:"description,omitempty"`
	Status        string         `yaml:"status,omitempty"`
	Deps          []string       `yaml:"deps,omitempty"`
	Parallel      bool           `yaml:"parallel,omitempty"`
	Context       string         `yaml:"context,omitempty"`
	Requirements  []string       `yaml:"requirements,omitempty"`
	Criteria      []string       `yaml:"criteria,omitempty"`
	Files         []string       `yaml:"files,omitempty"`
	ContextFiles  []string       `yaml:"context_files,omitempty"`
	Commands      []string       `yaml:"commands,omitempty"`
	RiskNotes     string         `yaml:"risk_notes,omitempty"`
	Agent         string         `yaml:"agent,omitempty"`
	BlockedReason string         `yaml:"blocked_reason,omitempty"`
	Reviews       []ReviewRecord `yaml:"reviews,omitempty"`
}

// ReviewRecord is one iteration of the review/edit cycle, persisted on the step.
type ReviewRecord struct {
	Iteration int      `yaml:"iteration" json:"iteration"`
	Approved  bool     `yaml:"approved" json:"approved"`
	Feedback  []string `yaml:"feedback,omitempty" json:"feedback,omitempty"`
}

// EffectiveStatus returns the step status, treating an empty field as pending.
func (s *Step) EffectiveStatus() string {
	if s.Status == "" {
		return StatusPending
	}
	return s.Status
}

// Started reports whether the step has ever been dispatched. A started step
// orders later steps (implicit barriers) but only a complete step satisfies
// an explicit dependency.
func (s *Step) Started() bool {
	switch s.Status {
	case StatusInProgress, StatusComplete, StatusBlocked:
		return true
	}
	return false
}

// IsPending reports whether the step is still waiting to be dispatched.
func (s *Step) IsPending() bool {
	return s.EffectiveStatus() == StatusPending
}

// IsComplete reports whether the step finished successfully.
func (s *Step) IsComplete() bool {
	return s.Status == StatusComplete
}

// IsBlocked reports whether the step was recorded as blocked.
func (s *Step) IsBlocked() bool {
	return s.Status == StatusBlocked
}
