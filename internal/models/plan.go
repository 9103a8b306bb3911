// Package models defines the plan document types and the worker result
// contract shared across the engine.
package models

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Metadata keys written by the engine. Everything else in the metadata map is
// author-owned and passed through untouched.
const (
	MetaSourceBranch = "source_branch"
	MetaWorkBranch   = "work_branch"
	MetaCondensed    = "condensed"
	MetaCompletedAt  = "completed_at"
	MetaOutcome      = "outcome"
)

// Plan outcome values stamped into metadata on termination.
const (
	OutcomeSuccess = "success"
	OutcomeBlocked = "blocked"
)

// Plan is an ordered sequence of steps plus free-form metadata. Step order is
// semantically meaningful: steps without explicit deps still respect authoring
// order through the implicit-barrier rule.
type Plan struct {
	Metadata map[string]interface{} `yaml:"metadata,omitempty"`
	Steps    []Step                 `yaml:"steps"`

	// FilePath is where the plan was loaded from. Not serialized.
	FilePath string `yaml:"-"`
}

// ID derives the plan identifier from its file name.
func (p *Plan) ID() string {
	base := filepath.Base(p.FilePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// MetaString returns a metadata value as a string, or "" when absent.
func (p *Plan) MetaString(key string) string {
	if p.Metadata == nil {
		return ""
	}
	if v, ok := p.Metadata[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// CompletedIDs returns the set of completed step ids.
func (p *Plan) CompletedIDs() map[string]bool {
	ids := make(map[string]bool)
	for i := range p.Steps {
		if p.Steps[i].IsComplete() {
			ids[p.Steps[i].ID] = true
		}
	}
	return ids
}

// BlockedIDs returns the set of blocked step ids.
func (p *Plan) BlockedIDs() map[string]bool {
	ids := make(map[string]bool)
	for i := range p.Steps {
		if p.Steps[i].IsBlocked() {
			ids[p.Steps[i].ID] = true
		}
	}
	return ids
}

// StartedIDs returns the set of step ids that have ever been dispatched.
func (p *Plan) StartedIDs() map[string]bool {
	ids := make(map[string]bool)
	for i := range p.Steps {
		if p.Steps[i].Started() {
			ids[p.Steps[i].ID] = true
		}
	}
	return ids
}

// IsComplete reports whether the plan is terminal: every step is either
// complete or blocked.
func (p *Plan) IsComplete() bool {
	for i := range p.Steps {
		if !p.Steps[i].IsComplete() && !p.Steps[i].IsBlocked() {
			return false
		}
	}
	return true
}

// IsSuccessful reports whether every step completed.
func (p *Plan) IsSuccessful() bool {
	for i := range p.Steps {
		if !p.Steps[i].IsComplete() {
			return false
		}
	}
	return true
}

// Validate checks structural invariants: non-empty unique step ids and deps
// that reference existing steps. Cycle detection is a separate, plan-fatal
// check (see HasCyclicDeps).
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	seen := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		id := p.Steps[i].ID
		if id == "" {
			return fmt.Errorf("step %d has an empty id", i+1)
		}
		if seen[id] {
			return fmt.Errorf("duplicate step id %q", id)
		}
		seen[id] = true
	}
	for i := range p.Steps {
		for _, dep := range p.Steps[i].Deps {
			if !seen[dep] {
				return fmt.Errorf("step %q depends on unknown step %q", p.Steps[i].ID, dep)
			}
		}
	}
	return nil
}

// HasCyclicDeps detects circular dependencies among the plan's steps using
// DFS with color marking (white=unvisited, gray=visiting, black=visited).
func (p *Plan) HasCyclicDeps() bool {
	graph := make(map[string][]string, len(p.Steps))
	known := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		known[p.Steps[i].ID] = true
		graph[p.Steps[i].ID] = nil
	}

	for i := range p.Steps {
		for _, dep := range p.Steps[i].Deps {
			if dep == p.Steps[i].ID {
				return true
			}
			if known[dep] {
				graph[dep] = append(graph[dep], p.Steps[i].ID)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(known))

	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		for _, next := range graph[node] {
			if colors[next] == gray {
				return true
			}
			if colors[next] == white && dfs(next) {
				return true
			}
		}
		colors[node] = black
		return false
	}

	for id := range known {
		if colors[id] == white && dfs(id) {
			return true
		}
	}
	return false
}
