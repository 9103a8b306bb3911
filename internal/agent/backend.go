// Package agent spawns worker processes, supervises them with timeouts and
// ordered failover, and extracts the structured result contract from their
// output.
package agent

import (
	"fmt"
	"strings"
)

// Placeholders substituted into backend argument templates.
const (
	PlaceholderPlanFile = "{planFile}"
	PlaceholderStepIDs  = "{stepIds}"
	PlaceholderFeedback = "{feedback}"
)

// Backend describes one configured worker command. Args, ReviewArgs and
// EditArgs are templates; placeholders are replaced per invocation. The
// engine knows nothing about prompt semantics, only the argument shape and
// the JSON result contract on stdout.
type Backend struct {
	Name       string   `yaml:"name"`
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	ReviewArgs []string `yaml:"review_args,omitempty"`
	EditArgs   []string `yaml:"edit_args,omitempty"`
}

// BuildArgs expands the run-argument template for a dispatch.
func (b Backend) BuildArgs(planFile string, stepIDs []string) []string {
	return expand(b.Args, map[string]string{
		PlaceholderPlanFile: planFile,
		PlaceholderStepIDs:  strings.Join(stepIDs, ","),
	})
}

// BuildReviewArgs expands the review-argument template. Falls back to the
// run template when no review template is configured.
func (b Backend) BuildReviewArgs(planFile, stepID string) []string {
	tmpl := b.ReviewArgs
	if len(tmpl) == 0 {
		tmpl = b.Args
	}
	return expand(tmpl, map[string]string{
		PlaceholderPlanFile: planFile,
		PlaceholderStepIDs:  stepID,
	})
}

// BuildEditArgs expands the edit-argument template, including the serialized
// review feedback.
func (b Backend) BuildEditArgs(planFile, stepID, feedback string) []string {
	tmpl := b.EditArgs
	if len(tmpl) == 0 {
		tmpl = b.Args
	}
	return expand(tmpl, map[string]string{
		PlaceholderPlanFile: planFile,
		PlaceholderStepIDs:  stepID,
		PlaceholderFeedback: feedback,
	})
}

// Validate checks the backend has enough to be spawned.
func (b Backend) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("backend has no name")
	}
	if b.Command == "" {
		return fmt.Errorf("backend %q has no command", b.Name)
	}
	return nil
}

func expand(tmpl []string, values map[string]string) []string {
	args := make([]string, len(tmpl))
	for i, a := range tmpl {
		for placeholder, v := range values {
			a = strings.ReplaceAll(a, placeholder, v)
		}
		args[i] = a
	}
	return args
}
