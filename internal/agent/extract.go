package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dcarlson/foreman/internal/models"
)

// extract.go pulls the structured result contract out of noisy worker
// output. Workers narrate freely; somewhere in stdout they emit one JSON
// result object per step, possibly inside fenced code blocks. Extraction is
// tolerant by design: invalid candidates are discarded, never surfaced as
// errors, and an empty yield falls back to a synthesized default.

// ExtractResults scans combined stdout for step results. Fenced code blocks
// are tried first; only when no block yields a valid result does the raw
// text get scanned for balanced bracket/brace spans.
func ExtractResults(output string) []models.StepResult {
	var results []models.StepResult

	for _, block := range fencedBlocks(output) {
		results = append(results, decodeResultCandidates(jsonSpans(block))...)
	}
	if len(results) > 0 {
		return results
	}
	return decodeResultCandidates(jsonSpans(output))
}

// ExtractReviewResult scans output for a review contract object, with the
// same fenced-first strategy.
func ExtractReviewResult(output string) *models.ReviewResult {
	for _, block := range fencedBlocks(output) {
		if r := decodeReviewCandidate(jsonSpans(block)); r != nil {
			return r
		}
	}
	return decodeReviewCandidate(jsonSpans(output))
}

// DefaultResult synthesizes a result for a step the worker never reported:
// complete with a generic summary on exit 0, otherwise blocked with stderr
// (or a generic exit-code message) as the reason.
func DefaultResult(stepID string, r *Result) models.StepResult {
	if r.ExitCode == 0 && !r.TimedOut {
		return models.StepResult{
			StepID:  stepID,
			Status:  models.ResultComplete,
			Summary: "agent exited successfully without reporting a structured result",
			Agent:   r.AgentName,
		}
	}

	reason := strings.TrimSpace(r.Stderr)
	if r.TimedOut {
		reason = "agent timed out"
	} else if reason == "" {
		reason = fmt.Sprintf("agent exited with code %d", r.ExitCode)
	}
	return models.StepResult{
		StepID:        stepID,
		Status:        models.ResultBlocked,
		BlockedReason: reason,
		Agent:         r.AgentName,
	}
}

// fencedBlocks returns the contents of ``` fenced blocks, language tags
// stripped.
func fencedBlocks(output string) []string {
	var blocks []string
	lines := strings.Split(output, "\n")

	inBlock := false
	var current []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inBlock {
				blocks = append(blocks, strings.Join(current, "\n"))
				current = nil
				inBlock = false
			} else {
				inBlock = true
			}
			continue
		}
		if inBlock {
			current = append(current, line)
		}
	}
	return blocks
}

// jsonSpans finds balanced top-level {...} and [...] spans, honoring string
// quoting and escape sequences, and returns the raw candidate texts.
func jsonSpans(text string) []string {
	var spans []string
	for i := 0; i < len(text); {
		c := text[i]
		if c != '{' && c != '[' {
			i++
			continue
		}
		end, ok := balancedEnd(text, i)
		if !ok {
			i++
			continue
		}
		candidate := text[i : end+1]
		if json.Valid([]byte(candidate)) {
			spans = append(spans, candidate)
			i = end + 1
			continue
		}
		i++
	}
	return spans
}

// balancedEnd returns the index of the bracket closing the span opened at
// start, skipping over quoted strings and escapes.
func balancedEnd(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i, true
			}
			if depth < 0 {
				return 0, false
			}
		}
	}
	return 0, false
}

// decodeResultCandidates validates spans against the worker contract.
// Objects and arrays of objects are both accepted; anything that fails to
// decode or validate is silently dropped.
func decodeResultCandidates(spans []string) []models.StepResult {
	var results []models.StepResult
	for _, span := range spans {
		trimmed := strings.TrimSpace(span)
		if strings.HasPrefix(trimmed, "[") {
			var batch []models.StepResult
			if err := json.Unmarshal([]byte(trimmed), &batch); err != nil {
				continue
			}
			for _, r := range batch {
				if r.Valid() {
					results = append(results, r)
				}
			}
			continue
		}
		var r models.StepResult
		if err := json.Unmarshal([]byte(trimmed), &r); err != nil {
			continue
		}
		if r.Valid() {
			results = append(results, r)
		}
	}
	return results
}

func decodeReviewCandidate(spans []string) *models.ReviewResult {
	for _, span := range spans {
		var r models.ReviewResult
		if err := json.Unmarshal([]byte(span), &r); err != nil {
			continue
		}
		if r.Valid() {
			return &r
		}
	}
	return nil
}
