package agent

import (
	"fmt"
	"regexp"
)

// Classifier decides whether a failed invocation's stderr indicates a
// transient infrastructure problem (rate limiting, provider overload,
// context/token exhaustion) that justifies failing over to the next backend.
// Anything it does not match is a legitimate step outcome.
//
// The pattern set is configuration, not fixed logic: stderr text is
// backend-specific and inherently fuzzy, so deployments tune the list.
type Classifier struct {
	patterns []*regexp.Regexp
}

// DefaultClassifierPatterns matches the transient and context-limit errors
// the common agent CLIs print.
var DefaultClassifierPatterns = []string{
	`(?i)rate[ _-]?limit`,
	`(?i)overloaded`,
	`(?i)too many requests`,
	`(?i)\b(429|503|529)\b`,
	`(?i)temporarily unavailable`,
	`(?i)connection (reset|refused|timed out)`,
	`(?i)context (window|length|limit)`,
	`(?i)(token|prompt) .*too (long|large)`,
	`(?i)maximum context`,
}

// NewClassifier compiles the given expressions. An empty list yields a
// classifier that never matches.
func NewClassifier(exprs []string) (*Classifier, error) {
	c := &Classifier{patterns: make([]*regexp.Regexp, 0, len(exprs))}
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid classifier pattern %q: %w", expr, err)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// DefaultClassifier returns a classifier built from the default pattern set.
func DefaultClassifier() *Classifier {
	c, err := NewClassifier(DefaultClassifierPatterns)
	if err != nil {
		panic(err)
	}
	return c
}

// Transient reports whether stderr matches any configured pattern.
func (c *Classifier) Transient(stderr string) bool {
	if c == nil || stderr == "" {
		return false
	}
	for _, re := range c.patterns {
		if re.MatchString(stderr) {
			return true
		}
	}
	return false
}
