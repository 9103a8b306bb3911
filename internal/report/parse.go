package report

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Summary is the skim of a report file the status command shows without
// opening the full document.
type Summary struct {
	PlanID  string
	Outcome string
	Steps   []StepReport
}

var reportTitleRe = regexp.MustCompile(`^Run report:\s+(.+)$`)

// ParseSummary reads a rendered report back into its skeleton: plan id from
// the title, the outcome line, and each step heading with its status and
// blocked reason.
func ParseSummary(content []byte) (*Summary, error) {
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(content))

	s := &Summary{}
	var current *StepReport
	inSteps := false

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			title := headingText(node, content)
			switch node.Level {
			case 1:
				if m := reportTitleRe.FindStringSubmatch(title); m != nil {
					s.PlanID = m[1]
				}
			case 2:
				inSteps = title == "Steps"
				current = nil
			case 3:
				if inSteps {
					s.Steps = append(s.Steps, StepReport{ID: title})
					current = &s.Steps[len(s.Steps)-1]
				}
			}
		case *ast.ListItem:
			line := nodeText(node, content)
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				return ast.WalkContinue, nil
			}
			key = strings.TrimSpace(key)
			value = strings.TrimSpace(value)
			if current == nil {
				if key == "Outcome" {
					s.Outcome = value
				}
				return ast.WalkContinue, nil
			}
			switch key {
			case "Status":
				current.Status = value
			case "Agent":
				current.Agent = value
			case "Summary":
				current.Summary = value
			case "Blocked":
				current.BlockedReason = value
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}

	if s.PlanID == "" {
		return nil, fmt.Errorf("not a run report: missing title")
	}
	return s, nil
}

// ScanReports rebuilds run history from the rendered report files, newest
// first by modification time. Unparseable files are skipped. Used when the
// sqlite index is missing.
func ScanReports(dir string, limit int) ([]RunRecord, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return nil, err
	}

	var records []RunRecord
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		s, err := ParseSummary(content)
		if err != nil {
			continue
		}

		rec := RunRecord{
			PlanID:     s.PlanID,
			Outcome:    s.Outcome,
			StepsTotal: len(s.Steps),
			ReportPath: path,
		}
		for _, step := range s.Steps {
			if step.Status == "blocked" {
				rec.StepsBlocked++
			}
		}
		if fi, err := os.Stat(path); err == nil {
			rec.FinishedAt = fi.ModTime()
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].FinishedAt.After(records[j].FinishedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func headingText(h *ast.Heading, source []byte) string {
	return nodeText(h, source)
}

func nodeText(n ast.Node, source []byte) string {
	var b strings.Builder
	collectText(n, source, &b)
	return strings.TrimSpace(b.String())
}

func collectText(n ast.Node, source []byte, b *strings.Builder) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(source))
			continue
		}
		collectText(c, source, b)
	}
}
