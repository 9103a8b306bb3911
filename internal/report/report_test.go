package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcarlson/foreman/internal/gitops"
)

func sampleReport() *RunReport {
	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return &RunReport{
		PlanID:       "auth-refactor",
		Outcome:      "success",
		SourceBranch: "main",
		WorkBranch:   "foreman/auth-refactor",
		StartedAt:    started,
		FinishedAt:   started.Add(42 * time.Minute),
		Steps: []StepReport{
			{ID: "schema", Status: "complete", Agent: "claude", Summary: "added users table", ReviewRounds: 1},
			{ID: "api", Status: "blocked", Agent: "claude", BlockedReason: "missing credentials"},
		},
		PR: &gitops.PRMetadata{
			Title:      "Auth refactor",
			Base:       "main",
			Head:       "foreman/auth-refactor",
			CompareURL: "https://github.com/acme/api/compare/main...foreman/auth-refactor",
			Pushed:     true,
		},
	}
}

func TestMarkdownRendering(t *testing.T) {
	md := sampleReport().Markdown()

	assert.Contains(t, md, "# Run report: auth-refactor")
	assert.Contains(t, md, "- Outcome: success")
	assert.Contains(t, md, "- Duration: 42m0s")
	assert.Contains(t, md, "- Branches: main -> foreman/auth-refactor")
	assert.Contains(t, md, "### schema")
	assert.Contains(t, md, "- Review rounds: 1")
	assert.Contains(t, md, "- Blocked: missing credentials")
	assert.Contains(t, md, "compare/main...foreman/auth-refactor")
}

func TestWriteAndFileName(t *testing.T) {
	r := sampleReport()
	assert.Equal(t, "auth-refactor-20260314-094200.md", r.FileName())

	path := filepath.Join(t.TempDir(), r.FileName())
	require.NoError(t, r.Write(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Run report: auth-refactor")
}

func TestBlockedCount(t *testing.T) {
	assert.Equal(t, 1, sampleReport().BlockedCount())
	assert.Equal(t, 0, (&RunReport{}).BlockedCount())
}

func TestParseSummaryRoundTrip(t *testing.T) {
	r := sampleReport()
	s, err := ParseSummary([]byte(r.Markdown()))
	require.NoError(t, err)

	assert.Equal(t, "auth-refactor", s.PlanID)
	assert.Equal(t, "success", s.Outcome)
	require.Len(t, s.Steps, 2)
	assert.Equal(t, "schema", s.Steps[0].ID)
	assert.Equal(t, "complete", s.Steps[0].Status)
	assert.Equal(t, "claude", s.Steps[0].Agent)
	assert.Equal(t, "added users table", s.Steps[0].Summary)
	assert.Equal(t, "blocked", s.Steps[1].Status)
	assert.Equal(t, "missing credentials", s.Steps[1].BlockedReason)
}

func TestParseSummaryRejectsForeignDocument(t *testing.T) {
	_, err := ParseSummary([]byte("# Release notes\n\n- nothing\n"))
	assert.Error(t, err)
}

func TestScanReports(t *testing.T) {
	dir := t.TempDir()

	r := sampleReport()
	require.NoError(t, r.Write(filepath.Join(dir, r.FileName())))
	// Files that are not run reports are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("# Notes\n"), 0o644))

	records, err := ScanReports(dir, 5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "auth-refactor", records[0].PlanID)
	assert.Equal(t, "success", records[0].Outcome)
	assert.Equal(t, 2, records[0].StepsTotal)
	assert.Equal(t, 1, records[0].StepsBlocked)
}
