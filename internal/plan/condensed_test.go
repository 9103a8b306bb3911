package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcarlson/foreman/internal/models"
)

func condensedFixture() *models.Plan {
	return &models.Plan{
		FilePath: "/plans/demo.yaml",
		Metadata: map[string]interface{}{"created_by": "alice"},
		Steps: []models.Step{
			{ID: "base", Status: models.StatusComplete},
			{ID: "schema", Status: models.StatusComplete, Deps: []string{"base"}},
			{ID: "unrelated", Status: models.StatusComplete},
			{ID: "middleware", Status: models.StatusPending, Deps: []string{"schema"}},
			{ID: "handlers", Status: models.StatusPending, Deps: []string{"middleware"}},
		},
	}
}

func TestCondenseIncludesCompletedDepClosure(t *testing.T) {
	p := condensedFixture()

	c := Condense(p, []string{"middleware"})

	ids := make([]string, 0, len(c.Steps))
	for _, s := range c.Steps {
		ids = append(ids, s.ID)
	}
	// Assigned step plus its completed dependency closure, in plan order.
	// "unrelated" is complete but not a dependency, so it is excluded.
	assert.Equal(t, []string{"base", "schema", "middleware"}, ids)
	assert.Equal(t, true, c.Metadata[models.MetaCondensed])
	assert.Equal(t, "alice", c.Metadata["created_by"])
}

func TestCondenseSkipsIncompleteDeps(t *testing.T) {
	p := condensedFixture()

	// handlers depends on middleware, which is still pending: the closure
	// only follows completed steps.
	c := Condense(p, []string{"handlers"})

	ids := make([]string, 0, len(c.Steps))
	for _, s := range c.Steps {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"handlers"}, ids)
}

func TestCondenseMultipleAssigned(t *testing.T) {
	p := condensedFixture()

	c := Condense(p, []string{"middleware", "handlers"})

	ids := make([]string, 0, len(c.Steps))
	for _, s := range c.Steps {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"base", "schema", "middleware", "handlers"}, ids)
}

func TestWriteCondensed(t *testing.T) {
	p := condensedFixture()
	tmp := t.TempDir()

	path, err := WriteCondensed(tmp, p, []string{"middleware"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "id: middleware")
	assert.Contains(t, text, "condensed: true")
	assert.True(t, strings.HasPrefix(filepath.Base(path), "demo-middleware-"))
}
