package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcarlson/foreman/internal/models"
)

func TestArchiveStampsAndRelocates(t *testing.T) {
	base := t.TempDir()
	plansDir := filepath.Join(base, "plans")
	completedDir := filepath.Join(base, "completed")
	require.NoError(t, os.MkdirAll(plansDir, 0755))

	path := filepath.Join(plansDir, "demo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - id: a\n    status: complete\n"), 0644))

	s, err := Load(path)
	require.NoError(t, err)

	dest, err := Archive(s, completedDir, models.OutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(completedDir, "demo.yaml"), dest)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "original plan file should be gone")

	archived, err := Load(dest)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, archived.Plan().MetaString(models.MetaOutcome))
	assert.NotEmpty(t, archived.Plan().MetaString(models.MetaCompletedAt))

	// Archived plans are excluded from discovery of the plans dir.
	found, err := Discover(plansDir)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("steps: []\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte("steps: []\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))

	found, err := Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yml"),
		filepath.Join(dir, "b.yaml"),
	}, found)
}

func TestDiscoverMissingDir(t *testing.T) {
	found, err := Discover(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Nil(t, found)
}
