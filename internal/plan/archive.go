package plan

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dcarlson/foreman/internal/models"
)

// Archive stamps completion metadata and relocates the plan file into the
// completed-plans directory. Archived plans are excluded from discovery.
func Archive(s *Store, completedDir, outcome string) (string, error) {
	if err := s.SetMetadata(models.MetaCompletedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return "", err
	}
	if err := s.SetMetadata(models.MetaOutcome, outcome); err != nil {
		return "", err
	}

	if err := os.MkdirAll(completedDir, 0755); err != nil {
		return "", fmt.Errorf("creating completed dir %s: %w", completedDir, err)
	}
	dest := filepath.Join(completedDir, filepath.Base(s.path))

	if err := os.Rename(s.path, dest); err != nil {
		// Rename fails across filesystems; fall back to copy+remove.
		if copyErr := copyFile(s.path, dest); copyErr != nil {
			return "", fmt.Errorf("archiving plan %s: %w", s.path, copyErr)
		}
		if rmErr := os.Remove(s.path); rmErr != nil {
			return "", fmt.Errorf("removing archived plan %s: %w", s.path, rmErr)
		}
	}

	s.path = dest
	s.plan.FilePath = dest
	return dest, nil
}

// Discover lists pending plan files in a directory, sorted by name. Archived
// plans live in a separate directory and never show up here.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning plans dir %s: %w", dir, err)
	}

	var plans []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			plans = append(plans, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(plans)
	return plans, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
