package plan

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dcarlson/foreman/internal/filelock"
	"github.com/dcarlson/foreman/internal/models"
)

// Condense produces the minimal plan subset handed to a worker: the assigned
// steps plus the completed transitive closure of their dependencies, in plan
// order. Bounding the document this way keeps the worker's context small on
// large plans.
func Condense(p *models.Plan, stepIDs []string) *models.Plan {
	assigned := make(map[string]bool, len(stepIDs))
	for _, id := range stepIDs {
		assigned[id] = true
	}

	include := make(map[string]bool, len(stepIDs))
	var addDeps func(id string)
	addDeps = func(id string) {
		step := p.Step(id)
		if step == nil {
			return
		}
		for _, dep := range step.Deps {
			depStep := p.Step(dep)
			if depStep == nil || include[dep] {
				continue
			}
			if depStep.IsComplete() {
				include[dep] = true
				addDeps(dep)
			}
		}
	}
	for id := range assigned {
		include[id] = true
		addDeps(id)
	}

	condensed := &models.Plan{
		Metadata: make(map[string]interface{}, len(p.Metadata)+1),
	}
	for k, v := range p.Metadata {
		condensed.Metadata[k] = v
	}
	condensed.Metadata[models.MetaCondensed] = true

	for i := range p.Steps {
		if include[p.Steps[i].ID] {
			condensed.Steps = append(condensed.Steps, p.Steps[i])
		}
	}
	return condensed
}

// WriteCondensed writes a condensed plan into the temp directory and returns
// its path. The caller removes the file once the dispatch finishes.
func WriteCondensed(tmpDir string, p *models.Plan, stepIDs []string) (string, error) {
	condensed := Condense(p, stepIDs)

	data, err := yaml.Marshal(condensed)
	if err != nil {
		return "", fmt.Errorf("encoding condensed plan: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%s.yaml", p.ID(), strings.Join(stepIDs, "+"), uuid.NewString()[:8])
	path := filepath.Join(tmpDir, name)
	if err := filelock.AtomicWrite(path, data); err != nil {
		return "", err
	}
	return path, nil
}
