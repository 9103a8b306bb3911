package executor

import (
	"sort"

	"github.com/dcarlson/foreman/internal/models"
)

// resolver.go holds the pure dependency/readiness functions. Nothing here
// performs I/O or mutates the plan; the orchestrator calls these against a
// snapshot and acts on the answers.

// ReadySteps returns pending steps whose explicit dependencies are all
// complete and whose implicit barrier has started, in plan order.
//
// The implicit barrier of step S is the nearest preceding serial step B whose
// deps are empty or a subset of S's deps. Authors can rely on document order
// instead of declaring trivial deps: a later step never starts before such a
// barrier has at least begun, while unrelated parallel steps may race ahead
// once it has.
func ReadySteps(p *models.Plan) []models.Step {
	completed := p.CompletedIDs()

	var ready []models.Step
	for i := range p.Steps {
		step := &p.Steps[i]
		if !step.IsPending() {
			continue
		}
		if !depsSatisfied(step, completed) {
			continue
		}
		if barrier := implicitBarrier(p, i); barrier != nil && !barrier.Started() {
			continue
		}
		ready = append(ready, *step)
	}
	return ready
}

func depsSatisfied(step *models.Step, completed map[string]bool) bool {
	for _, dep := range step.Deps {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// implicitBarrier finds the nearest preceding serial step whose deps are
// empty or a subset of the candidate's deps. Returns nil when no such step
// precedes the candidate.
func implicitBarrier(p *models.Plan, idx int) *models.Step {
	candidate := &p.Steps[idx]
	candidateDeps := make(map[string]bool, len(candidate.Deps))
	for _, dep := range candidate.Deps {
		candidateDeps[dep] = true
	}

	for i := idx - 1; i >= 0; i-- {
		prev := &p.Steps[i]
		if prev.Parallel {
			continue
		}
		subset := true
		for _, dep := range prev.Deps {
			if !candidateDeps[dep] {
				subset = false
				break
			}
		}
		if subset {
			return prev
		}
	}
	return nil
}

// ExecutionGroup is a set of steps dispatchable together at one dependency
// level. Parallel steps at a level merge into one group; each serial step is
// its own singleton.
type ExecutionGroup struct {
	StepIDs  []string
	Parallel bool
}

// ResolveExecutionGroups partitions steps into dependency levels with Kahn's
// algorithm and splits each level into groups. A cycle yields a *CycleError
// naming every step still unresolved when no step at a level has zero
// outstanding deps.
func ResolveExecutionGroups(steps []models.Step) ([]ExecutionGroup, error) {
	if len(steps) == 0 {
		return nil, nil
	}

	byID := make(map[string]*models.Step, len(steps))
	order := make(map[string]int, len(steps))
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))

	for i := range steps {
		byID[steps[i].ID] = &steps[i]
		order[steps[i].ID] = i
		inDegree[steps[i].ID] = 0
	}
	for i := range steps {
		for _, dep := range steps[i].Deps {
			if _, exists := byID[dep]; !exists {
				continue
			}
			dependents[dep] = append(dependents[dep], steps[i].ID)
			inDegree[steps[i].ID]++
		}
	}

	var groups []ExecutionGroup
	for len(inDegree) > 0 {
		var level []string
		for id, deg := range inDegree {
			if deg == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			remaining := make([]string, 0, len(inDegree))
			for id := range inDegree {
				remaining = append(remaining, id)
			}
			sort.Strings(remaining)
			return nil, &CycleError{StepIDs: remaining}
		}

		// Plan order within a level.
		sort.Slice(level, func(i, j int) bool {
			return order[level[i]] < order[level[j]]
		})

		var parallel []string
		for _, id := range level {
			if byID[id].Parallel {
				parallel = append(parallel, id)
			} else {
				groups = append(groups, ExecutionGroup{StepIDs: []string{id}})
			}
		}
		if len(parallel) > 0 {
			groups = append(groups, ExecutionGroup{StepIDs: parallel, Parallel: true})
		}

		for _, id := range level {
			delete(inDegree, id)
			for _, dependent := range dependents[id] {
				if _, exists := inDegree[dependent]; exists {
					inDegree[dependent]--
				}
			}
		}
	}
	return groups, nil
}

// PartitionSteps selects the next batch to dispatch from ready steps in plan
// order, within availableSlots = maxParallel - currentlyRunning. A leading
// serial step is dispatched alone; a leading parallel step takes the
// consecutive run of ready parallel steps up to the slot budget. This keeps
// left-to-right precedence even among technically independent steps.
func PartitionSteps(ready []models.Step, maxParallel, currentlyRunning int) []models.Step {
	slots := maxParallel - currentlyRunning
	if slots <= 0 || len(ready) == 0 {
		return nil
	}

	if !ready[0].Parallel {
		return ready[:1]
	}

	n := 0
	for n < len(ready) && n < slots && ready[n].Parallel {
		n++
	}
	return ready[:n]
}

// BlockedDependents returns the transitive closure of steps that directly or
// indirectly depend on stepID, in plan order. Purely diagnostic: dependents of
// a blocked step stay pending and un-ready, they are never auto-blocked.
func BlockedDependents(p *models.Plan, stepID string) []string {
	dependents := make(map[string][]string)
	for i := range p.Steps {
		for _, dep := range p.Steps[i].Deps {
			dependents[dep] = append(dependents[dep], p.Steps[i].ID)
		}
	}

	affected := make(map[string]bool)
	queue := []string{stepID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[id] {
			if !affected[dep] {
				affected[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	var result []string
	for i := range p.Steps {
		if affected[p.Steps[i].ID] {
			result = append(result, p.Steps[i].ID)
		}
	}
	return result
}
