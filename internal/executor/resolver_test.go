package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcarlson/foreman/internal/models"
)

func ids(steps []models.Step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.ID)
	}
	return out
}

func TestReadyStepsExplicitDeps(t *testing.T) {
	p := &models.Plan{Steps: []models.Step{
		{ID: "a", Status: models.StatusComplete},
		{ID: "b", Deps: []string{"a"}},
		{ID: "c", Deps: []string{"b"}},
	}}

	ready := ReadySteps(p)
	assert.Equal(t, []string{"b"}, ids(ready))

	// A step whose deps are not all complete is never ready.
	p.Steps[0].Status = models.StatusInProgress
	assert.Empty(t, ReadySteps(p))
}

func TestReadyStepsImplicitBarrier(t *testing.T) {
	// Scenario: serial A followed by parallel B and C, no explicit deps.
	p := &models.Plan{Steps: []models.Step{
		{ID: "a"},
		{ID: "b", Parallel: true},
		{ID: "c", Parallel: true},
	}}

	// Only the barrier itself is ready at first.
	assert.Equal(t, []string{"a"}, ids(ReadySteps(p)))

	// Once the barrier has started, the parallel steps behind it are freed.
	p.Steps[0].Status = models.StatusInProgress
	assert.Equal(t, []string{"b", "c"}, ids(ReadySteps(p)))
}

func TestReadyStepsBarrierWithSubsetDeps(t *testing.T) {
	// The barrier rule only binds when the serial step's deps are a subset
	// of the candidate's: a serial step with unrelated deps is not a barrier.
	p := &models.Plan{Steps: []models.Step{
		{ID: "x", Status: models.StatusComplete},
		{ID: "y", Status: models.StatusComplete},
		{ID: "serial", Deps: []string{"x"}},
		{ID: "later", Parallel: true, Deps: []string{"y"}},
	}}

	// "serial" deps on x, which is not in later's deps, so it does not
	// gate "later".
	assert.Equal(t, []string{"serial", "later"}, ids(ReadySteps(p)))

	// But a serial step with no deps gates everything after it.
	p2 := &models.Plan{Steps: []models.Step{
		{ID: "gate"},
		{ID: "later", Parallel: true, Deps: []string{}},
	}}
	assert.Equal(t, []string{"gate"}, ids(ReadySteps(p2)))
}

func TestReadyStepsNeverReturnsUnsatisfiedDeps(t *testing.T) {
	// Property: no returned step may have an incomplete explicit dep.
	p := &models.Plan{Steps: []models.Step{
		{ID: "a", Status: models.StatusBlocked, BlockedReason: "stuck"},
		{ID: "b", Deps: []string{"a"}},
		{ID: "c", Status: models.StatusComplete},
		{ID: "d", Deps: []string{"c"}, Parallel: true},
	}}

	completed := p.CompletedIDs()
	for _, s := range ReadySteps(p) {
		for _, dep := range s.Deps {
			assert.True(t, completed[dep], "step %s returned with incomplete dep %s", s.ID, dep)
		}
	}
	// Blocked steps gate their dependents: b is not ready.
	assert.NotContains(t, ids(ReadySteps(p)), "b")
}

func TestResolveExecutionGroups(t *testing.T) {
	steps := []models.Step{
		{ID: "schema"},
		{ID: "api", Deps: []string{"schema"}, Parallel: true},
		{ID: "ui", Deps: []string{"schema"}, Parallel: true},
		{ID: "docs", Deps: []string{"schema"}},
		{ID: "ship", Deps: []string{"api", "ui", "docs"}},
	}

	groups, err := ResolveExecutionGroups(steps)
	require.NoError(t, err)

	require.Len(t, groups, 4)
	assert.Equal(t, []string{"schema"}, groups[0].StepIDs)
	assert.False(t, groups[0].Parallel)
	// Serial steps split into singletons ahead of the merged parallel group.
	assert.Equal(t, []string{"docs"}, groups[1].StepIDs)
	assert.Equal(t, []string{"api", "ui"}, groups[2].StepIDs)
	assert.True(t, groups[2].Parallel)
	assert.Equal(t, []string{"ship"}, groups[3].StepIDs)
}

func TestResolveExecutionGroupsNoSharedEdgeInGroup(t *testing.T) {
	// Property: two steps joined by a dependency edge never share a group.
	steps := []models.Step{
		{ID: "a", Parallel: true},
		{ID: "b", Parallel: true, Deps: []string{"a"}},
		{ID: "c", Parallel: true},
	}

	groups, err := ResolveExecutionGroups(steps)
	require.NoError(t, err)

	for _, g := range groups {
		members := make(map[string]bool, len(g.StepIDs))
		for _, id := range g.StepIDs {
			members[id] = true
		}
		for _, s := range steps {
			if !members[s.ID] {
				continue
			}
			for _, dep := range s.Deps {
				assert.False(t, members[dep], "edge %s->%s inside one group", dep, s.ID)
			}
		}
	}
}

func TestResolveExecutionGroupsCycle(t *testing.T) {
	// Scenario: A and B depend on each other.
	steps := []models.Step{
		{ID: "a", Deps: []string{"b"}},
		{ID: "b", Deps: []string{"a"}},
		{ID: "ok"},
	}

	_, err := ResolveExecutionGroups(steps)
	require.Error(t, err)

	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	// Exactly the unresolved remainder, nothing else.
	assert.Equal(t, []string{"a", "b"}, cycle.StepIDs)
}

func TestPartitionSteps(t *testing.T) {
	serial := models.Step{ID: "s"}
	p1 := models.Step{ID: "p1", Parallel: true}
	p2 := models.Step{ID: "p2", Parallel: true}
	p3 := models.Step{ID: "p3", Parallel: true}

	tests := []struct {
		name    string
		ready   []models.Step
		max     int
		running int
		want    []string
	}{
		{"no slots", []models.Step{p1}, 2, 2, nil},
		{"serial first dispatches alone", []models.Step{serial, p1, p2}, 3, 0, []string{"s"}},
		{"parallel run capped by slots", []models.Step{p1, p2, p3}, 2, 0, []string{"p1", "p2"}},
		{"parallel run stops at serial", []models.Step{p1, serial, p2}, 3, 0, []string{"p1"}},
		{"running reduces budget", []models.Step{p1, p2, p3}, 3, 2, []string{"p1"}},
		{"empty ready", nil, 3, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PartitionSteps(tt.ready, tt.max, tt.running)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, ids(got))
			assert.LessOrEqual(t, len(got), tt.max-tt.running)
		})
	}
}

func TestBlockedDependents(t *testing.T) {
	p := &models.Plan{Steps: []models.Step{
		{ID: "a"},
		{ID: "b", Deps: []string{"a"}},
		{ID: "c", Deps: []string{"b"}},
		{ID: "d", Deps: []string{"a"}},
		{ID: "e"},
	}}

	assert.Equal(t, []string{"b", "c", "d"}, BlockedDependents(p, "a"))
	assert.Equal(t, []string{"c"}, BlockedDependents(p, "b"))
	assert.Empty(t, BlockedDependents(p, "e"))
}
