package agent

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests spawn /bin/sh")
	}
}

// shBackend runs a shell script; {planFile} and {stepIds} land in $1 and $2.
func shBackend(name, script string) Backend {
	return Backend{
		Name:    name,
		Command: "/bin/sh",
		Args:    []string{"-c", script, name, "{planFile}", "{stepIds}"},
	}
}

func TestInvokeCapturesOutput(t *testing.T) {
	requireSh(t)

	inv := NewInvoker([]Backend{
		shBackend("echoer", `echo "plan=$1 steps=$2"; echo oops >&2`),
	}, time.Minute)

	result, err := inv.Invoke(context.Background(), Request{
		PlanFile: "p.yaml",
		StepIDs:  []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "echoer", result.AgentName)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "plan=p.yaml steps=a,b\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)
	assert.False(t, result.TimedOut)
}

func TestInvokeFailoverOnMissingExecutable(t *testing.T) {
	requireSh(t)

	// Scenario: backends [X, Y] in priority order, X's binary does not
	// exist. The dispatch must land on Y without surfacing an error.
	inv := NewInvoker([]Backend{
		{Name: "X", Command: "/nonexistent/agent-x", Args: []string{"{planFile}"}},
		shBackend("Y", `echo '{"stepId": "s1", "status": "complete", "summary": "done by Y"}'`),
	}, time.Minute)

	result, err := inv.Invoke(context.Background(), Request{PlanFile: "p.yaml", StepIDs: []string{"s1"}})
	require.NoError(t, err)
	assert.Equal(t, "Y", result.AgentName)

	results := ExtractResults(result.Stdout)
	require.Len(t, results, 1)
	assert.Equal(t, "done by Y", results[0].Summary)
}

func TestInvokeFailoverOnTransientStderr(t *testing.T) {
	requireSh(t)

	inv := NewInvoker([]Backend{
		shBackend("limited", `echo "rate limit exceeded" >&2; exit 1`),
		shBackend("fallback", `echo ok`),
	}, time.Minute)

	result, err := inv.Invoke(context.Background(), Request{PlanFile: "p.yaml", StepIDs: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "fallback", result.AgentName)
	assert.Equal(t, 0, result.ExitCode)
}

func TestInvokeNonTransientFailureIsReturned(t *testing.T) {
	requireSh(t)

	// A plain non-zero exit is a legitimate outcome: no failover.
	inv := NewInvoker([]Backend{
		shBackend("first", `echo "tests failed" >&2; exit 3`),
		shBackend("second", `echo never`),
	}, time.Minute)

	result, err := inv.Invoke(context.Background(), Request{PlanFile: "p.yaml", StepIDs: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "first", result.AgentName)
	assert.Equal(t, 3, result.ExitCode)
}

func TestInvokeTimeout(t *testing.T) {
	requireSh(t)

	inv := NewInvoker([]Backend{
		shBackend("slow", `sleep 30`),
	}, 100*time.Millisecond)

	result, err := inv.Invoke(context.Background(), Request{PlanFile: "p.yaml", StepIDs: []string{"a"}})
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.NotEqual(t, 0, result.ExitCode)
}

func TestInvokeTimeoutFailsOver(t *testing.T) {
	requireSh(t)

	inv := NewInvoker([]Backend{
		shBackend("slow", `sleep 30`),
		shBackend("fast", `echo ok`),
	}, 100*time.Millisecond)

	// Timeout on the first backend applies per invocation; the second
	// backend gets a fresh budget and wins.
	result, err := inv.Invoke(context.Background(), Request{PlanFile: "p.yaml", StepIDs: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "fast", result.AgentName)
	assert.False(t, result.TimedOut)
}

func TestInvokeAllBackendsExhausted(t *testing.T) {
	requireSh(t)

	inv := NewInvoker([]Backend{
		{Name: "gone", Command: "/nonexistent/agent", Args: []string{}},
		shBackend("limited", `echo overloaded >&2; exit 1`),
	}, time.Minute)

	// Every backend failed over; the last observed result comes back so the
	// caller can record the step as blocked.
	result, err := inv.Invoke(context.Background(), Request{PlanFile: "p.yaml", StepIDs: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "limited", result.AgentName)
	assert.Equal(t, 1, result.ExitCode)
}

func TestInvokeNoBackends(t *testing.T) {
	inv := NewInvoker(nil, time.Minute)
	_, err := inv.Invoke(context.Background(), Request{})
	assert.Error(t, err)
}

func TestInvokeCancelledContextBlocksNewSpawns(t *testing.T) {
	requireSh(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inv := NewInvoker([]Backend{shBackend("x", `echo hi`)}, time.Minute)
	_, err := inv.Invoke(ctx, Request{PlanFile: "p.yaml"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvokeStreamsLines(t *testing.T) {
	requireSh(t)

	var lines []string
	inv := NewInvoker([]Backend{
		shBackend("chatty", `echo one; echo two`),
	}, time.Minute)

	_, err := inv.Invoke(context.Background(), Request{
		PlanFile:     "p.yaml",
		OnStdoutLine: func(l string) { lines = append(lines, l) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestReviewRoundTrip(t *testing.T) {
	requireSh(t)

	// The review payload arrives on stdin; this backend echoes a verdict
	// and proves it saw the payload by copying stdin to stderr.
	inv := NewInvoker([]Backend{
		{
			Name:       "reviewer",
			Command:    "/bin/sh",
			Args:       []string{"-c", `cat >&2; echo '{"status": "approved"}'`},
			ReviewArgs: []string{"-c", `cat >&2; echo '{"status": "approved"}'`},
		},
	}, time.Minute)

	review, raw, err := inv.Review(context.Background(), "p.yaml", "", ReviewContext{
		StepID:   "s1",
		Criteria: []string{"tests pass"},
	})
	require.NoError(t, err)
	require.NotNil(t, review)
	assert.True(t, review.Approved())
	assert.Contains(t, raw.Stderr, `"tests pass"`)
}

func TestEditRoundTrip(t *testing.T) {
	requireSh(t)

	inv := NewInvoker([]Backend{
		{
			Name:     "editor",
			Command:  "/bin/sh",
			Args:     []string{"-c", `echo run`},
			EditArgs: []string{"-c", `echo '{"stepId": "s1", "status": "complete", "summary": "feedback addressed"}'`},
		},
	}, time.Minute)

	results, _, err := inv.Edit(context.Background(), "p.yaml", "", EditContext{
		ReviewContext: ReviewContext{StepID: "s1"},
		Iteration:     1,
		Feedback:      []string{"missing error check"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "feedback addressed", results[0].Summary)
}
