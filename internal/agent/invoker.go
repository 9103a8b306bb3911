package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Request describes one worker invocation: which condensed plan file and step
// ids to hand over, where to run, and optional line observers for streaming
// output. Observers are called from the invoker's reader goroutines, one line
// at a time; no buffers are shared across concurrent dispatches.
type Request struct {
	PlanFile     string
	StepIDs      []string
	Dir          string
	Stdin        string
	OnStdoutLine func(string)
	OnStderrLine func(string)
}

// Result is the raw outcome of exactly one worker process.
type Result struct {
	AgentName string
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
}

// Invoker spawns worker processes for batches of steps. Backends are tried
// in priority order; see Invoke for the failover rules.
type Invoker struct {
	Backends   []Backend
	Timeout    time.Duration
	Classifier *Classifier
}

// NewInvoker builds an invoker with the default classifier.
func NewInvoker(backends []Backend, timeout time.Duration) *Invoker {
	return &Invoker{
		Backends:   backends,
		Timeout:    timeout,
		Classifier: DefaultClassifier(),
	}
}

// Invoke runs the request against each configured backend in turn and
// returns the first legitimate result.
//
// A backend is skipped in favor of the next only when (a) its executable
// could not be spawned, (b) the invocation timed out, or (c) its stderr
// matches the transient/context-limit classifier. Any other non-zero exit is
// a real step outcome and is returned to the caller, who records it as a
// blocked step. When every backend fails over, the last observed result (or
// the last spawn error) is returned.
//
// ctx gates starting new invocations only. A worker already running is not
// killed on cancellation; the per-invocation timeout is the sole forced-kill
// path, so an interrupted run leaves workers to finish on their own.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	return inv.invoke(ctx, req, func(b Backend) []string {
		return b.BuildArgs(req.PlanFile, req.StepIDs)
	})
}

// invoke is the shared failover loop; argsFor lets the review/edit
// specializations substitute their own argument templates.
func (inv *Invoker) invoke(ctx context.Context, req Request, argsFor func(Backend) []string) (*Result, error) {
	if len(inv.Backends) == 0 {
		return nil, fmt.Errorf("no agent backends configured")
	}

	var lastResult *Result
	var lastErr error

	for _, backend := range inv.Backends {
		if err := ctx.Err(); err != nil {
			if lastResult != nil {
				return lastResult, nil
			}
			return nil, err
		}

		result, err := inv.runOne(backend, argsFor(backend), req)
		if err != nil {
			// Spawn failure: try the next backend.
			lastErr = err
			continue
		}
		lastResult = result

		if result.TimedOut {
			continue
		}
		if result.ExitCode != 0 && inv.Classifier.Transient(result.Stderr) {
			continue
		}
		return result, nil
	}

	if lastResult != nil {
		return lastResult, nil
	}
	return nil, lastErr
}

// runOne spawns a single process and supervises it to completion or timeout.
func (inv *Invoker) runOne(backend Backend, args []string, req Request) (*Result, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	// Deliberately not derived from the caller's context: only the timeout
	// may kill a running worker.
	tctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(tctx, backend.Command, args...)
	cmd.Dir = req.Dir
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", backend.Name, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", backend.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("backend %s: spawning %s: %w", backend.Name, backend.Command, err)
	}

	var stdout, stderr strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drainLines(stdoutPipe, &stdout, req.OnStdoutLine)
	}()
	go func() {
		defer wg.Done()
		drainLines(stderrPipe, &stderr, req.OnStderrLine)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	timedOut := errors.Is(tctx.Err(), context.DeadlineExceeded)

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if !timedOut {
			return nil, fmt.Errorf("backend %s: %w", backend.Name, waitErr)
		}
		if exitCode == 0 {
			exitCode = -1
		}
	}

	return &Result{
		AgentName: backend.Name,
		ExitCode:  exitCode,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		TimedOut:  timedOut,
	}, nil
}

func drainLines(r io.Reader, sink *strings.Builder, observe func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		sink.WriteString(line)
		sink.WriteByte('\n')
		if observe != nil {
			observe(line)
		}
	}
}
