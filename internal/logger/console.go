// Package logger provides the leveled console logger for run progress.
// Output is timestamped, thread-safe, and colorized when the destination is
// a terminal.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

// Console writes timestamped, level-filtered log lines. A nil writer
// discards everything. Safe for concurrent use; dispatch goroutines share
// one instance.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	level int
	color bool
}

// NewConsole returns a logger writing to w at the given minimum level.
// Unknown or empty levels default to info.
func NewConsole(w io.Writer, level string) *Console {
	return &Console{
		w:     w,
		level: parseLevel(level),
		color: isTerminal(w),
	}
}

func parseLevel(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return levelDebug
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (c *Console) Debugf(format string, args ...interface{}) {
	c.logf(levelDebug, "DEBUG", color.FgCyan, format, args...)
}

func (c *Console) Infof(format string, args ...interface{}) {
	c.logf(levelInfo, "INFO", color.FgBlue, format, args...)
}

func (c *Console) Warnf(format string, args ...interface{}) {
	c.logf(levelWarn, "WARN", color.FgYellow, format, args...)
}

func (c *Console) Errorf(format string, args ...interface{}) {
	c.logf(levelError, "ERROR", color.FgRed, format, args...)
}

func (c *Console) logf(level int, tag string, attr color.Attribute, format string, args ...interface{}) {
	if c == nil || c.w == nil || level < c.level {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ts := time.Now().Format("15:04:05")
	if c.color {
		tag = color.New(attr).Sprint(tag)
	}
	fmt.Fprintf(c.w, "[%s] [%s] %s\n", ts, tag, fmt.Sprintf(format, args...))
}

// StepStarted announces a dispatch at info level. The executing backend is
// only known once the invocation finishes, so the line names no agent.
func (c *Console) StepStarted(stepIDs []string, parallel bool) {
	mode := "serial"
	if parallel {
		mode = "parallel"
	}
	c.Infof("dispatching %s (%s)", strings.Join(stepIDs, ", "), mode)
}

// StepCompleted reports one finished step with its outcome and the backend
// that produced it.
func (c *Console) StepCompleted(stepID, status, agent, summary string) {
	label := status
	if c.color {
		switch status {
		case "complete":
			label = color.New(color.FgGreen).Sprint(status)
		case "blocked":
			label = color.New(color.FgRed).Sprint(status)
		}
	}
	switch {
	case agent != "" && summary != "":
		c.Infof("step %s: %s via %s (%s)", stepID, label, agent, summary)
	case agent != "":
		c.Infof("step %s: %s via %s", stepID, label, agent)
	case summary != "":
		c.Infof("step %s: %s (%s)", stepID, label, summary)
	default:
		c.Infof("step %s: %s", stepID, label)
	}
}

// BatchCompleted reports a finished batch.
func (c *Console) BatchCompleted(completed, blocked int) {
	if blocked > 0 {
		c.Warnf("batch done: %d complete, %d blocked", completed, blocked)
		return
	}
	c.Infof("batch done: %d complete", completed)
}

// AgentLine relays one line of worker output at debug level.
func (c *Console) AgentLine(agent, line string) {
	c.Debugf("[%s] %s", agent, line)
}

// Summary prints the end-of-run block, bypassing level filtering.
func (c *Console) Summary(lines []string) {
	if c == nil || c.w == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, line := range lines {
		fmt.Fprintln(c.w, line)
	}
}
