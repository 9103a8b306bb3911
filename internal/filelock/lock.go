package filelock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// LockInfo is the JSON record stored inside a run lock file. The owning pid
// is the source of truth for exclusivity; everything else is diagnostic.
type LockInfo struct {
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	Command      string    `json:"command"`
	PlanID       string    `json:"plan_id,omitempty"`
	WorktreePath string    `json:"worktree_path,omitempty"`
}

// RunLock is an exclusive-execution gate held for the duration of one
// orchestration run. Scope is global (empty plan id) or per plan, so
// independent plans can run concurrently.
type RunLock struct {
	Path string
	Info LockInfo
}

// HeldError is returned when a live, recognized owner already holds the lock.
type HeldError struct {
	Info LockInfo
	Path string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock %s held by pid %d (%s) since %s",
		e.Path, e.Info.PID, e.Info.Command, e.Info.StartedAt.Format(time.RFC3339))
}

// LockPath returns the lock file path for the given scope inside dir.
func LockPath(dir, planID string) string {
	if planID == "" {
		return filepath.Join(dir, "foreman.lock")
	}
	return filepath.Join(dir, "foreman-"+planID+".lock")
}

// Acquire takes the run lock for the given scope. Acquisition is an atomic
// create-if-absent write of the caller's LockInfo. An existing lock is
// reclaimed only when its recorded pid is no longer alive or no longer looks
// like an orchestrator process; otherwise a *HeldError is returned.
func Acquire(dir, planID string) (*RunLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", dir, err)
	}

	path := LockPath(dir, planID)
	info := LockInfo{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		Command:   strings.Join(os.Args, " "),
		PlanID:    planID,
	}

	// Two attempts: the second runs only after a stale lock was reclaimed.
	for attempt := 0; attempt < 2; attempt++ {
		err := writeExclusive(path, info)
		if err == nil {
			return &RunLock{Path: path, Info: info}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		existing, readErr := ReadLockInfo(path)
		if readErr != nil {
			// Unreadable or corrupt lock record: treat as stale.
			os.Remove(path)
			continue
		}
		if aliveCheck(existing.PID) && recognizeCheck(existing.PID) {
			return nil, &HeldError{Info: *existing, Path: path}
		}
		os.Remove(path)
	}

	return nil, fmt.Errorf("lock %s contended during stale reclaim", path)
}

// Release deletes the lock file, but only when its recorded pid is the
// caller's. A lock reclaimed by another process is left alone.
func (l *RunLock) Release() error {
	existing, err := ReadLockInfo(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if existing.PID != os.Getpid() {
		return fmt.Errorf("lock %s now owned by pid %d, refusing to release", l.Path, existing.PID)
	}
	return os.Remove(l.Path)
}

// SetWorktree records the worktree path in the held lock file so a later
// inspection can tell where the run is operating.
func (l *RunLock) SetWorktree(path string) error {
	l.Info.WorktreePath = path
	data, err := json.MarshalIndent(l.Info, "", "  ")
	if err != nil {
		return err
	}
	return AtomicWrite(l.Path, data)
}

// ReadLockInfo loads and decodes a lock record.
func ReadLockInfo(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing lock record %s: %w", path, err)
	}
	if info.PID <= 0 {
		return nil, fmt.Errorf("lock record %s has no pid", path)
	}
	return &info, nil
}

func writeExclusive(path string, info LockInfo) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// Staleness probes, overridable in tests.
var (
	aliveCheck     = ownerAlive
	recognizeCheck = looksLikeOrchestrator
)

// ownerAlive probes the pid with signal 0.
func ownerAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}

// looksLikeOrchestrator checks the owner's command line for the orchestrator
// binary name. When /proc is unavailable the check is skipped and a live pid
// is trusted, which errs on the side of not stealing a lock.
func looksLikeOrchestrator(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return true
	}
	cmdline := strings.ReplaceAll(string(data), "\x00", " ")
	return strings.Contains(cmdline, "foreman")
}
