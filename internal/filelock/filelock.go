// Package filelock provides the two file-based coordination primitives the
// engine relies on: advisory flock-guarded atomic writes for plan documents,
// and pid-record run locks for cross-process mutual exclusion.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock wraps an advisory flock for coordinating writes to a single file.
type FileLock struct {
	flock *flock.Flock
	path  string
}

// NewFileLock creates a lock for the given path. The lock file is created on
// first acquisition.
func NewFileLock(path string) *FileLock {
	return &FileLock{
		flock: flock.New(path),
		path:  path,
	}
}

// Lock acquires an exclusive lock, blocking until available.
func (fl *FileLock) Lock() error {
	if err := fl.flock.Lock(); err != nil {
		return fmt.Errorf("acquiring lock on %s: %w", fl.path, err)
	}
	return nil
}

// TryLock attempts a non-blocking exclusive lock. Returns false when another
// process holds it.
func (fl *FileLock) TryLock() (bool, error) {
	ok, err := fl.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("trying lock on %s: %w", fl.path, err)
	}
	return ok, nil
}

// Unlock releases the lock.
func (fl *FileLock) Unlock() error {
	if err := fl.flock.Unlock(); err != nil {
		return fmt.Errorf("releasing lock on %s: %w", fl.path, err)
	}
	return nil
}

// AtomicWrite writes data via a temp file in the target directory followed by
// a rename, so readers never observe a partial plan document. The original
// file is untouched if any stage fails.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	// Same directory as the target keeps the rename on one filesystem,
	// which is what makes it atomic.
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file to %s: %w", path, err)
	}

	tmp = nil
	return nil
}

// LockAndWrite acquires the file's companion ".lock", performs an atomic
// write, and releases the lock. Writing "plan.yaml" locks "plan.yaml.lock".
func LockAndWrite(path string, data []byte) error {
	lock := NewFileLock(path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	return AtomicWrite(path, data)
}
