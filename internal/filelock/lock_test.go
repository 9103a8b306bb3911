package filelock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lock.Info.PID)
	assert.Equal(t, filepath.Join(dir, "foreman.lock"), lock.Path)

	info, err := ReadLockInfo(lock.Path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)

	require.NoError(t, lock.Release())
	_, err = os.Stat(lock.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquirePlanScoped(t *testing.T) {
	dir := t.TempDir()

	global, err := Acquire(dir, "")
	require.NoError(t, err)
	defer global.Release()

	// A plan-scoped lock is independent of the global one.
	scoped, err := Acquire(dir, "auth-refactor")
	require.NoError(t, err)
	defer scoped.Release()

	assert.Equal(t, filepath.Join(dir, "foreman-auth-refactor.lock"), scoped.Path)
	assert.Equal(t, "auth-refactor", scoped.Info.PlanID)
}

func TestAcquireHeldByLiveOwner(t *testing.T) {
	dir := t.TempDir()

	origAlive, origRecognize := aliveCheck, recognizeCheck
	t.Cleanup(func() { aliveCheck, recognizeCheck = origAlive, origRecognize })

	held := LockInfo{PID: 4242, StartedAt: time.Now().UTC(), Command: "foreman run --plan p.yaml"}
	data, err := json.Marshal(held)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(LockPath(dir, ""), data, 0644))

	// Owner alive and recognized: acquisition fails with a held (not stale)
	// reason naming the owner.
	aliveCheck = func(int) bool { return true }
	recognizeCheck = func(int) bool { return true }

	_, err = Acquire(dir, "")
	require.Error(t, err)
	var heldErr *HeldError
	require.ErrorAs(t, err, &heldErr)
	assert.Equal(t, 4242, heldErr.Info.PID)

	// Once the owner exits, the same lock is reclaimed.
	aliveCheck = func(int) bool { return false }

	lock, err := Acquire(dir, "")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lock.Info.PID)
	require.NoError(t, lock.Release())
}

func TestAcquireDeadOwnerReclaimed(t *testing.T) {
	dir := t.TempDir()

	// A pid that cannot exist on any real system.
	stale := LockInfo{PID: 1 << 30, StartedAt: time.Now().UTC(), Command: "foreman run"}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(LockPath(dir, ""), data, 0644))

	lock, err := Acquire(dir, "")
	require.NoError(t, err, "dead-owner lock should be reclaimed")
	assert.Equal(t, os.Getpid(), lock.Info.PID)
	require.NoError(t, lock.Release())
}

func TestAcquireCorruptLockReclaimed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(LockPath(dir, ""), []byte("not json"), 0644))

	lock, err := Acquire(dir, "")
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestSetWorktreeUpdatesRecord(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "auth-refactor")
	require.NoError(t, err)
	defer lock.Release()

	require.NoError(t, lock.SetWorktree("/tmp/worktrees/auth"))

	info, err := ReadLockInfo(lock.Path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/worktrees/auth", info.WorktreePath)
	assert.Equal(t, os.Getpid(), info.PID)
}

func TestReleaseRefusesForeignOwner(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "")
	require.NoError(t, err)

	// Overwrite the record with a different pid, as if another process
	// reclaimed the lock out from under us.
	foreign := LockInfo{PID: os.Getpid() + 1, StartedAt: time.Now().UTC(), Command: "foreman run"}
	data, err := json.Marshal(foreign)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(lock.Path, data, 0644))

	err = lock.Release()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to release")

	_, statErr := os.Stat(lock.Path)
	assert.NoError(t, statErr, "foreign lock must not be deleted")
}

func TestReadLockInfoMissingPID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.lock")
	require.NoError(t, os.WriteFile(path, []byte(`{"command":"x"}`), 0644))

	_, err := ReadLockInfo(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pid")
}
