package simflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// RunLock serializes runs against the same store across processes
type RunLock struct {
	path string
	lock *flock.Flock
}

// NewRunLock returns the lock for a store identity. The lock file lives in
// dir and is named after a hash of the identity, so DSNs never reach disk.
func NewRunLock(dir, storeIdentity string) (*RunLock, error) {
	if dir == "" {
		dir = DefaultLockDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	sum := sha256.Sum256([]byte(storeIdentity))
	path := filepath.Join(dir, "run_"+hex.EncodeToString(sum[:8])+".lock")
	return &RunLock{path: path, lock: flock.New(path)}, nil
}

// Path returns the lock file path
func (l *RunLock) Path() string {
	return l.path
}

// Acquire takes the lock without waiting. It returns ErrRunLocked when
// another process holds it.
func (l *RunLock) Acquire() error {
	locked, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire run lock %s: %w", l.path, err)
	}
	if !locked {
		return fmt.Errorf("%w (%s)", ErrRunLocked, l.path)
	}
	return nil
}

// Release gives the lock up
func (l *RunLock) Release() error {
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release run lock %s: %w", l.path, err)
	}
	return nil
}
