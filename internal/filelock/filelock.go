// Package filelock provides cross-process record locks and validated atomic
// writes for the JSON records kept by the run-state store.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// DefaultRetryDelay is how often LockContext retries a held lock.
const DefaultRetryDelay = 25 * time.Millisecond

// ErrLockTimeout is returned by LockContext when the context ends first.
var ErrLockTimeout = errors.New("timed out waiting for file lock")

// FileLock wraps a flock file lock guarding one record.
type FileLock struct {
	flock *flock.Flock
	path  string
}

// New returns the lock for a record, stored next to it as "<path>.lock".
func New(recordPath string) *FileLock {
	lockPath := recordPath + ".lock"
	return &FileLock{flock: flock.New(lockPath), path: lockPath}
}

// Path returns the lock file path.
func (fl *FileLock) Path() string {
	return fl.path
}

// LockContext acquires the exclusive lock, retrying until ctx is done.
func (fl *FileLock) LockContext(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	ok, err := fl.flock.TryLockContext(ctx, DefaultRetryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrLockTimeout, fl.path)
		}
		return fmt.Errorf("failed to acquire lock on %s: %w", fl.path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockTimeout, fl.path)
	}
	return nil
}

// TryLock attempts the lock without blocking.
func (fl *FileLock) TryLock() (bool, error) {
	acquired, err := fl.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to try lock on %s: %w", fl.path, err)
	}
	return acquired, nil
}

// Unlock releases the lock.
func (fl *FileLock) Unlock() error {
	if err := fl.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", fl.path, err)
	}
	return nil
}

// ValidateFunc checks a new representation before it becomes visible.
type ValidateFunc func(data []byte) error

// AtomicWrite writes data to path through a temp file in the same directory
// followed by a rename, so readers see either the old or the new content.
// When validate is non-nil it is run against the bytes read back from the
// temp file and a failure leaves the original file untouched.
func AtomicWrite(path string, data []byte, validate ValidateFunc) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	committed := false
	defer func() {
		if !committed {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if validate != nil {
		written, err := os.ReadFile(tempPath)
		if err != nil {
			return fmt.Errorf("failed to read back temp file: %w", err)
		}
		if err := validate(written); err != nil {
			return fmt.Errorf("refusing to replace %s: %w", path, err)
		}
	}

	if err := os.Chmod(tempPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	committed = true
	return nil
}

// WithLock runs fn while holding the record lock for path.
func WithLock(ctx context.Context, path string, fn func() error) error {
	lock := New(path)
	if err := lock.LockContext(ctx); err != nil {
		return err
	}
	defer lock.Unlock()
	return fn()
}

// Update performs a locked read-modify-write of the record at path. fn gets
// the current content (nil when the file does not exist) and returns the new
// content, which is validated and atomically swapped in.
func Update(ctx context.Context, path string, validate ValidateFunc, fn func(current []byte) ([]byte, error)) error {
	return WithLock(ctx, path, func() error {
		current, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		return AtomicWrite(path, next, validate)
	})
}
