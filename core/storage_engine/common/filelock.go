package common

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// lockPollInterval is how often a blocked Lock retries a busy file.
const lockPollInterval = 10 * time.Millisecond

// FileLock is an advisory lock held on a file across processes.
type FileLock struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	shared bool
}

// NewFileLock prepares a lock over path. Nothing is opened until Lock.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock takes the lock without waiting. It returns ErrDatabaseLocked when
// another process owns a conflicting lock.
func (l *FileLock) TryLock(shared bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return fmt.Errorf("file lock %s already held", l.path)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open lock file %s: %w", ErrIO, l.path, err)
	}
	if err := flock(f, shared); err != nil {
		f.Close()
		return err
	}
	l.file = f
	l.shared = shared
	return nil
}

// Lock waits until the lock is acquired or ctx is done.
func (l *FileLock) Lock(ctx context.Context, shared bool) error {
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		err := l.TryLock(shared)
		if err == nil || !errors.Is(err, ErrDatabaseLocked) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrLockTimeout, l.path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Unlock releases the lock. Unlocking a free lock is a no-op.
func (l *FileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := funlock(l.file)
	cerr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return cerr
}

// Path returns the locked file path.
func (l *FileLock) Path() string { return l.path }
