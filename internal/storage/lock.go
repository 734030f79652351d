package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 25 * time.Millisecond

// FileLock excludes other goroutines and, when backed by a lock file,
// other processes sharing the same storage directory.
type FileLock struct {
	mu    sync.Mutex
	flock *flock.Flock
}

// NewFileLock creates a lock guarded by "<path>.lock".
func NewFileLock(path string) *FileLock {
	return &FileLock{flock: flock.New(path + ".lock")}
}

func newLocalLock() *FileLock {
	return &FileLock{}
}

// Lock blocks until the lock is held or ctx is done.
func (l *FileLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if l.flock == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.flock.Path()), 0755); err != nil {
		l.mu.Unlock()
		return err
	}
	ok, err := l.flock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if !ok {
		l.mu.Unlock()
		return ctx.Err()
	}
	return nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	defer l.mu.Unlock()
	if l.flock == nil {
		return nil
	}
	return l.flock.Unlock()
}
