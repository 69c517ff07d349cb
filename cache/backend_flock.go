package cache

import (
	"context"
	"fmt"

	"github.com/gofrs/flock"
)

// FlockBackend locks with github.com/gofrs/flock: flock(2) on Unix and
// LockFileEx on Windows.
type FlockBackend struct{}

func (FlockBackend) Name() string       { return BackendFlock }
func (FlockBackend) CrossProcess() bool { return true }

func (FlockBackend) Open(path string) (Locker, error) {
	return &flockLocker{fl: flock.New(path)}, nil
}

type flockLocker struct {
	fl *flock.Flock
}

func (l *flockLocker) Lock(ctx context.Context) error {
	// A context that can never be cancelled gets a plain blocking lock
	// instead of a poll loop.
	if ctx.Done() == nil {
		if err := l.fl.Lock(); err != nil {
			return fmt.Errorf("flock %s: %w", l.fl.Path(), err)
		}
		return nil
	}
	ok, err := l.fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("flock %s: %w", l.fl.Path(), err)
	}
	if !ok {
		return ctx.Err()
	}
	return nil
}

func (l *flockLocker) TryLock() (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("flock %s: %w", l.fl.Path(), err)
	}
	return ok, nil
}

func (l *flockLocker) Unlock() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("funlock %s: %w", l.fl.Path(), err)
	}
	return nil
}
