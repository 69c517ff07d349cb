package cache

import (
	"context"
	"fmt"
	"time"
)

// Locker is an advisory, cross-process exclusive lock on one lock file.
type Locker interface {
	// Lock blocks until the lock is held or ctx is done.
	Lock(ctx context.Context) error
	// TryLock takes the lock if it is free and reports whether it did.
	TryLock() (bool, error)
	// Unlock releases the lock and closes the underlying file.
	Unlock() error
}

// Backend opens Lockers. Implementations are selected once at startup by
// platform capability rather than by the caller's build configuration.
type Backend interface {
	Name() string
	// CrossProcess reports whether locks taken through this backend exclude
	// other processes. The noop backend returns false.
	CrossProcess() bool
	Open(path string) (Locker, error)
}

// Backend names accepted by BackendByName.
const (
	BackendAuto    = "auto"
	BackendFlock   = "flock"
	BackendSyscall = "syscall"
	BackendNoop    = "noop"
)

// lockRetryDelay is the initial poll interval used when a blocking lock must
// also honor context cancellation.
const lockRetryDelay = 10 * time.Millisecond

// DefaultBackend returns the best backend the platform supports: gofrs/flock
// where advisory file locks exist, otherwise the noop backend.
func DefaultBackend() Backend {
	if flockSupported {
		return FlockBackend{}
	}
	return NoopBackend{}
}

// BackendByName maps a configuration value to a Backend. An empty name is
// treated as "auto".
func BackendByName(name string) (Backend, error) {
	switch name {
	case "", BackendAuto:
		return DefaultBackend(), nil
	case BackendFlock:
		if !flockSupported {
			return nil, fmt.Errorf("lock backend %q not supported on this platform", name)
		}
		return FlockBackend{}, nil
	case BackendSyscall:
		if !syscallFlockSupported {
			return nil, fmt.Errorf("lock backend %q not supported on this platform", name)
		}
		return SyscallBackend{}, nil
	case BackendNoop:
		return NoopBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", name)
	}
}

// NoopBackend hands out locks that always succeed immediately. It exists for
// platforms without advisory file locks: reentrancy accounting in the
// LockManager still works, but nothing stops two processes from building the
// same module at once.
type NoopBackend struct{}

func (NoopBackend) Name() string       { return BackendNoop }
func (NoopBackend) CrossProcess() bool { return false }

func (NoopBackend) Open(string) (Locker, error) { return noopLocker{}, nil }

type noopLocker struct{}

func (noopLocker) Lock(ctx context.Context) error { return ctx.Err() }
func (noopLocker) TryLock() (bool, error)         { return true, nil }
func (noopLocker) Unlock() error                  { return nil }
