//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

const syscallFlockSupported = true

// maxLockBackoff caps the poll interval of a cancellable syscall lock.
const maxLockBackoff = 500 * time.Millisecond

// SyscallBackend locks with raw flock(2) on an open lock file. Like
// FlockBackend it does not work across NFS mounts.
type SyscallBackend struct{}

func (SyscallBackend) Name() string       { return BackendSyscall }
func (SyscallBackend) CrossProcess() bool { return true }

func (SyscallBackend) Open(path string) (Locker, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &syscallLocker{f: f}, nil
}

type syscallLocker struct {
	f *os.File
}

func (l *syscallLocker) fd() int { return int(l.f.Fd()) }

func (l *syscallLocker) Lock(ctx context.Context) error {
	if ctx.Done() == nil {
		for {
			err := syscall.Flock(l.fd(), syscall.LOCK_EX)
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if err != nil {
				return fmt.Errorf("flock: %w", err)
			}
			return nil
		}
	}

	backoff := lockRetryDelay
	for {
		ok, err := l.TryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff < maxLockBackoff {
			backoff *= 2
		}
	}
}

func (l *syscallLocker) TryLock() (bool, error) {
	for {
		err := syscall.Flock(l.fd(), syscall.LOCK_EX|syscall.LOCK_NB)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, syscall.EINTR):
			continue
		case errors.Is(err, syscall.EWOULDBLOCK):
			return false, nil
		default:
			return false, fmt.Errorf("flock: %w", err)
		}
	}
}

func (l *syscallLocker) Unlock() error {
	err := syscall.Flock(l.fd(), syscall.LOCK_UN)
	if closeErr := l.f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("funlock: %w", err)
	}
	return nil
}
