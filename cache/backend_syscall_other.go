//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package cache

import (
	"errors"
)

const syscallFlockSupported = false

// SyscallBackend is unavailable on this platform; BackendByName refuses it.
type SyscallBackend struct{}

func (SyscallBackend) Name() string       { return BackendSyscall }
func (SyscallBackend) CrossProcess() bool { return false }

func (SyscallBackend) Open(string) (Locker, error) {
	return nil, errors.New("flock(2) not available on this platform")
}
