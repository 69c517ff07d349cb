package cache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCacheDirectory reports an unusable cache path. Not retried.
	ErrCacheDirectory = errors.New("cache directory unusable")

	// ErrLockState reports inconsistent lock accounting. It always
	// indicates a caller bug.
	ErrLockState = errors.New("inconsistent lock state")

	// ErrBuild reports a collaborator failure.
	ErrBuild = errors.New("build failed")

	// ErrStaleRecord reports a missing or unreadable fingerprint record.
	// It is never returned to callers of Build; it only explains why a
	// slot was treated as stale.
	ErrStaleRecord = errors.New("fingerprint record unusable")

	// ErrInvalidModuleName reports a module name that cannot be used as a
	// cache slot.
	ErrInvalidModuleName = errors.New("invalid module name")

	// ErrNoCollaborator is returned when neither the request nor the
	// orchestrator supplies a collaborator.
	ErrNoCollaborator = errors.New("no collaborator configured")
)

// CacheDirectoryError is returned when a cache directory cannot be created
// or is not a writable directory.
type CacheDirectoryError struct {
	Path string
	Err  error
}

func (e *CacheDirectoryError) Error() string {
	return fmt.Sprintf("cache directory %s: %v", e.Path, e.Err)
}

func (e *CacheDirectoryError) Unwrap() []error { return []error{ErrCacheDirectory, e.Err} }

// LockStateError is returned when a release does not match an acquisition.
type LockStateError struct {
	Module string
	Reason string
}

func (e *LockStateError) Error() string {
	return fmt.Sprintf("lock %q: %s", e.Module, e.Reason)
}

func (e *LockStateError) Unwrap() error { return ErrLockState }

// BuildError carries the full diagnostic output of a failed collaborator run.
type BuildError struct {
	Module   string
	BuildID  string
	ExitCode int
	Output   []byte
	Err      error
}

func (e *BuildError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "build %s", e.Module)
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if out := strings.TrimSpace(string(e.Output)); out != "" {
		b.WriteString("\n")
		b.WriteString(out)
	}
	return b.String()
}

func (e *BuildError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBuild}
	}
	return []error{ErrBuild, e.Err}
}

// StaleRecordError explains why a fingerprint record could not be trusted.
type StaleRecordError struct {
	Path   string
	Reason string
	Err    error
}

func (e *StaleRecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("record %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("record %s: %s", e.Path, e.Reason)
}

func (e *StaleRecordError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStaleRecord}
	}
	return []error{ErrStaleRecord, e.Err}
}
