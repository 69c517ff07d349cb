package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Entry describes one slot found in a cache directory.
type Entry struct {
	Module       string
	Artifact     string // empty when no artifact is present
	ArtifactSize int64
	Fingerprint  Fingerprint // zero when there is no usable record
	Recorded     bool        // a verifiable record exists
	StaleReason  string      // why the record is unusable, if it is
	LastUsed     time.Time   // zero when never handed out
	InUse        bool        // another owner holds the slot's lock
}

// List scans dir and reports every slot it finds. A slot is any module with
// at least one slot file besides its lock file. When locks is non-nil each
// slot is tried with a non-blocking acquire to fill InUse.
func List(ctx context.Context, dir string, locks *LockManager) ([]Entry, error) {
	modules, err := scanModules(dir)
	if err != nil {
		return nil, err
	}
	oracle := NewOracle()
	entries := make([]Entry, 0, len(modules))
	for _, module := range modules {
		if err := ctx.Err(); err != nil {
			return entries, err
		}
		entries = append(entries, describeSlot(ctx, dir, module, oracle, locks))
	}
	return entries, nil
}

func describeSlot(ctx context.Context, dir, module string, oracle *Oracle, locks *LockManager) Entry {
	paths := SlotPaths(dir, module)
	e := Entry{Module: module}

	rec, err := oracle.Lookup(dir, module)
	if err == nil {
		e.Recorded = true
		e.Fingerprint = rec.Fingerprint
	} else {
		var sre *StaleRecordError
		if errors.As(err, &sre) {
			e.StaleReason = sre.Reason
		}
	}
	if info, err := os.Stat(paths.Artifact()); err == nil {
		e.Artifact = paths.Artifact()
		e.ArtifactSize = info.Size()
	}
	if info, err := os.Stat(paths.Used()); err == nil {
		e.LastUsed = info.ModTime()
	}
	if locks != nil {
		h, _, ok, err := locks.TryAcquire(ctx, dir, module)
		switch {
		case err != nil:
		case ok:
			locks.Release(h) //nolint:errcheck
		default:
			e.InUse = true
		}
	}
	return e
}

// CleanOptions controls Clean.
type CleanOptions struct {
	// Modules limits cleaning to the named slots. Empty means every slot.
	Modules []string
	// Wait blocks for busy slots instead of skipping them.
	Wait bool
	// Locks is the lock manager to take slot locks through. A new manager
	// with the default backend is used when nil.
	Locks *LockManager
}

// CleanReport lists what Clean did.
type CleanReport struct {
	Removed []string // modules whose files were removed
	Skipped []string // modules that were in use
}

// Clean removes slot files under each slot's lock. The record goes first so
// that an interrupted clean leaves the slot stale, never half-valid. Lock
// files are kept: another process may be waiting on one.
func Clean(ctx context.Context, dir string, opts CleanOptions) (CleanReport, error) {
	var report CleanReport
	locks := opts.Locks
	if locks == nil {
		locks = NewLockManager()
	}

	modules := opts.Modules
	if len(modules) == 0 {
		var err error
		if modules, err = scanModules(dir); err != nil {
			return report, err
		}
	}

	var errs []error
	for _, module := range modules {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var (
			h    *LockHandle
			ok   = true
			lerr error
		)
		if opts.Wait {
			h, _, lerr = locks.Acquire(ctx, dir, module)
		} else {
			h, _, ok, lerr = locks.TryAcquire(ctx, dir, module)
		}
		if lerr != nil {
			errs = append(errs, lerr)
			continue
		}
		if !ok {
			report.Skipped = append(report.Skipped, module)
			continue
		}
		err := removeSlot(SlotPaths(dir, module))
		if rerr := locks.Release(h); rerr != nil {
			err = errors.Join(err, rerr)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("clean %s: %w", module, err))
			continue
		}
		report.Removed = append(report.Removed, module)
	}
	return report, errors.Join(errs...)
}

func removeSlot(p Paths) error {
	var errs []error
	for _, path := range []string{p.Record(), p.Artifact(), p.Input(), p.Log(), p.Used()} {
		if err := removeIfExists(path); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(p.Scratch()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// scanModules returns the sorted module names that have a slot file other
// than the lock in dir. A missing directory has no slots.
func scanModules(dir string) ([]string, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &CacheDirectoryError{Path: dir, Err: err}
	}
	seen := make(map[string]struct{})
	for _, de := range des {
		if module := moduleOf(de.Name(), de.IsDir()); module != "" {
			if ValidateModuleName(module) == nil {
				seen[module] = struct{}{}
			}
		}
	}
	modules := make([]string, 0, len(seen))
	for m := range seen {
		modules = append(modules, m)
	}
	slices.Sort(modules)
	return modules, nil
}

func moduleOf(name string, isDir bool) string {
	if isDir {
		m, _ := strings.CutSuffix(name, scratchSuffix)
		if m == name {
			return ""
		}
		return m
	}
	if strings.HasPrefix(name, "_") && filepath.Ext(name) == artifactExt {
		return strings.TrimSuffix(strings.TrimPrefix(name, "_"), artifactExt)
	}
	for _, suffix := range []string{recordSuffix, inputSuffix, logSuffix, usedSuffix} {
		if m, ok := strings.CutSuffix(name, suffix); ok {
			return m
		}
	}
	return ""
}
