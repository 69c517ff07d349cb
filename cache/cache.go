// Package cache implements the build cache that sits between a caller asking
// for a native extension and the external toolchain that produces it.
//
// Every module name maps to one slot in a shared cache directory. A slot is
// guarded by an advisory lock file so that many processes (parallel test runs,
// worker pools) can share the directory: for a given module all build-or-reuse
// decisions are totally ordered by lock acquisition, and a slot whose recorded
// fingerprint matches the current build inputs is reused instead of rebuilt.
//
// The toolchain itself is a [Collaborator]. The cache never looks inside the
// generated files; it only decides whether to call the collaborator and
// records the outcome.
package cache

import (
	"context"
	"path/filepath"
)

// Slot file suffixes. The lock file is created on first acquisition and never
// deleted by this package; its presence says nothing about staleness.
const (
	inputSuffix   = ".i"
	recordSuffix  = ".fp"
	lockSuffix    = ".lock"
	logSuffix     = ".log"
	usedSuffix    = ".used"
	scratchSuffix = ".build"
	artifactExt   = ".so"
)

// Paths describes the on-disk layout of one module's slot.
type Paths struct {
	Dir    string
	Module string
}

// SlotPaths returns the layout for module inside dir.
func SlotPaths(dir, module string) Paths {
	return Paths{Dir: dir, Module: module}
}

// Input is the generated wrapper-input file handed to the collaborator.
func (p Paths) Input() string { return filepath.Join(p.Dir, p.Module+inputSuffix) }

// Record is the fingerprint sidecar.
func (p Paths) Record() string { return filepath.Join(p.Dir, p.Module+recordSuffix) }

// Lock is the advisory lock file.
func (p Paths) Lock() string { return filepath.Join(p.Dir, p.Module+lockSuffix) }

// Log holds the collaborator output of the most recent build attempt.
func (p Paths) Log() string { return filepath.Join(p.Dir, p.Module+logSuffix) }

// Used is touched every time the slot is handed to a caller. Cache eviction
// tooling can use its mtime for LRU ordering.
func (p Paths) Used() string { return filepath.Join(p.Dir, p.Module+usedSuffix) }

// Scratch is the collaborator's working directory.
func (p Paths) Scratch() string { return filepath.Join(p.Dir, p.Module+scratchSuffix) }

// Artifact is where the collaborator must place the built extension.
func (p Paths) Artifact() string { return filepath.Join(p.Dir, "_"+p.Module+artifactExt) }

// Job is a single build request handed to a Collaborator. All paths are
// absolute and live inside Dir.
type Job struct {
	BuildID    string
	Dir        string
	Module     string
	InputFile  string // generated wrapper-input file
	ScratchDir string // empty directory the collaborator may use freely
	Artifact   string // where the built extension must be written
}

// BuildOutput is what a Collaborator reports back.
type BuildOutput struct {
	Artifact string // path of the produced artifact; defaults to Job.Artifact
	Log      []byte // combined diagnostic output
	ExitCode int
}

// Description identifies a collaborator and everything about it that affects
// the artifacts it produces. It is folded into the fingerprint so that a
// toolchain upgrade or a flag change invalidates existing slots.
type Description struct {
	Name    string `msgpack:"name"`
	Version string `msgpack:"version"`
	Inputs  any    `msgpack:"inputs,omitempty"`
}

// Collaborator is the external generator + compiler pipeline. Build is called
// synchronously while the module lock is held and must not be assumed fast.
// A non-nil error, or a missing or empty artifact, is a build failure.
type Collaborator interface {
	Describe(ctx context.Context) (Description, error)
	Build(ctx context.Context, job Job) (BuildOutput, error)
}
