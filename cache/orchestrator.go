package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/google/uuid"
	"github.com/matgreaves/run/onexit"
	"golang.org/x/sync/errgroup"
)

// State is a step of a single build request.
type State int

const (
	StateChecking State = iota
	StateReuse
	StateBuilding
	StateDone
	StateBuildFailed
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateReuse:
		return "reuse"
	case StateBuilding:
		return "building"
	case StateDone:
		return "done"
	case StateBuildFailed:
		return "build_failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind identifies the type of build lifecycle event.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventCached    EventKind = "cached"
	EventFailed    EventKind = "failed"
)

// EmitFunc is called for each build lifecycle event.
// err is non-nil only when kind is EventFailed.
type EmitFunc func(kind EventKind, module string, err error)

// Request asks for module to be built from Source.
type Request struct {
	// Dir is the cache directory; empty means DefaultDir.
	Dir    string
	Module string
	// Source is the foreign source text.
	Source string
	// Options holds every generation option that affects the output. It is
	// only hashed, never interpreted.
	Options any
	// Input is the generated wrapper-input file content.
	Input []byte
	// Collaborator overrides the orchestrator's default.
	Collaborator Collaborator
}

// Result describes a satisfied request.
type Result struct {
	Module      string
	Dir         string
	Path        string // loadable artifact
	State       State  // StateReuse or StateDone on success
	Fingerprint Fingerprint
	BuildID     string // build that produced Path
}

// Orchestrator decides, under a module's lock, whether to reuse the cached
// artifact or run the collaborator.
type Orchestrator struct {
	locks       *LockManager
	oracle      *Oracle
	collab      Collaborator
	emit        EmitFunc
	logger      *slog.Logger
	exitCleanup bool
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithDefaultCollaborator sets the collaborator used by requests that do not
// name one.
func WithDefaultCollaborator(c Collaborator) OrchestratorOption {
	return func(o *Orchestrator) { o.collab = c }
}

// WithEvents registers a lifecycle event callback.
func WithEvents(fn EmitFunc) OrchestratorOption {
	return func(o *Orchestrator) { o.emit = fn }
}

// WithBuildLogger sets the orchestrator's logger.
func WithBuildLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithExitCleanup makes every build register a process-exit hook that removes
// the partial artifact and scratch directory, so a process killed mid-build
// leaves nothing behind that could be mistaken for output. The hook is
// cancelled when the build returns.
func WithExitCleanup(on bool) OrchestratorOption {
	return func(o *Orchestrator) { o.exitCleanup = on }
}

// NewOrchestrator composes a lock manager and an oracle.
func NewOrchestrator(locks *LockManager, oracle *Oracle, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		locks:  locks,
		oracle: oracle,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type buildInputs struct {
	Options   any         `msgpack:"options"`
	Input     []byte      `msgpack:"input"`
	Toolchain Description `msgpack:"toolchain"`
}

// Fingerprint computes the fingerprint req would be checked against. It
// asks the collaborator to describe itself, which may run the toolchain.
func (o *Orchestrator) Fingerprint(ctx context.Context, req Request) (Fingerprint, error) {
	collab, err := o.collaborator(req)
	if err != nil {
		return Fingerprint{}, err
	}
	return o.fingerprint(ctx, req, collab)
}

func (o *Orchestrator) fingerprint(ctx context.Context, req Request, collab Collaborator) (Fingerprint, error) {
	desc, err := collab.Describe(ctx)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("describe toolchain: %w", err)
	}
	return ComputeFingerprint(req.Source, buildInputs{
		Options:   req.Options,
		Input:     req.Input,
		Toolchain: desc,
	}), nil
}

func (o *Orchestrator) collaborator(req Request) (Collaborator, error) {
	if req.Collaborator != nil {
		return req.Collaborator, nil
	}
	if o.collab != nil {
		return o.collab, nil
	}
	return nil, ErrNoCollaborator
}

// Build returns a loadable artifact for req, building it only when the
// slot's recorded fingerprint does not match. The whole check-build-record
// sequence runs under the module's lock, which is released on every path.
// Build sets no timeout of its own; ctx bounds the wait for the lock and the
// collaborator run.
func (o *Orchestrator) Build(ctx context.Context, req Request) (Result, error) {
	if err := ValidateModuleName(req.Module); err != nil {
		return Result{}, err
	}
	dir, err := ResolveDir(req.Dir)
	if err != nil {
		return Result{}, err
	}
	collab, err := o.collaborator(req)
	if err != nil {
		return Result{}, err
	}
	fp, err := o.fingerprint(ctx, req, collab)
	if err != nil {
		return Result{}, fmt.Errorf("build %s: %w", req.Module, err)
	}

	res := Result{Module: req.Module, Dir: dir, Fingerprint: fp, State: StateChecking}
	err = o.locks.WithLock(ctx, dir, req.Module, func(ctx context.Context) error {
		var berr error
		res, berr = o.checkAndBuild(ctx, res, req, collab)
		return berr
	})
	return res, err
}

// BuildAll builds requests in parallel, deduplicating by module name (first
// occurrence wins). A module requested in two different directories is an
// error, since results are keyed by module name. The first failure cancels
// the remaining builds and is returned.
func (o *Orchestrator) BuildAll(ctx context.Context, reqs []Request) (map[string]Result, error) {
	dirOf := make(map[string]string, len(reqs))
	var unique []Request
	for _, r := range reqs {
		dir, err := ResolveDir(r.Dir)
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", r.Module, err)
		}
		prev, dup := dirOf[r.Module]
		switch {
		case !dup:
			dirOf[r.Module] = dir
			unique = append(unique, r)
		case prev != dir:
			return nil, fmt.Errorf("module %q requested in both %s and %s", r.Module, prev, dir)
		}
	}

	results := make(map[string]Result, len(unique))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, req := range unique {
		g.Go(func() error {
			res, err := o.Build(gctx, req)
			if err != nil {
				return fmt.Errorf("module %q: %w", req.Module, err)
			}
			mu.Lock()
			results[req.Module] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) checkAndBuild(ctx context.Context, res Result, req Request, collab Collaborator) (Result, error) {
	paths := SlotPaths(res.Dir, res.Module)

	rec, stale, reason := o.oracle.Check(res.Dir, res.Module, res.Fingerprint)
	if !stale {
		res.State = StateReuse
		res.Path = rec.ArtifactPath(res.Dir)
		res.BuildID = rec.BuildID
		o.logger.Debug("reusing cached artifact", "module", res.Module, "fingerprint", res.Fingerprint.Short())
		o.event(EventCached, res.Module, nil)
		touch(paths.Used())
		return res, nil
	}
	if reason != nil {
		o.logger.Debug("slot stale", "module", res.Module, "reason", reason)
	} else {
		o.logger.Debug("slot stale", "module", res.Module, "recorded", rec.Fingerprint.Short(), "current", res.Fingerprint.Short())
	}

	res.State = StateBuilding
	res.BuildID = uuid.NewString()
	o.event(EventStarted, res.Module, nil)
	start := time.Now()

	artifact, err := o.runCollaborator(ctx, paths, req, collab, res.BuildID)
	if err == nil {
		err = o.oracle.Record(res.Dir, res.Module, res.Fingerprint, artifact, res.BuildID)
	}
	if err != nil {
		res.State = StateBuildFailed
		o.logger.Warn("build failed", "module", res.Module, "build_id", res.BuildID, "error", err)
		o.event(EventFailed, res.Module, err)
		return res, err
	}

	res.State = StateDone
	res.Path = artifact
	o.logger.Info("built module", "module", res.Module, "build_id", res.BuildID, "elapsed", time.Since(start).Round(time.Millisecond))
	o.event(EventCompleted, res.Module, nil)
	touch(paths.Used())
	return res, nil
}

// runCollaborator prepares the slot and invokes the collaborator. On any
// failure the partial artifact is removed and no record exists, so the next
// request retries the build.
func (o *Orchestrator) runCollaborator(ctx context.Context, paths Paths, req Request, collab Collaborator, buildID string) (string, error) {
	if err := o.oracle.Forget(paths.Dir, paths.Module); err != nil {
		return "", err
	}
	if err := removeIfExists(paths.Artifact()); err != nil {
		return "", fmt.Errorf("build %s: remove previous artifact: %w", paths.Module, err)
	}
	if err := writeAtomic(paths.Input(), func(f *os.File) error {
		_, err := f.Write(req.Input)
		return err
	}); err != nil {
		return "", fmt.Errorf("build %s: write input file: %w", paths.Module, err)
	}
	if err := os.RemoveAll(paths.Scratch()); err != nil {
		return "", fmt.Errorf("build %s: clear scratch dir: %w", paths.Module, err)
	}
	if err := os.MkdirAll(paths.Scratch(), 0o755); err != nil {
		return "", fmt.Errorf("build %s: create scratch dir: %w", paths.Module, err)
	}

	cancelCleanup := o.registerExitCleanup(paths)
	defer cancelCleanup()

	job := Job{
		BuildID:    buildID,
		Dir:        paths.Dir,
		Module:     paths.Module,
		InputFile:  paths.Input(),
		ScratchDir: paths.Scratch(),
		Artifact:   paths.Artifact(),
	}
	out, err := collab.Build(ctx, job)
	produced := out.Artifact
	if produced == "" {
		produced = job.Artifact
	}
	if logErr := os.WriteFile(paths.Log(), out.Log, 0o644); logErr != nil {
		o.logger.Warn("could not write build log", "module", paths.Module, "error", logErr)
	}
	if err == nil {
		err = verifyArtifact(produced)
	}
	if err != nil {
		removeIfExists(produced) //nolint:errcheck
		if produced != job.Artifact {
			removeIfExists(job.Artifact) //nolint:errcheck
		}
		return "", &BuildError{
			Module:   paths.Module,
			BuildID:  buildID,
			ExitCode: out.ExitCode,
			Output:   out.Log,
			Err:      err,
		}
	}
	os.RemoveAll(paths.Scratch()) //nolint:errcheck
	return produced, nil
}

func (o *Orchestrator) registerExitCleanup(paths Paths) func() {
	if !o.exitCleanup {
		return func() {}
	}
	cancel, err := onexit.OnExitF("rm -rf %s %s",
		shellescape.Quote(paths.Artifact()),
		shellescape.Quote(paths.Scratch()))
	if err != nil || cancel == nil {
		o.logger.Warn("could not register exit cleanup", "module", paths.Module, "error", err)
		return func() {}
	}
	return func() { cancel() }
}

func (o *Orchestrator) event(kind EventKind, module string, err error) {
	if o.emit != nil {
		o.emit(kind, module, err)
	}
}

func verifyArtifact(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("expected artifact: %w", err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return fmt.Errorf("expected artifact %s is empty", path)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// touch updates the mtime of path, creating it if needed.
func touch(path string) {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		f, err := os.Create(path)
		if err == nil {
			f.Close()
		}
	}
}
