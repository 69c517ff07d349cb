// Package instant builds Python extension modules from inline C/C++ code at
// runtime and caches them on disk, so that a second request for the same code
// loads the existing module instead of compiling it again.
//
// A Client is safe for concurrent use, and any number of processes may share
// a cache directory: each module is built at most once per change of its
// inputs.
//
//	c := instant.New()
//	defer c.Close()
//	res, err := c.CreateExtension(ctx, instant.Spec{
//		Module: "vecsum",
//		Code:   "double sum(int n, double* x) { ... }",
//		Arrays: [][]string{{"n", "x"}},
//	})
//	// res.Path is the loadable _vecsum.so
package instant

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"dario.cat/mergo"

	"github.com/martinal/instant/cache"
	"github.com/martinal/instant/codegen"
	"github.com/martinal/instant/toolchain"
)

// Spec describes one extension module. The toml tags are used by module
// manifests.
type Spec struct {
	// Module is the extension name. Empty means a name derived from the
	// Spec's content.
	Module string `toml:"module"`
	Code   string `toml:"code"`

	InitCode               string     `toml:"init_code"`
	AdditionalDefinitions  string     `toml:"additional_definitions"`
	AdditionalDeclarations string     `toml:"additional_declarations"`
	SystemHeaders          []string   `toml:"system_headers"`
	LocalHeaders           []string   `toml:"local_headers"`
	WrapHeaders            []string   `toml:"wrap_headers"`
	Arrays                 [][]string `toml:"arrays"`

	// Sources are extra C/C++ files compiled into the extension.
	Sources     []string `toml:"sources"`
	IncludeDirs []string `toml:"include_dirs"`
	LibraryDirs []string `toml:"library_dirs"`
	Libraries   []string `toml:"libraries"`
	SwigArgs    []string `toml:"swig_args"`
	CppArgs     []string `toml:"cpp_args"`
	LdArgs      []string `toml:"ld_args"`

	// CacheDir overrides the client's cache directory for this module.
	CacheDir string `toml:"cache_dir" msgpack:"-"`
}

// DefaultModulePrefix starts every derived module name.
const DefaultModulePrefix = "instant_module_"

// SourceSuffixes are the accepted extensions of Spec.Sources.
var SourceSuffixes = []string{".c", ".cpp", ".cc", ".cxx"}

// ErrInvalidSpec is wrapped by every validation failure of a Spec.
var ErrInvalidSpec = errors.New("invalid spec")

// ToolchainFunc returns the collaborator that builds a module with opts.
type ToolchainFunc func(opts toolchain.Options) cache.Collaborator

// LocalToolchain builds with swig and the C++ compiler found on PATH.
func LocalToolchain(opts toolchain.Options) cache.Collaborator {
	return toolchain.Local{Options: opts}
}

// Client creates extension modules. Close releases any locks still held.
type Client struct {
	dir       string
	defaults  Spec
	toolchain ToolchainFunc
	locks     *cache.LockManager
	orch      *cache.Orchestrator
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	dir         string
	defaults    Spec
	toolchain   ToolchainFunc
	backend     cache.Backend
	logger      *slog.Logger
	events      cache.EmitFunc
	exitCleanup bool
}

// WithCacheDir sets the cache directory. Empty means cache.DefaultDir.
func WithCacheDir(dir string) Option {
	return func(o *clientOptions) { o.dir = dir }
}

// WithDefaults sets fields used for every zero field of a Spec.
func WithDefaults(s Spec) Option {
	return func(o *clientOptions) { o.defaults = s }
}

// WithToolchain sets how modules are built. Defaults to LocalToolchain.
func WithToolchain(fn ToolchainFunc) Option {
	return func(o *clientOptions) { o.toolchain = fn }
}

// WithLockBackend sets the lock backend. Defaults to cache.DefaultBackend.
func WithLockBackend(b cache.Backend) Option {
	return func(o *clientOptions) { o.backend = b }
}

// WithLogger sets the logger for locking and builds.
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithEvents registers a build lifecycle callback.
func WithEvents(fn cache.EmitFunc) Option {
	return func(o *clientOptions) { o.events = fn }
}

// WithExitCleanup removes partial build output if the process exits while a
// build is running.
func WithExitCleanup(on bool) Option {
	return func(o *clientOptions) { o.exitCleanup = on }
}

// New returns a Client.
func New(opts ...Option) *Client {
	o := clientOptions{
		toolchain: LocalToolchain,
		backend:   cache.DefaultBackend(),
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}

	locks := cache.NewLockManager(cache.WithBackend(o.backend), cache.WithLogger(o.logger))
	orchOpts := []cache.OrchestratorOption{
		cache.WithBuildLogger(o.logger),
		cache.WithExitCleanup(o.exitCleanup),
	}
	if o.events != nil {
		orchOpts = append(orchOpts, cache.WithEvents(o.events))
	}
	return &Client{
		dir:       o.dir,
		defaults:  o.defaults,
		toolchain: o.toolchain,
		locks:     locks,
		orch:      cache.NewOrchestrator(locks, cache.NewOracle(), orchOpts...),
	}
}

// CreateExtension returns the path of a loadable extension built from s,
// reusing the cached one when nothing that affects it has changed.
func (c *Client) CreateExtension(ctx context.Context, s Spec) (cache.Result, error) {
	req, err := c.Request(s)
	if err != nil {
		return cache.Result{}, err
	}
	return c.orch.Build(ctx, req)
}

// CreateExtensions builds specs in parallel. Specs naming the same module
// are built once, from the first of them; naming it with two different
// cache directories is an error.
func (c *Client) CreateExtensions(ctx context.Context, specs []Spec) (map[string]cache.Result, error) {
	reqs := make([]cache.Request, 0, len(specs))
	for _, s := range specs {
		req, err := c.Request(s)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return c.orch.BuildAll(ctx, reqs)
}

// Fingerprint returns the fingerprint the cached module of s is checked
// against. It may run the toolchain to learn its version.
func (c *Client) Fingerprint(ctx context.Context, s Spec) (cache.Fingerprint, error) {
	req, err := c.Request(s)
	if err != nil {
		return cache.Fingerprint{}, err
	}
	return c.orch.Fingerprint(ctx, req)
}

// Request normalizes s and renders its interface file without touching the
// cache.
func (c *Client) Request(s Spec) (cache.Request, error) {
	s, err := c.normalize(s)
	if err != nil {
		return cache.Request{}, err
	}
	arrays, err := codegen.ParseArrays(s.Arrays)
	if err != nil {
		return cache.Request{}, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	opts, err := c.options(s)
	if err != nil {
		return cache.Request{}, err
	}
	if s.Module == "" {
		s.Module = DefaultModulePrefix + cache.ComputeFingerprint(s.Code, opts).String()[:16]
		opts.Spec.Module = s.Module
	}
	if err := cache.ValidateModuleName(s.Module); err != nil {
		return cache.Request{}, err
	}

	input, err := codegen.Interface{
		Module:                 s.Module,
		Code:                   s.Code,
		InitCode:               s.InitCode,
		AdditionalDefinitions:  s.AdditionalDefinitions,
		AdditionalDeclarations: s.AdditionalDeclarations,
		SystemHeaders:          s.SystemHeaders,
		LocalHeaders:           s.LocalHeaders,
		WrapHeaders:            s.WrapHeaders,
		Arrays:                 arrays,
	}.Render()
	if err != nil {
		return cache.Request{}, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}

	dir := s.CacheDir
	if dir == "" {
		dir = c.dir
	}
	return cache.Request{
		Dir:     dir,
		Module:  s.Module,
		Source:  s.Code,
		Options: opts,
		Input:   input,
		Collaborator: c.toolchain(toolchain.Options{
			SwigArgs:    s.SwigArgs,
			IncludeDirs: s.IncludeDirs,
			LibraryDirs: s.LibraryDirs,
			Libraries:   s.Libraries,
			CppArgs:     s.CppArgs,
			LdArgs:      s.LdArgs,
			Sources:     s.Sources,
		}),
	}, nil
}

// normalize fills defaults, checks source suffixes and makes every path
// absolute, since the toolchain runs inside the cache directory.
func (c *Client) normalize(s Spec) (Spec, error) {
	if err := mergo.Merge(&s, c.defaults); err != nil {
		return s, fmt.Errorf("apply defaults: %w", err)
	}
	if strings.TrimSpace(s.Code) == "" && len(s.WrapHeaders) == 0 {
		return s, fmt.Errorf("%w: no code and no wrapped headers", ErrInvalidSpec)
	}

	var errs []error
	for _, src := range s.Sources {
		if !slices.Contains(SourceSuffixes, filepath.Ext(src)) {
			errs = append(errs, fmt.Errorf("source %q: suffix must be one of %s", src, strings.Join(SourceSuffixes, ", ")))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return s, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}

	var err error
	if s.Sources, err = absPaths(s.Sources); err != nil {
		return s, err
	}
	if s.IncludeDirs, err = absPaths(s.IncludeDirs); err != nil {
		return s, err
	}
	if s.LibraryDirs, err = absPaths(s.LibraryDirs); err != nil {
		return s, err
	}
	return s, nil
}

// requestOptions is everything besides the code that a module's
// fingerprint covers.
type requestOptions struct {
	Spec    Spec                         `msgpack:"spec"`
	Sources []cache.Fingerprint          `msgpack:"sources"`
	Headers map[string]cache.Fingerprint `msgpack:"headers"`
}

// options digests the content of s's extra sources and of every local or
// wrapped header found on an absolute path or under s.IncludeDirs. Headers
// found nowhere are left to the compiler's own search path.
func (c *Client) options(s Spec) (requestOptions, error) {
	opts := requestOptions{Spec: s}
	for _, src := range s.Sources {
		fp, err := digestFile(src)
		if err != nil {
			return opts, fmt.Errorf("%w: source %w", ErrInvalidSpec, err)
		}
		opts.Sources = append(opts.Sources, fp)
	}
	for _, h := range slices.Concat(s.LocalHeaders, s.WrapHeaders) {
		path, ok := findHeader(h, s.IncludeDirs)
		if !ok {
			continue
		}
		fp, err := digestFile(path)
		if err != nil {
			return opts, fmt.Errorf("%w: header %w", ErrInvalidSpec, err)
		}
		if opts.Headers == nil {
			opts.Headers = make(map[string]cache.Fingerprint)
		}
		opts.Headers[h] = fp
	}
	return opts, nil
}

func digestFile(path string) (cache.Fingerprint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return cache.Fingerprint{}, err
	}
	return cache.Fingerprint(sha256.Sum256(b)), nil
}

func findHeader(name string, includeDirs []string) (string, bool) {
	candidates := []string{name}
	if !filepath.IsAbs(name) {
		candidates = candidates[:0]
		for _, dir := range includeDirs {
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}
	for _, path := range candidates {
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			// digestFile reports it.
			return path, true
		case info.Mode().IsRegular():
			return path, true
		}
	}
	return "", false
}

func absPaths(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return paths, nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		out[i] = abs
	}
	return out, nil
}

// List describes the modules cached in the client's directory.
func (c *Client) List(ctx context.Context) ([]cache.Entry, error) {
	dir, err := cache.ResolveDir(c.dir)
	if err != nil {
		return nil, err
	}
	return cache.List(ctx, dir, c.locks)
}

// Clean removes cached modules, or every module when none are named. Slots
// locked elsewhere are skipped unless wait is set.
func (c *Client) Clean(ctx context.Context, wait bool, modules ...string) (cache.CleanReport, error) {
	dir, err := cache.ResolveDir(c.dir)
	if err != nil {
		return cache.CleanReport{}, err
	}
	return cache.Clean(ctx, dir, cache.CleanOptions{
		Modules: modules,
		Wait:    wait,
		Locks:   c.locks,
	})
}

// Close releases every lock the client still holds.
func (c *Client) Close() error {
	return c.locks.ReleaseAll()
}
