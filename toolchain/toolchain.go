// Package toolchain provides cache.Collaborator implementations that turn a
// SWIG interface file into a loadable Python extension: a local swig + C++
// compiler pipeline, the same pipeline inside a Docker image, and a plain Go
// function for tests and embedding.
package toolchain

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/martinal/instant/cache"
)

// Options are the compiler and generator flags of a build. They are part of
// every collaborator's Description, so changing any of them invalidates
// cached artifacts.
type Options struct {
	SwigArgs    []string `msgpack:"swig_args" toml:"swig_args"`
	IncludeDirs []string `msgpack:"include_dirs" toml:"include_dirs"`
	LibraryDirs []string `msgpack:"library_dirs" toml:"library_dirs"`
	Libraries   []string `msgpack:"libraries" toml:"libraries"`
	CppArgs     []string `msgpack:"cpp_args" toml:"cpp_args"`
	LdArgs      []string `msgpack:"ld_args" toml:"ld_args"`
	// Sources are extra C/C++ files compiled into the extension.
	Sources []string `msgpack:"sources" toml:"sources"`
}

// Kinds accepted by configuration.
const (
	KindLocal  = "local"
	KindDocker = "docker"
)

// commandLines returns the swig and compiler argument vectors (without the
// program names) for job. Paths are used as given, so callers running inside
// a container must pass paths that resolve there.
func commandLines(job cache.Job, opts Options, pythonIncludes []string, goos string) (swigArgs, cxxArgs []string) {
	wrapper := wrapperPath(job)

	swigArgs = []string{"-python", "-c++"}
	swigArgs = append(swigArgs, opts.SwigArgs...)
	for _, dir := range opts.IncludeDirs {
		swigArgs = append(swigArgs, "-I"+dir)
	}
	swigArgs = append(swigArgs, "-o", wrapper, "-outdir", job.ScratchDir, job.InputFile)

	cxxArgs = []string{"-shared", "-fPIC"}
	if goos == "darwin" {
		cxxArgs = append(cxxArgs, "-undefined", "dynamic_lookup")
	}
	cxxArgs = append(cxxArgs, opts.CppArgs...)
	for _, dir := range pythonIncludes {
		cxxArgs = append(cxxArgs, "-I"+dir)
	}
	for _, dir := range opts.IncludeDirs {
		cxxArgs = append(cxxArgs, "-I"+dir)
	}
	cxxArgs = append(cxxArgs, wrapper)
	cxxArgs = append(cxxArgs, opts.Sources...)
	for _, dir := range opts.LibraryDirs {
		cxxArgs = append(cxxArgs, "-L"+dir)
	}
	for _, lib := range opts.Libraries {
		cxxArgs = append(cxxArgs, "-l"+lib)
	}
	cxxArgs = append(cxxArgs, opts.LdArgs...)
	cxxArgs = append(cxxArgs, "-o", job.Artifact)
	return swigArgs, cxxArgs
}

func wrapperPath(job cache.Job) string {
	return filepath.Join(job.ScratchDir, job.Module+"_wrap.cxx")
}

// exitCode extracts a process exit status from err, or -1 when err did not
// come from an exited process.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// environ returns the current environment as a map for run.Process.
func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}

// logBuffer collects output from concurrent writers.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (b *logBuffer) Printf(format string, args ...any) {
	fmt.Fprintf(b, format, args...)
}

var hostOS = runtime.GOOS
