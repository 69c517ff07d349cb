package toolchain

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/martinal/instant/cache"
	"github.com/matgreaves/run"
)

// Local builds with the swig and C++ compiler found on the host.
type Local struct {
	// Swig is the swig executable; defaults to "swig" on PATH.
	Swig string
	// CXX is the C++ compiler; defaults to $CXX, then "c++".
	CXX string
	// PythonIncludes are the Python header directories. When empty they are
	// discovered with PythonConfig.
	PythonIncludes []string
	// PythonConfig is the python-config executable; defaults to
	// "python3-config".
	PythonConfig string

	Options Options
}

func (l Local) swig() string {
	if l.Swig != "" {
		return l.Swig
	}
	return "swig"
}

func (l Local) cxx() string {
	if l.CXX != "" {
		return l.CXX
	}
	if cxx := os.Getenv("CXX"); cxx != "" {
		return cxx
	}
	return "c++"
}

func (l Local) pythonConfig() string {
	if l.PythonConfig != "" {
		return l.PythonConfig
	}
	return "python3-config"
}

// localInputs is everything about the host toolchain that ends up in the
// fingerprint.
type localInputs struct {
	Swig           string   `msgpack:"swig"`
	CXX            string   `msgpack:"cxx"`
	CXXVersion     string   `msgpack:"cxx_version"`
	PythonIncludes []string `msgpack:"python_includes"`
	GOOS           string   `msgpack:"goos"`
	Options        Options  `msgpack:"options"`
}

// Describe locates the tools, checks the swig version and reports the
// versions of both tools. Missing tools are an error here rather than at
// build time, so a broken host never produces a cache slot.
func (l Local) Describe(ctx context.Context) (cache.Description, error) {
	swigPath, err := exec.LookPath(l.swig())
	if err != nil {
		return cache.Description{}, fmt.Errorf("swig not found: %w", err)
	}
	cxxPath, err := exec.LookPath(l.cxx())
	if err != nil {
		return cache.Description{}, fmt.Errorf("c++ compiler not found: %w", err)
	}

	out, err := query(ctx, swigPath, "-version")
	if err != nil {
		return cache.Description{}, err
	}
	v, err := ParseSwigVersion(out)
	if err != nil {
		return cache.Description{}, err
	}
	if err := CheckSwigVersion(v); err != nil {
		return cache.Description{}, err
	}

	cxxOut, err := query(ctx, cxxPath, "--version")
	if err != nil {
		return cache.Description{}, err
	}
	includes, err := l.pythonIncludes(ctx)
	if err != nil {
		return cache.Description{}, err
	}

	return cache.Description{
		Name:    "swig",
		Version: v.String(),
		Inputs: localInputs{
			Swig:           swigPath,
			CXX:            cxxPath,
			CXXVersion:     firstLine(cxxOut),
			PythonIncludes: includes,
			GOOS:           hostOS,
			Options:        l.Options,
		},
	}, nil
}

func (l Local) pythonIncludes(ctx context.Context) ([]string, error) {
	if len(l.PythonIncludes) > 0 {
		return l.PythonIncludes, nil
	}
	path, err := exec.LookPath(l.pythonConfig())
	if err != nil {
		return nil, fmt.Errorf("python headers: set python include dirs or install %s: %w", l.pythonConfig(), err)
	}
	out, err := query(ctx, path, "--includes")
	if err != nil {
		return nil, err
	}
	return parseIncludeFlags(out), nil
}

// parseIncludeFlags turns "-I/a -I/b" into ["/a", "/b"], dropping duplicates.
func parseIncludeFlags(out string) []string {
	var dirs []string
	seen := make(map[string]bool)
	for _, f := range strings.Fields(out) {
		dir, ok := strings.CutPrefix(f, "-I")
		if !ok || dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	return dirs
}

// Build runs swig on the job's input file, then compiles the wrapper and any
// extra sources into the job's artifact. Both steps run in the scratch
// directory; their combined output is returned as the build log.
func (l Local) Build(ctx context.Context, job cache.Job) (cache.BuildOutput, error) {
	var log logBuffer
	out := cache.BuildOutput{Artifact: job.Artifact}

	swigPath, err := exec.LookPath(l.swig())
	if err != nil {
		return out, fmt.Errorf("swig not found: %w", err)
	}
	cxxPath, err := exec.LookPath(l.cxx())
	if err != nil {
		return out, fmt.Errorf("c++ compiler not found: %w", err)
	}
	includes, err := l.pythonIncludes(ctx)
	if err != nil {
		return out, err
	}

	swigArgs, cxxArgs := commandLines(job, l.Options, includes, hostOS)
	env := environ()
	steps := run.Sequence{
		run.Func(func(context.Context) error {
			log.Printf("$ %s %s\n", swigPath, strings.Join(swigArgs, " "))
			return nil
		}),
		run.Process{
			Name:   "swig",
			Path:   swigPath,
			Args:   swigArgs,
			Dir:    job.ScratchDir,
			Env:    env,
			Stdout: &log,
			Stderr: &log,
		},
		run.Func(func(context.Context) error {
			log.Printf("$ %s %s\n", cxxPath, strings.Join(cxxArgs, " "))
			return nil
		}),
		run.Process{
			Name:   "c++",
			Path:   cxxPath,
			Args:   cxxArgs,
			Dir:    job.ScratchDir,
			Env:    env,
			Stdout: &log,
			Stderr: &log,
		},
	}
	err = steps.Run(ctx)
	out.Log = log.Bytes()
	out.ExitCode = exitCode(err)
	return out, err
}
