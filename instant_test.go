package instant_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinal/instant"
	"github.com/martinal/instant/cache"
	"github.com/martinal/instant/toolchain"
)

// recorder builds by copying the interface file into the artifact and keeps
// the options of the last build.
type recorder struct {
	builds atomic.Int64
	mu     sync.Mutex
	last   toolchain.Options
}

func (r *recorder) toolchain(opts toolchain.Options) cache.Collaborator {
	return toolchain.Func{
		ToolName:    "recorder",
		ToolVersion: "1",
		Fn: func(_ context.Context, job cache.Job) (cache.BuildOutput, error) {
			r.builds.Add(1)
			r.mu.Lock()
			r.last = opts
			r.mu.Unlock()
			in, err := os.ReadFile(job.InputFile)
			if err != nil {
				return cache.BuildOutput{}, err
			}
			return cache.BuildOutput{}, os.WriteFile(job.Artifact, in, 0o755)
		},
	}
}

func newClient(t *testing.T, r *recorder, opts ...instant.Option) *instant.Client {
	t.Helper()
	opts = append([]instant.Option{
		instant.WithCacheDir(t.TempDir()),
		instant.WithToolchain(r.toolchain),
	}, opts...)
	c := instant.New(opts...)
	t.Cleanup(func() { assert.NoError(t, c.Close()) })
	return c
}

const sumCode = `double sum(int n, double* x) {
    double s = 0;
    for (int i = 0; i < n; i++) s += x[i];
    return s;
}`

func TestCreateExtension_BuildsThenReuses(t *testing.T) {
	r := &recorder{}
	c := newClient(t, r)
	ctx := context.Background()
	spec := instant.Spec{Module: "vecsum", Code: sumCode, Arrays: [][]string{{"n", "x"}}}

	first, err := c.CreateExtension(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, cache.StateDone, first.State)
	assert.Equal(t, "_vecsum.so", filepath.Base(first.Path))

	built, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(built), "%module vecsum\n"))
	assert.Contains(t, string(built), "INPLACE_ARRAY1")

	second, err := c.CreateExtension(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, cache.StateReuse, second.State)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, first.BuildID, second.BuildID)
	assert.EqualValues(t, 1, r.builds.Load())

	spec.CppArgs = []string{"-O3"}
	third, err := c.CreateExtension(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, cache.StateDone, third.State)
	assert.NotEqual(t, first.Fingerprint, third.Fingerprint)
	assert.EqualValues(t, 2, r.builds.Load())
}

func TestCreateExtension_DefaultModuleName(t *testing.T) {
	r := &recorder{}
	c := newClient(t, r)
	ctx := context.Background()

	a, err := c.CreateExtension(ctx, instant.Spec{Code: sumCode})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a.Module, instant.DefaultModulePrefix), a.Module)
	assert.Len(t, a.Module, len(instant.DefaultModulePrefix)+16)

	again, err := c.CreateExtension(ctx, instant.Spec{Code: sumCode})
	require.NoError(t, err)
	assert.Equal(t, a.Module, again.Module)
	assert.Equal(t, cache.StateReuse, again.State)

	other, err := c.CreateExtension(ctx, instant.Spec{Code: "int one() { return 1; }"})
	require.NoError(t, err)
	assert.NotEqual(t, a.Module, other.Module)
}

func TestCreateExtension_PathsMadeAbsolute(t *testing.T) {
	r := &recorder{}
	work := t.TempDir()
	t.Chdir(work)
	c := newClient(t, r, instant.WithDefaults(instant.Spec{Libraries: []string{"m"}}))
	for _, f := range []string{"f.cpp", "g.c"} {
		require.NoError(t, os.WriteFile(f, []byte("int f() { return 0; }\n"), 0o644))
	}

	_, err := c.CreateExtension(context.Background(), instant.Spec{
		Module:      "paths",
		Code:        "int f();",
		Sources:     []string{"f.cpp", "g.c"},
		IncludeDirs: []string{"include"},
		LibraryDirs: []string{"/usr/lib"},
	})
	require.NoError(t, err)

	r.mu.Lock()
	defer r.mu.Unlock()
	work, err = filepath.EvalSymlinks(work)
	require.NoError(t, err)
	for i, want := range []string{"f.cpp", "g.c"} {
		got, err := filepath.EvalSymlinks(filepath.Dir(r.last.Sources[i]))
		require.NoError(t, err)
		assert.Equal(t, work, got)
		assert.Equal(t, want, filepath.Base(r.last.Sources[i]))
	}
	assert.True(t, filepath.IsAbs(r.last.IncludeDirs[0]))
	assert.Equal(t, []string{"/usr/lib"}, r.last.LibraryDirs)
	assert.Equal(t, []string{"m"}, r.last.Libraries, "defaults fill empty fields")
}

func TestCreateExtension_SourceEditRebuilds(t *testing.T) {
	r := &recorder{}
	c := newClient(t, r)
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "extra.cpp")
	spec := instant.Spec{Module: "extra", Code: "int one();", Sources: []string{src}}

	require.NoError(t, os.WriteFile(src, []byte("int one() { return 1; }\n"), 0o644))
	first, err := c.CreateExtension(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, cache.StateDone, first.State)

	again, err := c.CreateExtension(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, cache.StateReuse, again.State)

	require.NoError(t, os.WriteFile(src, []byte("int one() { return 2; }\n"), 0o644))
	edited, err := c.CreateExtension(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, cache.StateDone, edited.State)
	assert.NotEqual(t, first.Fingerprint, edited.Fingerprint)
	assert.EqualValues(t, 2, r.builds.Load())
}

func TestCreateExtension_HeaderEditRebuilds(t *testing.T) {
	r := &recorder{}
	c := newClient(t, r)
	ctx := context.Background()
	include := t.TempDir()
	header := filepath.Join(include, "consts.h")
	spec := instant.Spec{
		Module:       "consts",
		Code:         "int answer() { return ANSWER; }",
		LocalHeaders: []string{"consts.h", "not_found.h"},
		IncludeDirs:  []string{include},
	}

	require.NoError(t, os.WriteFile(header, []byte("#define ANSWER 41\n"), 0o644))
	first, err := c.Fingerprint(ctx, spec)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(header, []byte("#define ANSWER 42\n"), 0o644))
	edited, err := c.Fingerprint(ctx, spec)
	require.NoError(t, err)
	assert.NotEqual(t, first, edited)

	same, err := c.Fingerprint(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, edited, same)
}

func TestCreateExtension_DefaultsDoNotOverride(t *testing.T) {
	r := &recorder{}
	c := newClient(t, r, instant.WithDefaults(instant.Spec{Libraries: []string{"m"}, CppArgs: []string{"-O2"}}))

	_, err := c.CreateExtension(context.Background(), instant.Spec{
		Module:    "own",
		Code:      "int f();",
		Libraries: []string{"blas"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"blas"}, r.last.Libraries)
	assert.Equal(t, []string{"-O2"}, r.last.CppArgs)
}

func TestCreateExtension_InvalidSpec(t *testing.T) {
	r := &recorder{}
	c := newClient(t, r)
	ctx := context.Background()

	tests := []struct {
		name string
		spec instant.Spec
		want error
	}{
		{"no code", instant.Spec{Module: "m"}, instant.ErrInvalidSpec},
		{"bad source suffix", instant.Spec{Module: "m", Code: "int f();", Sources: []string{"f.f90"}}, instant.ErrInvalidSpec},
		{"missing source", instant.Spec{Module: "m", Code: "int f();", Sources: []string{filepath.Join(t.TempDir(), "gone.cpp")}}, instant.ErrInvalidSpec},
		{"bad array", instant.Spec{Module: "m", Code: "int f();", Arrays: [][]string{{"x"}}}, instant.ErrInvalidSpec},
		{"module with slash", instant.Spec{Module: "a/b", Code: "int f();"}, cache.ErrInvalidModuleName},
		{"module not an identifier", instant.Spec{Module: "a-b", Code: "int f();"}, instant.ErrInvalidSpec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CreateExtension(ctx, tt.spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, r.builds.Load())
}

func TestCreateExtension_BuildFailure(t *testing.T) {
	calls := 0
	failing := func(toolchain.Options) cache.Collaborator {
		return toolchain.Func{ToolName: "broken", Fn: func(context.Context, cache.Job) (cache.BuildOutput, error) {
			calls++
			return cache.BuildOutput{Log: []byte("f.cpp:1: error: expected ';'"), ExitCode: 1}, errors.New("exit status 1")
		}}
	}
	c := instant.New(instant.WithCacheDir(t.TempDir()), instant.WithToolchain(failing))
	defer c.Close()

	_, err := c.CreateExtension(context.Background(), instant.Spec{Module: "broken", Code: "int f("})
	require.Error(t, err)
	var berr *cache.BuildError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, 1, berr.ExitCode)
	assert.Contains(t, err.Error(), "expected ';'")

	_, err = c.CreateExtension(context.Background(), instant.Spec{Module: "broken", Code: "int f("})
	require.Error(t, err)
	assert.Equal(t, 2, calls, "a failed build is retried")
}

func TestCreateExtensions_Parallel(t *testing.T) {
	r := &recorder{}
	c := newClient(t, r)

	res, err := c.CreateExtensions(context.Background(), []instant.Spec{
		{Module: "a", Code: "int a();"},
		{Module: "b", Code: "int b();"},
		{Module: "a", Code: "int ignored();"},
	})
	require.NoError(t, err)
	assert.Len(t, res, 2)
	assert.EqualValues(t, 2, r.builds.Load())

	body, err := os.ReadFile(res["a"].Path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "int a();")
	assert.NotContains(t, string(body), "ignored")
}

func TestClient_ListAndClean(t *testing.T) {
	r := &recorder{}
	c := newClient(t, r)
	ctx := context.Background()

	for _, m := range []string{"beta", "alpha"} {
		_, err := c.CreateExtension(ctx, instant.Spec{Module: m, Code: "int f();"})
		require.NoError(t, err)
	}
	entries, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alpha", entries[0].Module)
	assert.Equal(t, "beta", entries[1].Module)

	report, err := c.Clean(ctx, false, "alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, report.Removed)

	entries, err = c.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "beta", entries[0].Module)
}

func TestClient_Fingerprint(t *testing.T) {
	r := &recorder{}
	c := newClient(t, r)
	ctx := context.Background()
	spec := instant.Spec{Module: "fp", Code: "int f();"}

	fp, err := c.Fingerprint(ctx, spec)
	require.NoError(t, err)
	res, err := c.CreateExtension(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, fp, res.Fingerprint)
	assert.EqualValues(t, 1, r.builds.Load())
}
