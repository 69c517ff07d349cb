package toolchain

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/martinal/instant/cache"
	"github.com/matryer/is"
)

func testJob(dir string) cache.Job {
	return cache.Job{
		BuildID:    "0b7c6a1e-3f7d-4a55-9a2c-0d1e2f3a4b5c",
		Dir:        dir,
		Module:     "m1",
		InputFile:  filepath.Join(dir, "m1.i"),
		ScratchDir: filepath.Join(dir, "m1.build"),
		Artifact:   filepath.Join(dir, "_m1.so"),
	}
}

func TestCommandLines(t *testing.T) {
	is := is.New(t)
	job := testJob("/cache")
	opts := Options{
		SwigArgs:    []string{"-O"},
		IncludeDirs: []string{"/opt/inc"},
		LibraryDirs: []string{"/opt/lib"},
		Libraries:   []string{"gsl", "m"},
		CppArgs:     []string{"-O2"},
		LdArgs:      []string{"-Wl,--as-needed"},
		Sources:     []string{"/src/extra.cpp"},
	}

	swig, cxx := commandLines(job, opts, []string{"/usr/include/python3.12"}, "linux")
	is.Equal(swig, []string{
		"-python", "-c++", "-O", "-I/opt/inc",
		"-o", "/cache/m1.build/m1_wrap.cxx", "-outdir", "/cache/m1.build", "/cache/m1.i",
	})
	is.Equal(cxx, []string{
		"-shared", "-fPIC", "-O2",
		"-I/usr/include/python3.12", "-I/opt/inc",
		"/cache/m1.build/m1_wrap.cxx", "/src/extra.cpp",
		"-L/opt/lib", "-lgsl", "-lm", "-Wl,--as-needed",
		"-o", "/cache/_m1.so",
	})

	_, darwin := commandLines(job, opts, nil, "darwin")
	is.True(slices.Contains(darwin, "dynamic_lookup"))
}

func TestParseSwigVersion(t *testing.T) {
	tests := []struct {
		out     string
		want    string
		wantErr bool
	}{
		{"\nSWIG Version 4.2.1\n\nCompiled with g++ [x86_64-pc-linux-gnu]\n", "4.2.1", false},
		{"SWIG Version 3.0.12", "3.0.12", false},
		{"swig: command not found", "", true},
		{"SWIG Version banana", "", true},
	}
	for _, tt := range tests {
		v, err := ParseSwigVersion(tt.out)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseSwigVersion(%q) succeeded", tt.out)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSwigVersion(%q): %v", tt.out, err)
			continue
		}
		if v.String() != tt.want {
			t.Errorf("ParseSwigVersion(%q) = %s, want %s", tt.out, v, tt.want)
		}
	}
}

func TestCheckSwigVersion(t *testing.T) {
	is := is.New(t)
	v, err := ParseSwigVersion("SWIG Version 2.0.4")
	is.NoErr(err)
	is.True(CheckSwigVersion(v) != nil) // 2.x is too old

	v, err = ParseSwigVersion("SWIG Version 4.1.0")
	is.NoErr(err)
	is.NoErr(CheckSwigVersion(v))
}

func TestParseIncludeFlags(t *testing.T) {
	is := is.New(t)
	got := parseIncludeFlags("-I/usr/include/python3.12 -I/usr/include/python3.12 -DNDEBUG -I/opt/py")
	is.Equal(got, []string{"/usr/include/python3.12", "/opt/py"})
}

func TestDockerScriptAndMounts(t *testing.T) {
	is := is.New(t)
	dir := "/home/me/.cache/instant"
	d := Docker{
		Image:          "example/swig:4",
		PythonIncludes: []string{"/usr/include/python3.11"},
		Options: Options{
			IncludeDirs: []string{"/opt/inc", "/opt/inc", dir + "/vendored"},
			Sources:     []string{"/src/it's here/extra.c"},
		},
	}
	job := testJob(dir)

	script := d.Script(job)
	is.True(strings.HasPrefix(script, "set -e\n"))
	is.True(strings.Contains(script, "swig -python -c++"))
	is.True(strings.Contains(script, `'/src/it'"'"'s here/extra.c'`)) // quoted for sh

	var targets []string
	for _, m := range d.mounts(job) {
		is.Equal(m.Source, m.Target)
		targets = append(targets, m.Target)
	}
	is.Equal(targets, []string{dir, "/opt/inc", "/src/it's here"})
}

func TestFunc(t *testing.T) {
	is := is.New(t)
	f := Func{
		ToolName:    "fake",
		ToolVersion: "1",
		Fn: func(_ context.Context, job cache.Job) (cache.BuildOutput, error) {
			return cache.BuildOutput{Log: []byte(job.Module)}, nil
		},
	}
	desc, err := f.Describe(context.Background())
	is.NoErr(err)
	is.Equal(desc.Name, "fake")
	out, err := f.Build(context.Background(), testJob(t.TempDir()))
	is.NoErr(err)
	is.Equal(string(out.Log), "m1")

	_, err = Func{}.Build(context.Background(), cache.Job{})
	is.True(err != nil)
}

func TestExitCode(t *testing.T) {
	is := is.New(t)
	is.Equal(exitCode(nil), 0)
	is.Equal(exitCode(errors.New("no process")), -1)
	if _, err := exec.LookPath("sh"); err == nil {
		err := exec.Command("sh", "-c", "exit 3").Run()
		is.Equal(exitCode(err), 3)
	}
}

// TestLocal_EndToEnd compiles a real extension. It needs swig, a C++ compiler
// and Python headers on the host.
func TestLocal_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping compiler test in short mode")
	}
	l := Local{}
	if _, err := l.Describe(context.Background()); err != nil {
		t.Skipf("host toolchain unavailable: %v", err)
	}

	dir := t.TempDir()
	job := testJob(dir)
	is := is.New(t)
	is.NoErr(os.MkdirAll(job.ScratchDir, 0o755))
	input := "%module m1\n%{\nint add(int a, int b) { return a + b; }\n%}\nint add(int a, int b);\n"
	is.NoErr(os.WriteFile(job.InputFile, []byte(input), 0o644))

	out, err := l.Build(context.Background(), job)
	if err != nil {
		t.Fatalf("Build: %v\n%s", err, out.Log)
	}
	info, err := os.Stat(job.Artifact)
	is.NoErr(err)
	is.True(info.Size() > 0)
	is.True(strings.Contains(string(out.Log), "$ "))
}

func TestLocal_MissingSwig(t *testing.T) {
	l := Local{Swig: filepath.Join(t.TempDir(), "no-such-swig")}
	if _, err := l.Describe(context.Background()); err == nil {
		t.Fatal("Describe succeeded without swig")
	}
}
