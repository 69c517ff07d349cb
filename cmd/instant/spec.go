package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/martinal/instant"
)

// manifest is a module file:
//
//	[[module]]
//	module = "vecsum"
//	code = "double sum(int n, double* x) { ... }"
//	arrays = [["n", "x"]]
//	sources = ["helpers.cpp"]
//
// Relative paths are taken from the manifest's directory.
type manifest struct {
	Modules []instant.Spec `toml:"module"`
}

func readManifest(path string) ([]instant.Spec, error) {
	var m manifest
	md, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("manifest %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if len(m.Modules) == 0 {
		return nil, fmt.Errorf("manifest %s: no [[module]] tables", path)
	}
	base := filepath.Dir(path)
	for i := range m.Modules {
		s := &m.Modules[i]
		s.Sources = rebase(base, s.Sources)
		s.IncludeDirs = rebase(base, s.IncludeDirs)
		s.LibraryDirs = rebase(base, s.LibraryDirs)
	}
	return m.Modules, nil
}

func rebase(base string, paths []string) []string {
	for i, p := range paths {
		if !filepath.IsAbs(p) {
			paths[i] = filepath.Join(base, p)
		}
	}
	return paths
}

// specFlags describes a single module on the command line, or points at a
// manifest.
type specFlags struct {
	manifest string
	codeFile string
	arrays   []string
	spec     instant.Spec
}

func (f *specFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.manifest, "file", "f", "", "module manifest (toml); other module flags are ignored")
	fs.StringVarP(&f.spec.Module, "module", "m", "", "module name (default derived from the code)")
	fs.StringVar(&f.spec.Code, "code", "", "C/C++ code to wrap")
	fs.StringVar(&f.codeFile, "code-file", "", "read the code from a file, - for stdin")
	fs.StringVar(&f.spec.InitCode, "init-code", "", "code run when the module is imported")
	fs.StringVar(&f.spec.AdditionalDefinitions, "definitions", "", "extra code compiled and wrapped before --code")
	fs.StringVar(&f.spec.AdditionalDeclarations, "declarations", "", "extra declarations wrapped but not compiled")
	fs.StringArrayVar(&f.spec.SystemHeaders, "system-header", nil, "include <header>")
	fs.StringArrayVar(&f.spec.LocalHeaders, "header", nil, `include "header"`)
	fs.StringArrayVar(&f.spec.WrapHeaders, "wrap-header", nil, `include and wrap "header"`)
	fs.StringArrayVar(&f.spec.Sources, "source", nil, "extra .c/.cpp/.cc/.cxx source")
	fs.StringArrayVarP(&f.spec.IncludeDirs, "include-dir", "I", nil, "header search directory")
	fs.StringArrayVarP(&f.spec.LibraryDirs, "library-dir", "L", nil, "library search directory")
	fs.StringArrayVarP(&f.spec.Libraries, "library", "l", nil, "library to link")
	fs.StringArrayVar(&f.spec.SwigArgs, "swig-arg", nil, "extra swig argument")
	fs.StringArrayVar(&f.spec.CppArgs, "cpp-arg", nil, "extra compiler argument")
	fs.StringArrayVar(&f.spec.LdArgs, "ld-arg", nil, "extra linker argument")
	fs.StringArrayVar(&f.arrays, "array", nil, `numpy array argument as comma-separated names, e.g. "in,m,n,A,float"`)
}

// specs returns the manifest's modules, or the single module described by
// the flags.
func (f *specFlags) specs(stdin io.Reader) ([]instant.Spec, error) {
	if f.manifest != "" {
		return readManifest(f.manifest)
	}
	s := f.spec
	for _, a := range f.arrays {
		parts := strings.Split(a, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		s.Arrays = append(s.Arrays, parts)
	}
	if f.codeFile != "" {
		if s.Code != "" {
			return nil, errors.New("--code and --code-file are mutually exclusive")
		}
		var (
			b   []byte
			err error
		)
		if f.codeFile == "-" {
			b, err = io.ReadAll(stdin)
		} else {
			b, err = os.ReadFile(f.codeFile)
		}
		if err != nil {
			return nil, fmt.Errorf("read code: %w", err)
		}
		s.Code = string(b)
	}
	return []instant.Spec{s}, nil
}
