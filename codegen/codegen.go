// Package codegen writes the SWIG interface file for a piece of inline C/C++
// code. The file is the wrapper input handed to the toolchain; its text is
// also part of the build fingerprint.
package codegen

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// Interface is everything that goes into one interface file.
type Interface struct {
	Module string
	// Code is compiled into the extension and wrapped.
	Code string
	// InitCode runs when the extension is imported.
	InitCode string
	// AdditionalDefinitions are compiled and wrapped ahead of Code.
	AdditionalDefinitions string
	// AdditionalDeclarations are wrapped but not compiled.
	AdditionalDeclarations string
	SystemHeaders          []string // #include <h>
	LocalHeaders           []string // #include "h"
	WrapHeaders            []string // #include "h" and %include "h"
	Arrays                 []Array
}

var interfaceTmpl = template.Must(template.New("interface").Funcs(sprig.TxtFuncMap()).Parse(`%module {{ .Module }}

%{
{{- if .Arrays }}
#define SWIG_FILE_WITH_INIT
{{- end }}
#include <iostream>
{{- with .AdditionalDefinitions | trim }}
{{ . }}
{{- end }}
{{- range .SystemHeaders }}
#include <{{ . }}>
{{- end }}
{{- range .LocalHeaders }}
#include "{{ . }}"
{{- end }}
{{- range .WrapHeaders }}
#include "{{ . }}"
{{- end }}
{{ .Code | trim }}
%}
{{ if .Arrays }}
%include "numpy.i"
{{ end }}
%init%{
{{- if and .Arrays (not (contains "import_array" .InitCode)) }}
import_array();
{{- end }}
{{- with .InitCode | trim }}
{{ . }}
{{- end }}
%}
{{ with .AdditionalDefinitions | trim }}
{{ . }}
{{ end -}}
{{ with .AdditionalDeclarations | trim }}
{{ . }}
{{ end -}}
{{ range .WrapHeaders -}}
%include "{{ . }}"
{{ end -}}
{{ range .Arrays -}}
{{ .Typemap }}
{{ end -}}
{{ .Code | trim }}
`))

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (i Interface) validate() error {
	if !identRE.MatchString(i.Module) {
		return fmt.Errorf("module name %q is not a valid identifier", i.Module)
	}
	for _, list := range [][]string{i.SystemHeaders, i.LocalHeaders, i.WrapHeaders} {
		for _, h := range list {
			if h == "" || strings.ContainsAny(h, "\"<>\n") {
				return fmt.Errorf("invalid header name %q", h)
			}
		}
	}
	return nil
}

// Write renders the interface file to w.
func (i Interface) Write(w io.Writer) error {
	if err := i.validate(); err != nil {
		return err
	}
	return interfaceTmpl.Execute(w, i)
}

// Render returns the interface file text.
func (i Interface) Render() ([]byte, error) {
	var buf bytes.Buffer
	if err := i.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Reindent strips the indentation of the first non-empty line from every
// line of code, so that multi-line snippets can be written indented inside Go
// source:
//
//	codegen.Reindent(`
//	    double sum(int n, double* x) {
//	        ...
//	    }`)
func Reindent(code string) string {
	lines := strings.Split(code, "\n")
	var indent string
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		indent = l[:len(l)-len(strings.TrimLeft(l, " "))]
		break
	}
	if indent == "" {
		return code
	}
	for n, l := range lines {
		lines[n] = strings.TrimPrefix(l, indent)
	}
	return strings.Join(lines, "\n")
}
