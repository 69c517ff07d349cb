package codegen

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ArrayKind is how a numpy array argument is passed.
type ArrayKind string

const (
	ArrayIn      ArrayKind = "in"      // read-only input, 1 to 3 dims
	ArrayOut     ArrayKind = "out"     // returned to the caller, 1 dim
	ArrayInPlace ArrayKind = "inplace" // modified in place, 1 to 3 dims
	ArrayMulti   ArrayKind = "multi"   // in place, any number of dims
)

// ElementTypes are the C element types an array may have.
var ElementTypes = []string{
	"float", "double", "short", "int", "long", "long long",
	"unsigned short", "unsigned int", "unsigned long", "unsigned long long",
}

const defaultElementType = "double"

// Array describes one array argument of the wrapped code.
type Array struct {
	Kind ArrayKind
	Type string
	// Dims names the dimension parameters. For ArrayMulti it holds the rank
	// parameter followed by the shape pointer parameter.
	Dims []string
	Name string
}

// ParseArray reads the compact list form used in manifests: dimension names
// followed by the array name, optionally mixed with a kind ("in", "out",
// "multi"; default in-place) and an element type (default double).
//
//	["n", "x"]                      in-place double vector x of length n
//	["in", "m", "n", "A", "float"]  read-only float matrix
//	["multi", "rank", "shape", "T"] in-place tensor of any rank
func ParseArray(spec []string) (Array, error) {
	a := Array{Kind: ArrayInPlace, Type: defaultElementType}
	var names []string
	var sawKind, sawType bool
	for _, s := range spec {
		s = strings.TrimSpace(s)
		switch {
		case s == string(ArrayIn) || s == string(ArrayOut) || s == string(ArrayMulti):
			if sawKind {
				return Array{}, fmt.Errorf("array %v: more than one kind", spec)
			}
			sawKind = true
			a.Kind = ArrayKind(s)
		case slices.Contains(ElementTypes, s):
			if sawType {
				return Array{}, fmt.Errorf("array %v: more than one element type", spec)
			}
			sawType = true
			a.Type = s
		case identRE.MatchString(s):
			names = append(names, s)
		default:
			return Array{}, fmt.Errorf("array %v: %q is not a C identifier", spec, s)
		}
	}

	var ok bool
	switch a.Kind {
	case ArrayIn, ArrayInPlace:
		ok = len(names) >= 2 && len(names) <= 4
	case ArrayOut:
		ok = len(names) == 2
	case ArrayMulti:
		ok = len(names) == 3
	}
	if !ok {
		return Array{}, fmt.Errorf("array %v: wrong number of names for a %s array", spec, a.Kind)
	}
	a.Dims, a.Name = names[:len(names)-1], names[len(names)-1]
	return a, nil
}

// ParseArrays parses every spec, reporting all invalid ones.
func ParseArrays(specs [][]string) ([]Array, error) {
	arrays := make([]Array, 0, len(specs))
	var errs []error
	for _, spec := range specs {
		a, err := ParseArray(spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		arrays = append(arrays, a)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return arrays, nil
}

// Typemap returns the SWIG directives that map a numpy array onto the
// array's C parameters.
func (a Array) Typemap() string {
	if a.Kind == ArrayMulti {
		return a.multiTypemap()
	}
	numpyName := map[ArrayKind]string{
		ArrayIn:      "IN_ARRAY",
		ArrayOut:     "ARGOUT_ARRAY",
		ArrayInPlace: "INPLACE_ARRAY",
	}[a.Kind]

	var generic, actual []string
	for n, d := range a.Dims {
		generic = append(generic, fmt.Sprintf("int DIM%d", n+1))
		actual = append(actual, "int "+d)
	}
	generic = append(generic, fmt.Sprintf("%s* %s%d", a.Type, numpyName, len(a.Dims)))
	actual = append(actual, fmt.Sprintf("%s* %s", a.Type, a.Name))
	return fmt.Sprintf("%%apply (%s) {(%s)};", strings.Join(generic, ", "), strings.Join(actual, ", "))
}

func (a Array) multiTypemap() string {
	params := fmt.Sprintf("(int %s, int* %s, %s* %s)", a.Dims[0], a.Dims[1], a.Type, a.Name)
	return fmt.Sprintf(`%%typemap(in) %[1]s {
  if (!PyArray_Check($input)) {
    PyErr_SetString(PyExc_TypeError, "Not a NumPy array");
    return NULL;
  }
  PyArrayObject* pyarray = (PyArrayObject*)$input;
  $1 = PyArray_NDIM(pyarray);
  int* dims = new int[$1];
  for (int d = 0; d < $1; d++) {
    dims[d] = int(PyArray_DIM(pyarray, d));
  }
  $2 = dims;
  $3 = (%[2]s*)PyArray_DATA(pyarray);
}
%%typemap(freearg) %[1]s {
  delete[] $2;
}`, params, a.Type)
}
