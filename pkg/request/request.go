// Package request holds the immutable value model of one named HTTP call:
// its method, URL template, path and query arguments, and result extractor.
package request

import (
	"net/http"
	"sort"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/r9s-ai/reqpool/pkg/jsonutil"
)

// Method is the HTTP verb of a definition. Only GET and POST are declared.
type Method string

const (
	MethodGet  Method = http.MethodGet
	MethodPost Method = http.MethodPost
)

// ParseMethod accepts the verb in any letter case.
func ParseMethod(s string) (Method, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case http.MethodGet:
		return MethodGet, nil
	case http.MethodPost:
		return MethodPost, nil
	default:
		return "", errors.Errorf("unsupported method %q (expect: Get|Post)", s)
	}
}

// ArgumentKind tags the two Argument variants.
type ArgumentKind int

const (
	KindConst ArgumentKind = iota + 1
	KindRef
)

func (k ArgumentKind) String() string {
	switch k {
	case KindConst:
		return "Const"
	case KindRef:
		return "Ref"
	default:
		return "Invalid"
	}
}

// Argument is either a literal JSON constant or a reference to the resolved
// value of another named request. Build one with Const or Ref; the zero value
// is invalid.
type Argument struct {
	kind  ArgumentKind
	value any
	name  string
}

// Const returns a literal argument.
func Const(v any) Argument {
	return Argument{kind: KindConst, value: v}
}

// Ref returns an argument that resolves the named request.
func Ref(name string) Argument {
	return Argument{kind: KindRef, name: name}
}

func (a Argument) Kind() ArgumentKind { return a.kind }

// Value is the constant of a Const argument, nil otherwise.
func (a Argument) Value() any { return a.value }

// Name is the referenced request of a Ref argument, "" otherwise.
func (a Argument) Name() string { return a.name }

func (a Argument) String() string {
	switch a.kind {
	case KindConst:
		s, err := jsonutil.Render(a.value)
		if err != nil {
			return "Const(?)"
		}
		return "Const(" + s + ")"
	case KindRef:
		return "Ref(" + a.name + ")"
	default:
		return "Invalid"
	}
}

// Definition declares one named request.
type Definition struct {
	Method Method
	// URL is the base URL; Path segments are appended to it with '/'.
	URL    string
	Path   []Argument
	Params map[string]Argument
	Value  jsonutil.ValuePath
}

// Clone returns a deep copy of the argument containers so later changes made
// by the caller do not leak into a pool.
func (d Definition) Clone() Definition {
	out := d
	out.Path = append([]Argument(nil), d.Path...)
	if d.Params != nil {
		out.Params = make(map[string]Argument, len(d.Params))
		for k, v := range d.Params {
			out.Params[k] = v
		}
	}
	return out
}

// ParamKeys returns the query parameter keys in lexicographic order.
func (d Definition) ParamKeys() []string {
	keys := make([]string, 0, len(d.Params))
	for k := range d.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Refs lists every referenced name, path arguments first, then params in key order.
func (d Definition) Refs() []string {
	var out []string
	for _, a := range d.Path {
		if a.kind == KindRef {
			out = append(out, a.name)
		}
	}
	for _, k := range d.ParamKeys() {
		if a := d.Params[k]; a.kind == KindRef {
			out = append(out, a.name)
		}
	}
	return out
}
