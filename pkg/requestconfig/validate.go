package requestconfig

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/r9s-ai/reqpool/pkg/request"
)

var (
	ErrUnknownReference = errors.New("unknown reference")
	ErrReferenceCycle   = errors.New("reference cycle")
	ErrEmptyURL         = errors.New("url is empty")
	ErrInvalidMethod    = errors.New("invalid method")
)

// ValidationIssue carries the request name and field a problem was found in.
type ValidationIssue struct {
	Name  string
	Field string
	Err   error
}

func (e *ValidationIssue) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	switch {
	case e.Name == "":
		return e.Err.Error()
	case e.Field == "":
		return fmt.Sprintf("request %q: %v", e.Name, e.Err)
	default:
		return fmt.Sprintf("request %q %s: %v", e.Name, e.Field, e.Err)
	}
}

func (e *ValidationIssue) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func issue(name, field string, err error) error {
	if err == nil {
		return nil
	}
	return &ValidationIssue{Name: name, Field: field, Err: err}
}

// Validate reports static problems a pool would only hit while resolving:
// empty URLs, unsupported methods, references to names that are neither
// defined nor in seeded, and reference cycles. Seeded names shadow
// definitions, so edges into them do not form cycles. Issues are ordered by
// request name.
func Validate(defs map[string]request.Definition, seeded []string) []error {
	known := make(map[string]bool, len(seeded))
	for _, s := range seeded {
		known[s] = true
	}

	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)

	var issues []error
	for _, name := range names {
		def := defs[name]
		if def.Method != request.MethodGet && def.Method != request.MethodPost {
			issues = append(issues, issue(name, "method", errors.Wrapf(ErrInvalidMethod, "%q", def.Method)))
		}
		if strings.TrimSpace(def.URL) == "" {
			issues = append(issues, issue(name, "url", ErrEmptyURL))
		}
		for i, a := range def.Path {
			if err := checkRef(defs, known, a); err != nil {
				issues = append(issues, issue(name, fmt.Sprintf("path[%d]", i), err))
			}
		}
		for _, k := range def.ParamKeys() {
			if err := checkRef(defs, known, def.Params[k]); err != nil {
				issues = append(issues, issue(name, "params."+k, err))
			}
		}
	}

	for _, cycle := range findCycles(defs, known, names) {
		issues = append(issues, issue(cycle[0], "", errors.Wrapf(ErrReferenceCycle, "%s", strings.Join(cycle, " -> "))))
	}
	return issues
}

func checkRef(defs map[string]request.Definition, known map[string]bool, a request.Argument) error {
	if a.Kind() != request.KindRef {
		return nil
	}
	if _, ok := defs[a.Name()]; ok || known[a.Name()] {
		return nil
	}
	return errors.Wrapf(ErrUnknownReference, "%q", a.Name())
}

// findCycles runs a depth-first search over reference edges and returns each
// back edge as the closed chain of names it completes.
func findCycles(defs map[string]request.Definition, seeded map[string]bool, names []string) [][]string {
	const (
		unvisited = iota
		active
		done
	)
	state := make(map[string]int, len(defs))
	var (
		stack    []string
		cycles   [][]string
		reported = map[[2]string]bool{}
		visit    func(name string)
	)
	visit = func(name string) {
		state[name] = active
		stack = append(stack, name)
		for _, ref := range defs[name].Refs() {
			if seeded[ref] {
				continue
			}
			if _, ok := defs[ref]; !ok {
				continue
			}
			switch state[ref] {
			case unvisited:
				visit(ref)
			case active:
				edge := [2]string{name, ref}
				if reported[edge] {
					continue
				}
				reported[edge] = true
				start := 0
				for i, n := range stack {
					if n == ref {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), stack[start:]...), ref)
				cycles = append(cycles, cycle)
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
	}
	for _, name := range names {
		if seeded[name] || state[name] != unvisited {
			continue
		}
		visit(name)
	}
	return cycles
}
