package jsonutil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Laisky/errors/v2"
)

// ErrKeyNotFound is matched by every selector miss returned from ValuePath.Apply.
var ErrKeyNotFound = errors.New("key not found")

// Selector is one segment of a dotted value path: an object key or an array index.
type Selector struct {
	Key     string
	Index   int
	IsIndex bool
}

// Key returns an object-field selector.
func Key(k string) Selector {
	return Selector{Key: k}
}

// Index returns an array-element selector.
func Index(i int) Selector {
	return Selector{Index: i, IsIndex: true}
}

func (s Selector) String() string {
	if s.IsIndex && s.Key == "" {
		return strconv.Itoa(s.Index)
	}
	return s.Key
}

// ValuePath is an ordered list of selectors. The zero value is the identity path.
type ValuePath struct {
	selectors []Selector
}

// ParsePath splits s on '.'. A segment made only of decimal digits is always an
// index, even when it is later applied to an object.
func ParsePath(s string) ValuePath {
	if s == "" {
		return ValuePath{}
	}
	parts := strings.Split(s, ".")
	selectors := make([]Selector, 0, len(parts))
	for _, part := range parts {
		selectors = append(selectors, parseSegment(part))
	}
	return ValuePath{selectors: selectors}
}

// NewPath builds a path from explicit selectors.
func NewPath(selectors ...Selector) ValuePath {
	if len(selectors) == 0 {
		return ValuePath{}
	}
	return ValuePath{selectors: append([]Selector(nil), selectors...)}
}

func parseSegment(part string) Selector {
	if part == "" || !isDigits(part) {
		return Key(part)
	}
	n, err := strconv.Atoi(part)
	if err != nil {
		// overflows int: still an index, and one that never matches
		return Selector{Key: part, Index: -1, IsIndex: true}
	}
	return Index(n)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// IsIdentity reports whether the path has no selectors.
func (p ValuePath) IsIdentity() bool {
	return len(p.selectors) == 0
}

// Selectors returns a copy of the path segments.
func (p ValuePath) Selectors() []Selector {
	return append([]Selector(nil), p.selectors...)
}

func (p ValuePath) String() string {
	parts := make([]string, 0, len(p.selectors))
	for _, s := range p.selectors {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, ".")
}

// KeyNotFoundError reports the first selector that had no match.
type KeyNotFoundError struct {
	Selector Selector
	// Depth is the zero-based position of Selector inside Path.
	Depth int
	Path  string
}

func (e *KeyNotFoundError) Error() string {
	if e == nil {
		return ""
	}
	kind := "key"
	if e.Selector.IsIndex {
		kind = "index"
	}
	return fmt.Sprintf("%s: %s %q at position %d of %q", ErrKeyNotFound.Error(), kind, e.Selector.String(), e.Depth, e.Path)
}

func (e *KeyNotFoundError) Is(target error) bool {
	return target == ErrKeyNotFound
}

// Apply walks root with each selector in turn. It has no side effects and
// returns sub-trees of root without copying them.
func (p ValuePath) Apply(root any) (any, error) {
	cur := root
	for i, sel := range p.selectors {
		next, ok := step(cur, sel)
		if !ok {
			return nil, &KeyNotFoundError{Selector: sel, Depth: i, Path: p.String()}
		}
		cur = next
	}
	return cur, nil
}

func step(cur any, sel Selector) (any, bool) {
	if sel.IsIndex {
		arr, ok := cur.([]any)
		if !ok {
			return nil, false
		}
		if sel.Index < 0 || sel.Index >= len(arr) {
			return nil, false
		}
		return arr[sel.Index], true
	}
	m, ok := cur.(map[string]any)
	if !ok {
		return nil, false
	}
	next, ok := m[sel.Key]
	return next, ok
}
