package pool

import (
	"fmt"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/r9s-ai/reqpool/pkg/jsonutil"
)

var (
	// ErrUndefinedRequest is returned when a target or Ref names neither a
	// definition nor a seeded value.
	ErrUndefinedRequest = errors.New("undefined request")
	// ErrKeyNotFound is returned when a value path has no match in a response.
	ErrKeyNotFound = jsonutil.ErrKeyNotFound
	// ErrURLBuild is returned when the substituted URL is malformed or not absolute.
	ErrURLBuild = errors.New("url build failed")
	// ErrNetwork covers transport, connection and non-2xx status failures.
	ErrNetwork = errors.New("network error")
	// ErrJSONDecode is returned when a response body is not a single JSON document.
	ErrJSONDecode = errors.New("json decode failed")
	// ErrTransportInit is returned by New when the HTTP client cannot be built.
	ErrTransportInit = errors.New("transport init failed")
	// ErrCycleDetected is returned when a name is resolved while already on the
	// active call chain.
	ErrCycleDetected = errors.New("cycle detected")
	// ErrValueNotFound is returned by Value for names with no memoized value.
	ErrValueNotFound = errors.New("value not found")
)

// classifiedError ties a cause to one of the sentinels above.
type classifiedError struct {
	kind error
	err  error
}

func classify(kind, err error) error {
	return &classifiedError{kind: kind, err: err}
}

func (e *classifiedError) Error() string {
	if e.err == nil {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *classifiedError) Is(target error) bool { return target == e.kind }

func (e *classifiedError) Unwrap() error { return e.err }

// StatusError reports a response outside the 2xx range. It matches ErrNetwork.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request %s %s failed: status=%d body=%s", e.Method, e.URL, e.Status, e.Body)
}

func (e *StatusError) Is(target error) bool { return target == ErrNetwork }

// CycleError lists the call chain that re-entered Name. It matches ErrCycleDetected.
type CycleError struct {
	Name  string
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected resolving %q: %s", e.Name, strings.Join(e.Chain, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCycleDetected }
