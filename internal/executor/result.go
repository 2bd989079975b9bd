package executor

import (
	"fmt"
	"strconv"
	"strings"
)

// Path is a response path: field response names and list indexes.
type Path []any

func (p Path) String() string {
	var b strings.Builder
	for i, elem := range p {
		switch v := elem.(type) {
		case int:
			b.WriteString("[")
			b.WriteString(strconv.Itoa(v))
			b.WriteString("]")
		default:
			if i > 0 {
				b.WriteString(".")
			}
			fmt.Fprint(&b, v)
		}
	}
	return b.String()
}

func appendPath(path Path, elem any) Path {
	out := make(Path, len(path)+1)
	copy(out, path)
	out[len(path)] = elem
	return out
}

// ErrorKind classifies execution errors.
type ErrorKind string

const (
	SubgraphUnavailable ErrorKind = "SUBGRAPH_UNAVAILABLE"
	Timeout             ErrorKind = "TIMEOUT"
	TransportFailure    ErrorKind = "TRANSPORT_FAILURE"
	ResolverError       ErrorKind = "RESOLVER_ERROR"
)

// Error is an execution error recorded at a response path. It never aborts
// the query.
type Error struct {
	Kind     ErrorKind
	Message  string
	Path     Path
	Subgraph string
	Err      error
}

func (e *Error) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Path, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// InvariantKind classifies malformed plans.
type InvariantKind string

const (
	InvalidPlan   InvariantKind = "INVALID_PLAN"
	PlanExhausted InvariantKind = "PLAN_EXHAUSTED"
)

// InvariantError reports a plan that cannot be executed. It indicates a bug
// in plan construction, never a runtime failure.
type InvariantError struct {
	Kind    InvariantKind
	Message string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("plan invariant violation (%s): %s", e.Kind, e.Message)
}

func (e *InvariantError) Is(target error) bool {
	t, ok := target.(*InvariantError)
	return ok && t.Kind == e.Kind
}

// Result is the merged response of an executed plan.
type Result struct {
	Data   map[string]any
	Errors []*Error
}
