package compose

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a composition failure.
type Kind string

const (
	// OwnershipConflict: two subgraphs own the same field, or declare it (or
	// an entity key) inconsistently.
	OwnershipConflict Kind = "OWNERSHIP_CONFLICT"
	// UnresolvableReference: a referenced type, a stubbed field or a split
	// entity has no live resolver.
	UnresolvableReference Kind = "UNRESOLVABLE_REFERENCE"
	// SubgraphUnhealthy: a subgraph owning declared fields is not healthy.
	SubgraphUnhealthy Kind = "SUBGRAPH_UNHEALTHY"
)

// Error is a single composition violation.
type Error struct {
	Kind      Kind
	Type      string
	Field     string
	Subgraphs []string
	Message   string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Type != "" {
		b.WriteString(" ")
		b.WriteString(e.Type)
		if e.Field != "" {
			b.WriteString(".")
			b.WriteString(e.Field)
		}
	}
	if len(e.Subgraphs) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Subgraphs, ", "))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Is matches another *Error of the same kind, so callers can test
// errors.Is(err, &compose.Error{Kind: compose.OwnershipConflict}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Type == "" || t.Type == e.Type) && (t.Field == "" || t.Field == e.Field)
}

// Errors aggregates every violation found by one composition attempt, in a
// deterministic order.
type Errors []*Error

func (es Errors) Error() string {
	if len(es) == 1 {
		return "composition failed: " + es[0].Error()
	}
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("composition failed with %d errors: %s", len(es), strings.Join(parts, "; "))
}

func (es Errors) Unwrap() []error {
	out := make([]error, len(es))
	for i, e := range es {
		out[i] = e
	}
	return out
}

// HasKind reports whether err contains a violation of kind k.
func HasKind(err error, k Kind) bool {
	return errors.Is(err, &Error{Kind: k})
}
