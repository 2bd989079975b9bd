package planner

import (
	"fmt"
	"strings"
)

// ErrorKind classifies planning failures.
type ErrorKind string

const (
	// UnknownField: a requested field has no owner in the schema.
	UnknownField ErrorKind = "UNKNOWN_FIELD"
	// NoSuchType: a requested nested type is not declared by any subgraph.
	NoSuchType ErrorKind = "NO_SUCH_TYPE"
)

// Error is a planning failure. It is fatal to the query that caused it.
type Error struct {
	Kind  ErrorKind
	Type  string
	Field string
	// Path is the response path of the offending selection.
	Path    []string
	Message string
}

func (e *Error) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s at %s: %s", e.Kind, strings.Join(e.Path, "."), e.Message)
}

// Is matches an *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func unknownField(typ, field string, path []string, format string, args ...any) *Error {
	return &Error{Kind: UnknownField, Type: typ, Field: field, Path: path, Message: fmt.Sprintf(format, args...)}
}

func noSuchType(typ, field string, path []string, format string, args ...any) *Error {
	return &Error{Kind: NoSuchType, Type: typ, Field: field, Path: path, Message: fmt.Sprintf(format, args...)}
}
