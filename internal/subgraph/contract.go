// Package subgraph defines the contract every owning service implements and
// the descriptor each one declares to the composer.
//
// A subgraph answers two kinds of calls:
//
//   - ResolveFields resolves a selection tree rooted at the Query type. Every
//     field in the tree is owned by the called subgraph (or is a key field it
//     holds a reference-only stub for).
//   - ResolveReferences completes a batch of entities of one type identified by
//     their key values, returning for each the fields selected.
//
// Reference replies are key-matched by default: every ReferenceResult carries
// the key it answers, so a subgraph may reply out of order, skip unknown keys
// or repeat a key. A subgraph that declares ReplyPositional instead promises
// that reply i answers key i.
package subgraph

import (
	"context"
	"errors"

	query "github.com/hanpama/fedgraph/internal/query"
	schema "github.com/hanpama/fedgraph/internal/schema"
)

// ErrUnavailable is wrapped by transports when a subgraph cannot be reached
// at all, as opposed to failing a call it received.
var ErrUnavailable = errors.New("subgraph unavailable")

// Resolver is the runtime surface of a subgraph consumed by the executor.
//
// Implementations must be safe for concurrent use and must honor ctx
// cancellation; the executor abandons calls at their per-call deadline.
type Resolver interface {
	ResolveFields(ctx context.Context, req *FieldsRequest) (*FieldsResponse, error)
	ResolveReferences(ctx context.Context, req *ReferencesRequest) (*ReferencesResponse, error)
}

// Service is a complete subgraph: a Resolver that can also describe itself.
type Service interface {
	Resolver
	Describe(ctx context.Context) (*Descriptor, error)
}

// FieldsRequest asks a subgraph to resolve root fields.
type FieldsRequest struct {
	// Type is the root type the selections apply to.
	Type       string             `json:"type"`
	Selections []*query.Selection `json:"selections"`
}

// FieldsResponse carries resolved values keyed by response name.
type FieldsResponse struct {
	Data   map[string]any `json:"data"`
	Errors []FieldError   `json:"errors,omitempty"`
}

// FieldError is an error reported for a position inside the subgraph's own
// response. Path is relative to the response data.
type FieldError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

func (e FieldError) Error() string { return e.Message }

// ReferencesRequest asks a subgraph to complete entities by key.
type ReferencesRequest struct {
	Type string `json:"type"`
	// KeyField is the name of the key field the keys are values of.
	KeyField   string             `json:"keyField"`
	Keys       []any              `json:"keys"`
	Selections []*query.Selection `json:"selections"`
}

// ReferencesResponse carries one result per answered key.
type ReferencesResponse struct {
	Results []ReferenceResult `json:"results"`
}

// ReferenceResult completes a single entity. Record holds the selected fields
// by response name. Error is set instead of Record when the entity could not
// be completed.
type ReferenceResult struct {
	Key    any            `json:"key"`
	Record map[string]any `json:"record,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ReplyMode re-exports the schema's reply correspondence modes.
type ReplyMode = schema.ReplyMode

const (
	ReplyKeyMatched = schema.ReplyKeyMatched
	ReplyPositional = schema.ReplyPositional
)
