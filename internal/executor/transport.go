package executor

import (
	subgraph "github.com/hanpama/fedgraph/internal/subgraph"
)

// Transport resolves subgraph names to callable resolvers.
type Transport interface {
	Resolver(name string) (subgraph.Resolver, bool)
}

// StaticTransport is a fixed Transport, typically of in-process subgraphs.
type StaticTransport map[string]subgraph.Resolver

func (t StaticTransport) Resolver(name string) (subgraph.Resolver, bool) {
	r, ok := t[name]
	return r, ok && r != nil
}
