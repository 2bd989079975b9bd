package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// SubgraphCallStart is emitted before the executor calls a subgraph.
type SubgraphCallStart struct {
	// Request is the plan request id, unique within one query.
	Request  int
	Subgraph string
	// Kind is "fields" or "references".
	Kind  string
	Stage int
	// Keys is the number of entity keys of a reference call.
	Keys int
}

// SubgraphCallFinish is emitted after a subgraph call settled. Outcome is
// "ok" or the execution error kind.
type SubgraphCallFinish struct {
	Request  int
	Subgraph string
	Kind     string
	Stage    int
	Outcome  string
	Err      error
	Duration time.Duration
}

// RPCClientStart is emitted before a gRPC call to a subgraph endpoint.
type RPCClientStart struct {
	Subgraph string
	Service  string
	Method   string
	Target   string
}

// RPCClientFinish is emitted after a gRPC call to a subgraph endpoint.
type RPCClientFinish struct {
	Subgraph string
	Service  string
	Method   string
	Target   string
	Code     codes.Code
	Err      error
	Duration time.Duration
}
