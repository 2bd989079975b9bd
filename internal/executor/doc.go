// Package executor runs execution plans produced by package planner against
// the subgraphs of a federated schema.
//
// # Execution Model
//
// Stages run strictly in order. Within a stage every request is issued
// concurrently (bounded by Options.MaxConcurrency) and the stage completes
// only when every call has returned, failed or timed out. Results are then
// merged into the working result tree in plan order, never in completion
// order, so concurrent completion cannot change the response shape.
//
// The working tree holds plain values and entity placeholders. While merging
// a request the executor walks the request's reference sites: for every
// object found at a site's path it reads the hidden key field and, for a
// reference field, leaves a placeholder at the field position. Each
// placeholder is bound to the requests of the next stage that complete it.
// Before those requests are issued their pending placeholders are collected,
// keys are deduplicated in first-encounter order, and one batched
// ResolveReferences call carries every key. When every target of a
// placeholder has settled it is replaced by the merged record, or by null if
// none succeeded.
//
// After the last stage the tree is projected onto the plan's shape: hidden
// key fields are dropped, aliases are kept, and __typename is answered from
// the schema.
//
// # Reply Correspondence
//
// Replies of key-matched subgraphs are matched to placeholders by canonical
// key (see subgraph.KeyString); duplicates keep the first reply and keys
// without a reply become per-position errors. Replies of positional subgraphs
// are matched by index.
//
// # Errors and Partial Success
//
// Subgraph failures never fail Execute. They are recorded as *Error values
// tagged with the response path they apply to:
//
//   - SubgraphUnavailable: the Health Gate reports the subgraph unhealthy (the
//     call is skipped) or the transport could not reach it.
//   - Timeout: the per-call deadline or the query deadline expired.
//   - TransportFailure: the call itself failed.
//   - ResolverError: the subgraph answered with an error for a position.
//
// A failed fields request records one error per top-level field it carried
// and writes null there. A failed references request records one error per
// entity position and splices null in. Sibling requests are unaffected.
//
// Execute only fails for malformed plans, returning an *InvariantError.
//
// # Cancellation
//
// Every call runs under its own deadline derived from the query context.
// A call whose resolver ignores its context is abandoned when the deadline
// passes. Once the query context is done, remaining stages are not started
// and every placeholder still waiting is resolved to null with a Timeout
// error.
package executor
