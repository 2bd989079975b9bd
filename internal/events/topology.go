package events

// CompositionFinished is emitted after every composition attempt. On failure
// Err is set and the previous schema stays in effect.
type CompositionFinished struct {
	Version   uint64
	Subgraphs []string
	Err       error
}

// HealthChanged is emitted when a subgraph's liveness state changes.
type HealthChanged struct {
	Subgraph string
	From     string
	To       string
	Message  string
}
