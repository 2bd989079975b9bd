package events

import "time"

// QueryStart is emitted before a client query is planned.
type QueryStart struct {
	OperationName string
	SchemaVersion uint64
}

// QueryFinish is emitted after a client query has been answered.
type QueryFinish struct {
	OperationName string
	SchemaVersion uint64
	Stages        int
	// PlanCached is true when the plan came from the plan cache.
	PlanCached bool
	Errors     []error
	Duration   time.Duration
}

// StageStart is emitted when the executor starts a plan stage.
type StageStart struct {
	Index    int
	Requests int
}

// StageFinish is emitted once every call of a stage has settled.
type StageFinish struct {
	Index    int
	Requests int
	Failed   int
	Duration time.Duration
}

// PlanInvariantViolation is emitted when a plan cannot be executed because it
// is malformed. It always indicates a bug.
type PlanInvariantViolation struct {
	Err error
}
