package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when the gateway endpoint receives a request.
// Context carries the request context.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is emitted after the endpoint wrote its response. Queries is the
// number of operations in the request (more than one for batches).
type HTTPFinish struct {
	Request  *http.Request
	Status   int
	Queries  int
	Duration time.Duration
}
