// Package health tracks the last known liveness of each subgraph.
//
// The Gate is written only by the health-probing collaborator (see package
// probe) and read by the composer and the executor. Each registered subgraph
// owns its own state cell; observing one subgraph never blocks readers of
// another.
package health

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	eventbus "github.com/hanpama/fedgraph/internal/eventbus"
	events "github.com/hanpama/fedgraph/internal/events"
)

// Status is the liveness state of a subgraph.
type Status int32

const (
	Unknown Status = iota
	Healthy
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ProbeResult is the outcome of a single liveness probe.
type ProbeResult struct {
	Healthy bool
	// Err explains an unhealthy result. Optional.
	Err error
	// At is when the probe completed. Zero means now.
	At time.Time
}

// Observation is the last probe result recorded for a subgraph.
type Observation struct {
	Status  Status
	Message string
	At      time.Time
	// Since is when the subgraph entered Status.
	Since time.Time
}

// Reader is the read side of the gate consulted before routing calls.
type Reader interface {
	Status(subgraph string) Status
}

type entry struct {
	status atomic.Int32
	last   atomic.Pointer[Observation]
	// writeMu serializes observers of the same subgraph so transitions are
	// reported exactly once.
	writeMu sync.Mutex
}

// Gate holds per-subgraph liveness state.
type Gate struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewGate returns a gate with the given subgraphs registered as Unknown.
func NewGate(subgraphs ...string) *Gate {
	g := &Gate{entries: make(map[string]*entry, len(subgraphs))}
	for _, name := range subgraphs {
		g.Register(name)
	}
	return g
}

var _ Reader = (*Gate)(nil)

// Register adds a subgraph in the Unknown state. Registering an existing
// subgraph keeps its state.
func (g *Gate) Register(subgraph string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[subgraph]; ok {
		return
	}
	g.entries[subgraph] = &entry{}
}

// Deregister removes a subgraph from the gate. This is the only way state is
// ever deleted; it follows removal of the subgraph from the topology.
func (g *Gate) Deregister(subgraph string) {
	g.mu.Lock()
	delete(g.entries, subgraph)
	g.mu.Unlock()
}

// Status returns the last known state of subgraph. Unregistered subgraphs are
// Unknown.
func (g *Gate) Status(subgraph string) Status {
	e := g.lookup(subgraph)
	if e == nil {
		return Unknown
	}
	return Status(e.status.Load())
}

// Last returns the last observation for subgraph.
func (g *Gate) Last(subgraph string) (Observation, bool) {
	e := g.lookup(subgraph)
	if e == nil {
		return Observation{}, false
	}
	if o := e.last.Load(); o != nil {
		return *o, true
	}
	return Observation{Status: Unknown}, true
}

// Observe records a probe result. Observing an unregistered subgraph registers
// it first.
func (g *Gate) Observe(ctx context.Context, subgraph string, res ProbeResult) {
	e := g.lookup(subgraph)
	if e == nil {
		g.Register(subgraph)
		e = g.lookup(subgraph)
		if e == nil {
			// deregistered concurrently
			return
		}
	}

	at := res.At
	if at.IsZero() {
		at = time.Now()
	}
	next := Unhealthy
	if res.Healthy {
		next = Healthy
	}
	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}

	e.writeMu.Lock()
	prev := Status(e.status.Load())
	since := at
	if old := e.last.Load(); old != nil && prev == next {
		since = old.Since
	}
	e.last.Store(&Observation{Status: next, Message: msg, At: at, Since: since})
	e.status.Store(int32(next))
	e.writeMu.Unlock()

	if prev != next {
		eventbus.Publish(ctx, events.HealthChanged{Subgraph: subgraph, From: prev.String(), To: next.String(), Message: msg})
	}
}

// Snapshot returns the current status of every registered subgraph.
func (g *Gate) Snapshot() map[string]Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]Status, len(g.entries))
	for name, e := range g.entries {
		out[name] = Status(e.status.Load())
	}
	return out
}

// Subgraphs returns the registered subgraph names, sorted.
func (g *Gate) Subgraphs() []string {
	g.mu.RLock()
	names := make([]string, 0, len(g.entries))
	for name := range g.entries {
		names = append(names, name)
	}
	g.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (g *Gate) lookup(subgraph string) *entry {
	g.mu.RLock()
	e := g.entries[subgraph]
	g.mu.RUnlock()
	return e
}

// Static is a fixed Reader, useful when liveness is known up front.
type Static map[string]Status

func (s Static) Status(subgraph string) Status { return s[subgraph] }
