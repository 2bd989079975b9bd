package compose

import (
	"context"
	"sync"
	"sync/atomic"

	eventbus "github.com/hanpama/fedgraph/internal/eventbus"
	events "github.com/hanpama/fedgraph/internal/events"
	health "github.com/hanpama/fedgraph/internal/health"
	schema "github.com/hanpama/fedgraph/internal/schema"
	subgraph "github.com/hanpama/fedgraph/internal/subgraph"
)

// Holder publishes the current schema snapshot. Readers load it without
// locking; a failed recomposition leaves the previous snapshot in place.
type Holder struct {
	current atomic.Pointer[schema.Schema]
	// mu serializes recompositions so versions increase monotonically.
	mu      sync.Mutex
	version uint64
	lastErr error
}

// NewHolder returns an empty holder. Current returns nil until the first
// successful Recompose.
func NewHolder() *Holder { return &Holder{} }

// Current returns the published schema, or nil.
func (h *Holder) Current() *schema.Schema { return h.current.Load() }

// LastError returns the error of the most recent recomposition, or nil when
// it succeeded.
func (h *Holder) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Recompose stamps each descriptor with its status from gate, composes, and
// on success publishes the result under the next version. A nil gate treats
// every subgraph as healthy.
func (h *Holder) Recompose(ctx context.Context, descriptors []subgraph.Descriptor, gate health.Reader) (*schema.Schema, error) {
	stamped := make([]subgraph.Descriptor, len(descriptors))
	names := make([]string, len(descriptors))
	for i, d := range descriptors {
		status := health.Healthy
		if gate != nil {
			status = gate.Status(d.Name)
		}
		stamped[i] = d.WithStatus(status)
		names[i] = d.Name
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s, err := Compose(stamped)
	h.lastErr = err
	if err != nil {
		var version uint64
		if prev := h.current.Load(); prev != nil {
			version = prev.Version
		}
		eventbus.Publish(ctx, events.CompositionFinished{Version: version, Subgraphs: names, Err: err})
		return nil, err
	}
	h.version++
	s.Version = h.version
	h.current.Store(s)
	eventbus.Publish(ctx, events.CompositionFinished{Version: s.Version, Subgraphs: names})
	return s, nil
}
