// Package topology keeps the composed schema in step with the subgraphs: it
// fetches their descriptors, recomposes through a compose.Holder and
// recomposes again whenever a subgraph's health changes.
package topology

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	compose "github.com/hanpama/fedgraph/internal/compose"
	eventbus "github.com/hanpama/fedgraph/internal/eventbus"
	events "github.com/hanpama/fedgraph/internal/events"
	health "github.com/hanpama/fedgraph/internal/health"
	schema "github.com/hanpama/fedgraph/internal/schema"
	subgraph "github.com/hanpama/fedgraph/internal/subgraph"
)

// Directory lists the configured subgraphs.
type Directory interface {
	Names() []string
	Service(name string) (subgraph.Service, bool)
}

// StaticDirectory is a fixed Directory.
type StaticDirectory map[string]subgraph.Service

func (d StaticDirectory) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d StaticDirectory) Service(name string) (subgraph.Service, bool) {
	s, ok := d[name]
	return s, ok && s != nil
}

// Options configure a Manager.
type Options struct {
	// DescribeTimeout bounds each Describe call. Default 5s.
	DescribeTimeout time.Duration
	// RefreshInterval re-fetches every descriptor periodically while Run is
	// active. Zero disables periodic refresh.
	RefreshInterval time.Duration
}

type Option func(*Options)

func WithDescribeTimeout(d time.Duration) Option { return func(o *Options) { o.DescribeTimeout = d } }
func WithRefreshInterval(d time.Duration) Option { return func(o *Options) { o.RefreshInterval = d } }

// Manager owns the set of descriptors the gateway composes from.
type Manager struct {
	holder *compose.Holder
	gate   *health.Gate
	dir    Directory
	opts   Options

	mu          sync.Mutex
	descriptors map[string]subgraph.Descriptor
	removed     map[string]bool
}

func NewManager(holder *compose.Holder, gate *health.Gate, dir Directory, opts ...Option) *Manager {
	o := Options{DescribeTimeout: 5 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	if o.DescribeTimeout <= 0 {
		o.DescribeTimeout = 5 * time.Second
	}
	for _, name := range dir.Names() {
		gate.Register(name)
	}
	return &Manager{
		holder:      holder,
		gate:        gate,
		dir:         dir,
		opts:        o,
		descriptors: map[string]subgraph.Descriptor{},
		removed:     map[string]bool{},
	}
}

// Refresh fetches every descriptor concurrently and recomposes. A subgraph
// whose Describe fails keeps its previous descriptor; one that never
// answered is left out of the composition. Fetch failures are joined with the
// composition error.
func (m *Manager) Refresh(ctx context.Context) (*schema.Schema, error) {
	names := m.active()
	fetched := make([]*subgraph.Descriptor, len(names))
	fetchErrs := make([]error, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			svc, ok := m.dir.Service(name)
			if !ok {
				fetchErrs[i] = fmt.Errorf("subgraph %s is not in the directory", name)
				return nil
			}
			dctx, cancel := context.WithTimeout(gctx, m.opts.DescribeTimeout)
			defer cancel()
			d, err := svc.Describe(dctx)
			if err != nil {
				fetchErrs[i] = fmt.Errorf("describe %s: %w", name, err)
				return nil
			}
			if d.Name != name {
				fetchErrs[i] = fmt.Errorf("describe %s: descriptor is named %q", name, d.Name)
				return nil
			}
			fetched[i] = d
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	for i, d := range fetched {
		if d != nil && !m.removed[names[i]] {
			m.descriptors[names[i]] = *d
		}
	}
	m.mu.Unlock()

	s, err := m.Recompose(ctx)
	if ferr := errors.Join(fetchErrs...); ferr != nil {
		return s, errors.Join(ferr, err)
	}
	return s, err
}

// Recompose composes the known descriptors with their current health.
func (m *Manager) Recompose(ctx context.Context) (*schema.Schema, error) {
	return m.holder.Recompose(ctx, m.Descriptors(), m.gate)
}

// Deregister removes name from the topology and from the gate, then
// recomposes without it.
func (m *Manager) Deregister(ctx context.Context, name string) (*schema.Schema, error) {
	m.mu.Lock()
	m.removed[name] = true
	delete(m.descriptors, name)
	m.mu.Unlock()
	m.gate.Deregister(name)
	return m.Recompose(ctx)
}

// Descriptors returns the known descriptors sorted by name.
func (m *Manager) Descriptors() []subgraph.Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]subgraph.Descriptor, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, name := range m.dir.Names() {
		if !m.removed[name] {
			names = append(names, name)
		}
	}
	return names
}

// missing reports whether an active subgraph has never been described.
func (m *Manager) missing() bool {
	names := m.active()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		if _, ok := m.descriptors[name]; !ok {
			return true
		}
	}
	return false
}

// Run refreshes once, then recomposes on every health transition (re-fetching
// descriptors that are still missing) and on the refresh interval, until ctx
// is done. Composition failures keep the previous schema and are reported
// through CompositionFinished events.
func (m *Manager) Run(ctx context.Context) error {
	changed := make(chan struct{}, 1)
	unsubscribe := eventbus.Subscribe(func(_ context.Context, e events.HealthChanged) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	_, _ = m.Refresh(ctx)

	var tick <-chan time.Time
	if m.opts.RefreshInterval > 0 {
		ticker := time.NewTicker(m.opts.RefreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			if m.missing() {
				_, _ = m.Refresh(ctx)
			} else {
				_, _ = m.Recompose(ctx)
			}
		case <-tick:
			_, _ = m.Refresh(ctx)
		}
	}
}
