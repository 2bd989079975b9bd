// Package probe polls subgraph liveness and writes the results into a
// health.Gate. It is the only writer of the gate in a running gateway.
package probe

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	health "github.com/hanpama/fedgraph/internal/health"
)

// Checker probes one subgraph. A nil error means healthy.
type Checker interface {
	Check(ctx context.Context, subgraph string) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, subgraph string) error

func (f CheckerFunc) Check(ctx context.Context, subgraph string) error { return f(ctx, subgraph) }

// Options configure a Poller.
type Options struct {
	// Interval between probe rounds. Default 5s.
	Interval time.Duration
	// Timeout bounds each probe. Default 2s.
	Timeout time.Duration
}

type Option func(*Options)

func WithInterval(d time.Duration) Option { return func(o *Options) { o.Interval = d } }
func WithTimeout(d time.Duration) Option  { return func(o *Options) { o.Timeout = d } }

// Poller probes every subgraph registered with the gate on an interval.
type Poller struct {
	gate    *health.Gate
	checker Checker
	opts    Options
}

func NewPoller(gate *health.Gate, checker Checker, opts ...Option) *Poller {
	o := Options{Interval: 5 * time.Second, Timeout: 2 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	return &Poller{gate: gate, checker: checker, opts: o}
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		p.ProbeOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProbeOnce probes every registered subgraph concurrently and returns once
// all results are observed. Probes cut short by ctx are not recorded.
func (p *Poller) ProbeOnce(ctx context.Context) {
	var g errgroup.Group
	for _, name := range p.gate.Subgraphs() {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
			defer cancel()
			err := p.checker.Check(pctx, name)
			if ctx.Err() != nil {
				return nil
			}
			p.gate.Observe(ctx, name, health.ProbeResult{Healthy: err == nil, Err: err, At: time.Now()})
			return nil
		})
	}
	_ = g.Wait()
}
