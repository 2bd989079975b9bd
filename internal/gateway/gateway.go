// Package gateway ties the pieces of a query together: it lowers the client
// operation, plans it against the current schema snapshot (caching plans per
// snapshot) and executes the plan.
package gateway

import (
	"context"
	"errors"
	"reflect"
	"time"

	lru "github.com/hashicorp/golang-lru"

	compose "github.com/hanpama/fedgraph/internal/compose"
	eventbus "github.com/hanpama/fedgraph/internal/eventbus"
	events "github.com/hanpama/fedgraph/internal/events"
	executor "github.com/hanpama/fedgraph/internal/executor"
	introspection "github.com/hanpama/fedgraph/internal/introspection"
	language "github.com/hanpama/fedgraph/internal/language"
	planner "github.com/hanpama/fedgraph/internal/planner"
	query "github.com/hanpama/fedgraph/internal/query"
	schema "github.com/hanpama/fedgraph/internal/schema"
)

// ErrNoSchema is returned while no composition has succeeded yet.
var ErrNoSchema = errors.New("no composed schema available")

const defaultPlanCacheSize = 256

// Options configure a Gateway.
type Options struct {
	// PlanCacheSize is the number of plans kept. Default 256; negative
	// disables the cache.
	PlanCacheSize int
}

type Option func(*Options)

func WithPlanCacheSize(n int) Option { return func(o *Options) { o.PlanCacheSize = n } }

// Request is a single client operation.
type Request struct {
	Query         string
	OperationName string
	Variables     map[string]any
}

// Response is the answer to a Request. Errors holds request errors (parse,
// plan or schema availability), in which case Data is nil, or the execution
// errors recorded alongside partial Data.
type Response struct {
	Data   map[string]any
	Errors []error
}

// Gateway answers client operations. It is safe for concurrent use.
type Gateway struct {
	holder *compose.Holder
	exec   *executor.Executor
	plans  *lru.Cache
}

type planKey struct {
	version uint64
	hash    uint64
}

type cachedPlan struct {
	selections []*query.Selection
	plan       *planner.Plan
}

// New creates a Gateway reading schema snapshots from holder.
func New(holder *compose.Holder, exec *executor.Executor, opts ...Option) (*Gateway, error) {
	o := Options{PlanCacheSize: defaultPlanCacheSize}
	for _, fn := range opts {
		fn(&o)
	}
	g := &Gateway{holder: holder, exec: exec}
	if o.PlanCacheSize == 0 {
		o.PlanCacheSize = defaultPlanCacheSize
	}
	if o.PlanCacheSize > 0 {
		c, err := lru.New(o.PlanCacheSize)
		if err != nil {
			return nil, err
		}
		g.plans = c
	}
	return g, nil
}

// Schema returns the schema snapshot currently in effect, or nil.
func (g *Gateway) Schema() *schema.Schema { return g.holder.Current() }

// Execute answers req against the current schema snapshot. The snapshot is
// read once, so a concurrent recomposition never affects a running query.
func (g *Gateway) Execute(ctx context.Context, req Request) *Response {
	start := time.Now()
	s := g.holder.Current()
	var version uint64
	if s != nil {
		version = s.Version
	}
	eventbus.Publish(ctx, events.QueryStart{OperationName: req.OperationName, SchemaVersion: version})

	finish := events.QueryFinish{OperationName: req.OperationName, SchemaVersion: version}
	resp := g.execute(ctx, s, req, &finish)
	finish.Errors = resp.Errors
	finish.Duration = time.Since(start)
	eventbus.Publish(ctx, finish)
	return resp
}

func (g *Gateway) execute(ctx context.Context, s *schema.Schema, req Request, finish *events.QueryFinish) *Response {
	if s == nil {
		return failed(ErrNoSchema)
	}
	prepared, err := language.PrepareSource(req.Query, req.OperationName, req.Variables)
	if err != nil {
		return failed(err)
	}
	if prepared.Name != "" {
		finish.OperationName = prepared.Name
	}
	meta, sels := introspection.Split(prepared.Selections)
	var metaData map[string]any
	if len(meta) > 0 {
		if metaData, err = introspection.Resolve(s, meta); err != nil {
			return failed(err)
		}
	}
	p, cached, err := g.plan(s, sels)
	if err != nil {
		return failed(err)
	}
	finish.PlanCached = cached
	finish.Stages = len(p.Stages)

	res, err := g.exec.Execute(ctx, p)
	if err != nil {
		return failed(err)
	}
	out := &Response{Data: res.Data}
	if len(metaData) > 0 {
		if out.Data == nil {
			out.Data = make(map[string]any, len(metaData))
		}
		for k, v := range metaData {
			out.Data[k] = v
		}
	}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, e)
	}
	return out
}

// Plan returns the plan for sels against s, from the cache when possible.
func (g *Gateway) plan(s *schema.Schema, sels []*query.Selection) (*planner.Plan, bool, error) {
	if g.plans == nil {
		p, err := planner.Build(s, sels)
		return p, false, err
	}
	key := planKey{version: s.Version, hash: query.Hash(sels)}
	if v, ok := g.plans.Get(key); ok {
		entry := v.(*cachedPlan)
		if reflect.DeepEqual(entry.selections, sels) {
			return entry.plan, true, nil
		}
	}
	p, err := planner.Build(s, sels)
	if err != nil {
		return nil, false, err
	}
	g.plans.Add(key, &cachedPlan{selections: sels, plan: p})
	return p, false, nil
}

func failed(err error) *Response { return &Response{Errors: []error{err}} }
