package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	eventbus "github.com/hanpama/fedgraph/internal/eventbus"
	events "github.com/hanpama/fedgraph/internal/events"
	health "github.com/hanpama/fedgraph/internal/health"
	planner "github.com/hanpama/fedgraph/internal/planner"
	query "github.com/hanpama/fedgraph/internal/query"
	schema "github.com/hanpama/fedgraph/internal/schema"
	subgraph "github.com/hanpama/fedgraph/internal/subgraph"
)

// Executor runs plans. It is safe for concurrent use.
type Executor struct {
	transport Transport
	opts      Options
}

// New creates an Executor calling subgraphs through transport.
func New(transport Transport, opts ...Option) *Executor {
	return &Executor{transport: transport, opts: buildOptions(opts...)}
}

// execution is the state of one Execute call. It is only touched by the
// goroutine running Execute; calls report back through outcomes.
type execution struct {
	plan    *planner.Plan
	root    map[string]any
	pending [][]*entityRef
	errors  []*Error
}

// batch is what a single request sends: for references requests, the
// deduplicated keys and, per key, the positions waiting on it.
type batch struct {
	keys      []any
	positions [][]*entityRef
}

type outcome struct {
	fields     *subgraph.FieldsResponse
	references *subgraph.ReferencesResponse
	err        *Error
	skipped    bool
}

// Execute runs p and returns the merged result. Subgraph failures are
// recorded in Result.Errors; only a malformed plan returns an error.
func (e *Executor) Execute(ctx context.Context, p *planner.Plan) (*Result, error) {
	if err := e.validate(p); err != nil {
		eventbus.Publish(ctx, events.PlanInvariantViolation{Err: err})
		return nil, err
	}
	run := &execution{
		plan:    p,
		root:    make(map[string]any),
		pending: make([][]*entityRef, len(p.Requests)),
	}
	for _, st := range p.Stages {
		if err := ctx.Err(); err != nil {
			run.abandon(st.Index, err)
			break
		}
		e.runStage(ctx, run, st)
	}
	return &Result{Data: project(run.root, p.Shape), Errors: run.errors}, nil
}

func (e *Executor) runStage(ctx context.Context, run *execution, st *planner.Stage) {
	start := time.Now()
	eventbus.Publish(ctx, events.StageStart{Index: st.Index, Requests: len(st.Requests)})

	batches := make([]batch, len(st.Requests))
	outcomes := make([]outcome, len(st.Requests))
	var g errgroup.Group
	if e.opts.MaxConcurrency > 0 {
		g.SetLimit(e.opts.MaxConcurrency)
	}
	for i, req := range st.Requests {
		if req.Kind == planner.ReferencesRequest {
			batches[i] = run.collect(req)
			if len(batches[i].keys) == 0 {
				outcomes[i].skipped = true
				continue
			}
		}
		g.Go(func() error {
			outcomes[i] = e.call(ctx, req, batches[i].keys)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, req := range st.Requests {
		if outcomes[i].skipped {
			continue
		}
		if outcomes[i].err != nil {
			failed++
		}
		switch req.Kind {
		case planner.FieldsRequest:
			run.mergeFields(req, outcomes[i])
		case planner.ReferencesRequest:
			run.mergeReferences(req, batches[i], outcomes[i])
		}
	}
	eventbus.Publish(ctx, events.StageFinish{Index: st.Index, Requests: len(st.Requests), Failed: failed, Duration: time.Since(start)})
}

// call issues one request under its own deadline. A resolver that ignores
// the deadline is abandoned; its late reply is discarded.
func (e *Executor) call(ctx context.Context, req *planner.Request, keys []any) outcome {
	start := time.Now()
	kind := string(req.Kind)
	eventbus.Publish(ctx, events.SubgraphCallStart{Request: req.ID, Subgraph: req.Subgraph, Kind: kind, Stage: req.Stage, Keys: len(keys)})
	o := e.invoke(ctx, req, keys)
	finish := events.SubgraphCallFinish{Request: req.ID, Subgraph: req.Subgraph, Kind: kind, Stage: req.Stage, Outcome: "ok", Duration: time.Since(start)}
	if o.err != nil {
		finish.Outcome = string(o.err.Kind)
		finish.Err = o.err
	}
	eventbus.Publish(ctx, finish)
	return o
}

func (e *Executor) invoke(ctx context.Context, req *planner.Request, keys []any) outcome {
	if e.opts.Health != nil && e.opts.Health.Status(req.Subgraph) == health.Unhealthy {
		return outcome{err: &Error{Kind: SubgraphUnavailable, Subgraph: req.Subgraph, Message: fmt.Sprintf("subgraph %s is unhealthy", req.Subgraph)}}
	}
	r, ok := e.transport.Resolver(req.Subgraph)
	if !ok {
		// validate guarantees presence; a transport may still drop a subgraph
		// concurrently.
		return outcome{err: &Error{Kind: SubgraphUnavailable, Subgraph: req.Subgraph, Message: fmt.Sprintf("subgraph %s is not reachable", req.Subgraph)}}
	}

	cctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		var o outcome
		var err error
		switch req.Kind {
		case planner.FieldsRequest:
			o.fields, err = r.ResolveFields(cctx, &subgraph.FieldsRequest{Type: req.Type, Selections: req.Selections})
		default:
			o.references, err = r.ResolveReferences(cctx, &subgraph.ReferencesRequest{Type: req.Type, KeyField: req.KeyField, Keys: keys, Selections: req.Selections})
		}
		if err != nil {
			o = outcome{err: classify(cctx, req.Subgraph, err)}
		}
		done <- o
	}()

	select {
	case o := <-done:
		return o
	case <-cctx.Done():
		return outcome{err: classify(cctx, req.Subgraph, cctx.Err())}
	}
}

func classify(ctx context.Context, sg string, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return &Error{Kind: Timeout, Subgraph: sg, Message: fmt.Sprintf("subgraph %s did not answer in time", sg), Err: err}
	case errors.Is(err, subgraph.ErrUnavailable):
		return &Error{Kind: SubgraphUnavailable, Subgraph: sg, Message: err.Error(), Err: err}
	default:
		return &Error{Kind: TransportFailure, Subgraph: sg, Message: err.Error(), Err: err}
	}
}

func (run *execution) record(kind ErrorKind, sg string, path Path, msg string, cause error) {
	run.errors = append(run.errors, &Error{Kind: kind, Subgraph: sg, Path: path, Message: msg, Err: cause})
}

func (run *execution) recordAt(e *Error, path Path) {
	c := *e
	c.Path = path
	run.errors = append(run.errors, &c)
}

func (run *execution) mergeFields(req *planner.Request, o outcome) {
	if o.err != nil {
		for _, sel := range req.Selections {
			run.root[sel.ResponseName()] = nil
			if isHidden(sel) {
				continue
			}
			run.recordAt(o.err, Path{sel.ResponseName()})
		}
		return
	}
	var data map[string]any
	if o.fields != nil {
		data = o.fields.Data
	}
	for _, sel := range req.Selections {
		run.root[sel.ResponseName()] = normalize(data[sel.ResponseName()])
	}
	if o.fields != nil {
		for _, fe := range o.fields.Errors {
			run.record(ResolverError, req.Subgraph, toPath(fe.Path), fe.Message, fe)
		}
	}
	for _, id := range req.Sites {
		run.discover(run.plan.Sites[id], run.root, nil)
	}
}

func (run *execution) mergeReferences(req *planner.Request, b batch, o outcome) {
	var results []subgraph.ReferenceResult
	if o.references != nil {
		results = o.references.Results
	}
	byKey := map[string]int{}
	if req.ReplyMode != schema.ReplyPositional {
		for i, res := range results {
			k := subgraph.KeyString(res.Key)
			if _, dup := byKey[k]; !dup {
				byKey[k] = i
			}
		}
	}

	for i, key := range b.keys {
		var res *subgraph.ReferenceResult
		if o.err == nil {
			if req.ReplyMode == schema.ReplyPositional {
				if i < len(results) {
					res = &results[i]
				}
			} else if j, ok := byKey[subgraph.KeyString(key)]; ok {
				res = &results[j]
			}
		}
		for _, ref := range b.positions[i] {
			switch {
			case o.err != nil:
				run.recordAt(o.err, ref.path)
				ref.settle(false)
			case res == nil:
				run.record(ResolverError, req.Subgraph, ref.path, fmt.Sprintf("%s %s: no result for key %s", req.Subgraph, req.Type, subgraph.KeyString(key)), nil)
				ref.settle(false)
			case res.Error != "" || res.Record == nil:
				msg := res.Error
				if msg == "" {
					msg = fmt.Sprintf("%s %s not found", req.Type, subgraph.KeyString(key))
				}
				run.record(ResolverError, req.Subgraph, ref.path, msg, nil)
				ref.settle(false)
			default:
				rec, _ := normalize(res.Record).(map[string]any)
				mergeInto(ref.obj, rec)
				for _, id := range req.Sites {
					run.discover(run.plan.Sites[id], ref.obj, ref.path)
				}
				ref.settle(true)
			}
		}
	}
}

// discover creates placeholders for every object at site's path under root.
func (run *execution) discover(site *planner.Site, root map[string]any, base Path) {
	walk(root, site.Path, base, func(obj map[string]any, at Path) {
		keyVal := obj[site.KeyField]
		if site.Field == "" {
			if keyVal == nil {
				return
			}
			run.bind(site, &entityRef{typ: site.Type, key: keyVal, path: at, obj: obj, extension: true})
			return
		}
		fieldPath := appendPath(at, site.Field)
		if !site.List {
			if keyVal == nil {
				obj[site.Field] = nil
				return
			}
			ref := &entityRef{typ: site.Type, key: keyVal, path: fieldPath, obj: map[string]any{}, set: func(v any) { obj[site.Field] = v }}
			obj[site.Field] = ref
			run.bind(site, ref)
			return
		}
		keys, ok := keyList(keyVal)
		if !ok {
			obj[site.Field] = nil
			return
		}
		list := make([]any, len(keys))
		obj[site.Field] = list
		for i, k := range keys {
			if k == nil {
				continue
			}
			ref := &entityRef{typ: site.Type, key: k, path: appendPath(fieldPath, i), obj: map[string]any{}, set: func(v any) { list[i] = v }}
			list[i] = ref
			run.bind(site, ref)
		}
	})
}

func (run *execution) bind(site *planner.Site, ref *entityRef) {
	ref.pending = len(site.Targets)
	if len(site.Targets) > 0 {
		ref.subgraph = run.plan.Requests[site.Targets[0]].Subgraph
	}
	for _, t := range site.Targets {
		run.pending[t] = append(run.pending[t], ref)
	}
	if ref.pending == 0 {
		ref.finish()
	}
}

// collect deduplicates the keys of the placeholders waiting on req.
func (run *execution) collect(req *planner.Request) batch {
	var b batch
	index := map[string]int{}
	for _, ref := range run.pending[req.ID] {
		if ref.settled {
			continue
		}
		k := subgraph.KeyString(ref.key)
		i, ok := index[k]
		if !ok {
			i = len(b.keys)
			index[k] = i
			b.keys = append(b.keys, ref.key)
			b.positions = append(b.positions, nil)
		}
		b.positions[i] = append(b.positions[i], ref)
	}
	return b
}

// abandon resolves every placeholder waiting on stage from or later with a
// Timeout error.
func (run *execution) abandon(from int, cause error) {
	for _, st := range run.plan.Stages[from:] {
		for _, req := range st.Requests {
			for _, ref := range run.pending[req.ID] {
				if ref.settled {
					continue
				}
				run.record(Timeout, ref.subgraph, ref.path, fmt.Sprintf("query deadline exceeded before stage %d", st.Index), cause)
				ref.resolved = false
				ref.finish()
			}
		}
	}
}

func (e *Executor) validate(p *planner.Plan) error {
	if p == nil {
		return &InvariantError{Kind: InvalidPlan, Message: "nil plan"}
	}
	for i, st := range p.Stages {
		if st.Index != i {
			return &InvariantError{Kind: InvalidPlan, Message: fmt.Sprintf("stage %d is numbered %d", i, st.Index)}
		}
		for _, req := range st.Requests {
			if req.Stage != i || p.Request(req.ID) != req {
				return &InvariantError{Kind: InvalidPlan, Message: fmt.Sprintf("request #%d is misplaced in stage %d", req.ID, i)}
			}
			if _, ok := e.transport.Resolver(req.Subgraph); !ok {
				return &InvariantError{Kind: InvalidPlan, Message: fmt.Sprintf("stage %d references subgraph %q absent from the transport", i, req.Subgraph)}
			}
		}
	}
	for _, site := range p.Sites {
		producer := p.Request(site.Request)
		if producer == nil {
			return &InvariantError{Kind: InvalidPlan, Message: fmt.Sprintf("site %d is produced by unknown request #%d", site.ID, site.Request)}
		}
		for _, id := range site.Targets {
			target := p.Request(id)
			if target == nil || target.Stage >= len(p.Stages) {
				return &InvariantError{Kind: PlanExhausted, Message: fmt.Sprintf("site %d is completed by request #%d past the last stage", site.ID, id)}
			}
			if target.Stage <= producer.Stage {
				return &InvariantError{Kind: InvalidPlan, Message: fmt.Sprintf("site %d of stage %d is completed in stage %d", site.ID, producer.Stage, target.Stage)}
			}
			if target.Kind != planner.ReferencesRequest || target.Type != site.Type {
				return &InvariantError{Kind: InvalidPlan, Message: fmt.Sprintf("site %d expects %s references, request #%d is %s %s", site.ID, site.Type, id, target.Kind, target.Type)}
			}
		}
	}
	return nil
}

func isHidden(sel *query.Selection) bool {
	return strings.HasPrefix(sel.Alias, planner.KeyAliasPrefix)
}

// toPath converts a wire path, where indexes may arrive as float64.
func toPath(p []any) Path {
	out := make(Path, len(p))
	for i, e := range p {
		switch v := e.(type) {
		case float64:
			out[i] = int(v)
		case int32:
			out[i] = int(v)
		case int64:
			out[i] = int(v)
		default:
			out[i] = v
		}
	}
	return out
}
