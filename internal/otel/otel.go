// Package otel turns gateway events into OpenTelemetry spans: one per HTTP
// request, query, plan stage, subgraph call and gRPC round trip.
package otel

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	eventbus "github.com/hanpama/fedgraph/internal/eventbus"
	events "github.com/hanpama/fedgraph/internal/events"
	reqid "github.com/hanpama/fedgraph/internal/reqid"
)

const tracerName = "fedgraph"

// Setup configures an OTLP/gRPC exporter and attaches the span subscriber.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)
	unsubscribe := Subscribe(tp.Tracer(tracerName))
	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

type stageKey struct {
	rid   string
	index int
}

type callKey struct {
	rid     string
	request int
}

type rpcKey struct {
	rid      string
	subgraph string
	method   string
}

type subscriber struct {
	tracer trace.Tracer

	httpSpans  sync.Map // rid -> trace.Span
	querySpans sync.Map // rid -> trace.Span
	stageSpans sync.Map // stageKey -> trace.Span
	callSpans  sync.Map // callKey -> trace.Span

	// rpc spans of the same key may overlap; they are ended first in, first
	// out.
	rpcMu    sync.Mutex
	rpcSpans map[rpcKey][]trace.Span
}

// Subscribe records spans with tracer until the returned function is called.
func Subscribe(tracer trace.Tracer) (unsubscribe func()) {
	s := &subscriber{tracer: tracer, rpcSpans: map[rpcKey][]trace.Span{}}
	return s.register()
}

func requestID(ctx context.Context) string {
	rid, _ := reqid.FromContext(ctx)
	return rid
}

// parent returns ctx carrying the innermost span found under keys.
func parent(ctx context.Context, spans ...func() (any, bool)) context.Context {
	for _, load := range spans {
		if v, ok := load(); ok {
			return trace.ContextWithSpan(ctx, v.(trace.Span))
		}
	}
	return ctx
}

func end(m *sync.Map, key any, fn func(trace.Span)) {
	v, ok := m.LoadAndDelete(key)
	if !ok {
		return
	}
	span := v.(trace.Span)
	fn(span)
	span.End()
}

func fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (s *subscriber) register() func() {
	offs := []func(){
		eventbus.Subscribe(func(ctx context.Context, e events.HTTPStart) {
			_, span := s.tracer.Start(ctx, "http.request")
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
			)
			s.httpSpans.Store(requestID(ctx), span)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
			end(&s.httpSpans, requestID(ctx), func(span trace.Span) {
				span.SetAttributes(
					semconv.HTTPStatusCodeKey.Int(e.Status),
					attribute.Int("graphql.request.count", e.Queries),
				)
			})
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.QueryStart) {
			rid := requestID(ctx)
			pctx := parent(ctx, func() (any, bool) { return s.httpSpans.Load(rid) })
			_, span := s.tracer.Start(pctx, "graphql.query")
			span.SetAttributes(
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.Int64("fedgraph.schema.version", int64(e.SchemaVersion)),
			)
			s.querySpans.Store(rid, span)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.QueryFinish) {
			end(&s.querySpans, requestID(ctx), func(span trace.Span) {
				span.SetAttributes(
					attribute.String("graphql.operation.name", e.OperationName),
					attribute.Int("fedgraph.plan.stages", e.Stages),
					attribute.Bool("fedgraph.plan.cached", e.PlanCached),
					attribute.Int("graphql.error_count", len(e.Errors)),
				)
				fail(span, errors.Join(e.Errors...))
			})
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.StageStart) {
			rid := requestID(ctx)
			pctx := parent(ctx, func() (any, bool) { return s.querySpans.Load(rid) })
			_, span := s.tracer.Start(pctx, "fedgraph.stage")
			span.SetAttributes(
				attribute.Int("fedgraph.stage.index", e.Index),
				attribute.Int("fedgraph.stage.requests", e.Requests),
			)
			s.stageSpans.Store(stageKey{rid, e.Index}, span)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.StageFinish) {
			end(&s.stageSpans, stageKey{requestID(ctx), e.Index}, func(span trace.Span) {
				span.SetAttributes(attribute.Int("fedgraph.stage.failed", e.Failed))
			})
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.SubgraphCallStart) {
			rid := requestID(ctx)
			pctx := parent(ctx,
				func() (any, bool) { return s.stageSpans.Load(stageKey{rid, e.Stage}) },
				func() (any, bool) { return s.querySpans.Load(rid) },
			)
			_, span := s.tracer.Start(pctx, "fedgraph.subgraph."+e.Kind)
			span.SetAttributes(
				attribute.String("fedgraph.subgraph", e.Subgraph),
				attribute.Int("fedgraph.request.id", e.Request),
				attribute.Int("fedgraph.request.keys", e.Keys),
			)
			s.callSpans.Store(callKey{rid, e.Request}, span)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.SubgraphCallFinish) {
			end(&s.callSpans, callKey{requestID(ctx), e.Request}, func(span trace.Span) {
				span.SetAttributes(attribute.String("fedgraph.outcome", e.Outcome))
				fail(span, e.Err)
			})
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.RPCClientStart) {
			rid := requestID(ctx)
			pctx := parent(ctx, func() (any, bool) { return s.querySpans.Load(rid) })
			_, span := s.tracer.Start(pctx, "grpc.client")
			span.SetAttributes(
				semconv.RPCServiceKey.String(e.Service),
				semconv.RPCMethodKey.String(e.Method),
				attribute.String("net.peer.name", e.Target),
				attribute.String("fedgraph.subgraph", e.Subgraph),
			)
			key := rpcKey{rid, e.Subgraph, e.Method}
			s.rpcMu.Lock()
			s.rpcSpans[key] = append(s.rpcSpans[key], span)
			s.rpcMu.Unlock()
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.RPCClientFinish) {
			key := rpcKey{requestID(ctx), e.Subgraph, e.Method}
			s.rpcMu.Lock()
			queue := s.rpcSpans[key]
			if len(queue) == 0 {
				s.rpcMu.Unlock()
				return
			}
			span := queue[0]
			if len(queue) == 1 {
				delete(s.rpcSpans, key)
			} else {
				s.rpcSpans[key] = queue[1:]
			}
			s.rpcMu.Unlock()
			span.SetAttributes(attribute.String("grpc.code", e.Code.String()))
			fail(span, e.Err)
			span.End()
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}
