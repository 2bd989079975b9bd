package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	compose "github.com/hanpama/fedgraph/internal/compose"
	eventbus "github.com/hanpama/fedgraph/internal/eventbus"
	events "github.com/hanpama/fedgraph/internal/events"
	health "github.com/hanpama/fedgraph/internal/health"
	planner "github.com/hanpama/fedgraph/internal/planner"
	query "github.com/hanpama/fedgraph/internal/query"
	sample "github.com/hanpama/fedgraph/internal/sample"
	schema "github.com/hanpama/fedgraph/internal/schema"
	subgraph "github.com/hanpama/fedgraph/internal/subgraph"
)

func sel(name string, children ...*query.Selection) *query.Selection {
	return &query.Selection{Name: name, Children: children}
}

func orderByID(alias string, id int, children ...*query.Selection) *query.Selection {
	return &query.Selection{Alias: alias, Name: "order", Args: map[string]any{"id": id}, Children: children}
}

func composeSchema(t *testing.T, descs ...subgraph.Descriptor) *schema.Schema {
	t.Helper()
	for i := range descs {
		descs[i].Status = health.Healthy
	}
	s, err := compose.Compose(descs)
	require.NoError(t, err)
	return s
}

func mustPlan(t *testing.T, s *schema.Schema, sels ...*query.Selection) *planner.Plan {
	t.Helper()
	p, err := planner.Build(s, sels)
	require.NoError(t, err)
	return p
}

// recorder wraps a resolver and records every call it receives.
type recorder struct {
	subgraph.Resolver
	mu         sync.Mutex
	fields     []*subgraph.FieldsRequest
	references []*subgraph.ReferencesRequest
}

func record(r subgraph.Resolver) *recorder { return &recorder{Resolver: r} }

func (r *recorder) ResolveFields(ctx context.Context, req *subgraph.FieldsRequest) (*subgraph.FieldsResponse, error) {
	r.mu.Lock()
	r.fields = append(r.fields, req)
	r.mu.Unlock()
	return r.Resolver.ResolveFields(ctx, req)
}

func (r *recorder) ResolveReferences(ctx context.Context, req *subgraph.ReferencesRequest) (*subgraph.ReferencesResponse, error) {
	r.mu.Lock()
	r.references = append(r.references, req)
	r.mu.Unlock()
	return r.Resolver.ResolveReferences(ctx, req)
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fields) + len(r.references)
}

// funcs adapts plain functions to subgraph.Resolver.
type funcs struct {
	fields     func(context.Context, *subgraph.FieldsRequest) (*subgraph.FieldsResponse, error)
	references func(context.Context, *subgraph.ReferencesRequest) (*subgraph.ReferencesResponse, error)
}

func (f funcs) ResolveFields(ctx context.Context, req *subgraph.FieldsRequest) (*subgraph.FieldsResponse, error) {
	return f.fields(ctx, req)
}

func (f funcs) ResolveReferences(ctx context.Context, req *subgraph.ReferencesRequest) (*subgraph.ReferencesResponse, error) {
	return f.references(ctx, req)
}

func lineItemProducts() []*query.Selection {
	return []*query.Selection{orderByID("", 1,
		sel("id"),
		sel("items", sel("id"), sel("quantity"), sel("productId"), sel("product", sel("name"))),
	)}
}

func TestExecute_OrderLineItemProducts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := composeSchema(t, sample.Descriptors()...)
	products := record(sample.Products())
	ex := New(StaticTransport{"orders": sample.Orders(), "products": products})

	p := mustPlan(t, s, lineItemProducts()...)
	require.Len(t, p.Stages, 2)

	res, err := ex.Execute(context.Background(), p)
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{
		"order": map[string]any{
			"id": 1,
			"items": []any{
				map[string]any{"id": 1, "quantity": 1, "productId": 1, "product": map[string]any{"name": "Product 1"}},
				map[string]any{"id": 2, "quantity": 2, "productId": 2, "product": map[string]any{"name": "Product 2"}},
			},
		},
	}, res.Data)

	require.Len(t, products.references, 1)
	require.Equal(t, "Product", products.references[0].Type)
	require.Equal(t, "id", products.references[0].KeyField)
	require.Equal(t, []any{1, 2}, products.references[0].Keys)
	require.Empty(t, products.fields)
}

func TestExecute_UnhealthySubgraphIsSkipped(t *testing.T) {
	s := composeSchema(t, sample.Descriptors()...)
	products := record(sample.Products())
	ex := New(StaticTransport{"orders": sample.Orders(), "products": products},
		WithHealth(health.Static{"orders": health.Healthy, "products": health.Unhealthy}))

	res, err := ex.Execute(context.Background(), mustPlan(t, s, lineItemProducts()...))
	require.NoError(t, err)
	require.Zero(t, products.calls())

	items := res.Data["order"].(map[string]any)["items"].([]any)
	require.Len(t, items, 2)
	for _, it := range items {
		require.Contains(t, it, "product")
		require.Nil(t, it.(map[string]any)["product"])
	}
	require.Len(t, res.Errors, 2)
	for i, e := range res.Errors {
		require.ErrorIs(t, e, &Error{Kind: SubgraphUnavailable})
		require.Equal(t, "products", e.Subgraph)
		require.Equal(t, Path{"order", "items", i, "product"}, e.Path)
	}
}

func TestExecute_UnknownHealthDoesNotBlock(t *testing.T) {
	s := composeSchema(t, sample.Descriptors()...)
	ex := New(StaticTransport{"orders": sample.Orders(), "products": sample.Products()}, WithHealth(health.NewGate()))
	res, err := ex.Execute(context.Background(), mustPlan(t, s, lineItemProducts()...))
	require.NoError(t, err)
	require.Empty(t, res.Errors)
}

func TestExecute_TimeoutIsIsolated(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := composeSchema(t, sample.Descriptors()...)
	slow := funcs{
		fields: func(ctx context.Context, _ *subgraph.FieldsRequest) (*subgraph.FieldsResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	ex := New(StaticTransport{"orders": sample.Orders(), "products": slow}, WithCallTimeout(20*time.Millisecond))

	res, err := ex.Execute(context.Background(), mustPlan(t, s,
		sel("orders", sel("id"), sel("name")),
		sel("products", sel("name")),
	))
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"orders": []any{
			map[string]any{"id": 1, "name": "Order 1"},
			map[string]any{"id": 2, "name": "Order 2"},
		},
		"products": nil,
	}, res.Data)
	require.Len(t, res.Errors, 1)
	require.ErrorIs(t, res.Errors[0], &Error{Kind: Timeout})
	require.Equal(t, Path{"products"}, res.Errors[0].Path)
}

func TestExecute_AbandonsResolverIgnoringDeadline(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	defer close(release)

	s := composeSchema(t, sample.Descriptors()...)
	stuck := funcs{
		references: func(context.Context, *subgraph.ReferencesRequest) (*subgraph.ReferencesResponse, error) {
			<-release
			return &subgraph.ReferencesResponse{}, nil
		},
	}
	ex := New(StaticTransport{"orders": sample.Orders(), "products": stuck}, WithCallTimeout(20*time.Millisecond))

	start := time.Now()
	res, err := ex.Execute(context.Background(), mustPlan(t, s, lineItemProducts()...))
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, res.Errors, 2)
	for _, e := range res.Errors {
		require.ErrorIs(t, e, &Error{Kind: Timeout})
	}
}

func TestExecute_QueryDeadlineAbandonsLaterStages(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer eventbus.Subscribe(func(_ context.Context, e events.StageFinish) {
		if e.Index == 0 {
			cancel()
		}
	})()

	s := composeSchema(t, sample.Descriptors()...)
	products := record(sample.Products())
	ex := New(StaticTransport{"orders": sample.Orders(), "products": products})

	res, err := ex.Execute(ctx, mustPlan(t, s, lineItemProducts()...))
	require.NoError(t, err)
	require.Zero(t, products.calls())

	order := res.Data["order"].(map[string]any)
	require.Equal(t, 1, order["id"])
	require.Len(t, res.Errors, 2)
	for i, e := range res.Errors {
		require.ErrorIs(t, e, &Error{Kind: Timeout})
		require.Equal(t, Path{"order", "items", i, "product"}, e.Path)
		require.Nil(t, order["items"].([]any)[i].(map[string]any)["product"])
	}
}

func TestExecute_KeyMatchedReplies(t *testing.T) {
	s := composeSchema(t, sample.Descriptors()...)
	var keys []any
	shuffled := funcs{
		references: func(_ context.Context, req *subgraph.ReferencesRequest) (*subgraph.ReferencesResponse, error) {
			keys = req.Keys
			return &subgraph.ReferencesResponse{Results: []subgraph.ReferenceResult{
				{Key: float64(4), Record: map[string]any{"name": "Four"}},
				{Key: "2", Record: map[string]any{"name": "Two"}},
				{Key: 1, Record: map[string]any{"name": "One"}},
				{Key: 2, Record: map[string]any{"name": "Second two"}},
				{Key: 3, Error: "gone"},
			}}, nil
		},
	}
	ex := New(StaticTransport{"orders": sample.Orders(), "products": shuffled})
	res, err := ex.Execute(context.Background(), mustPlan(t, s, sel("orders", sel("items", sel("product", sel("name"))))))
	require.NoError(t, err)
	require.Equal(t, []any{1, 2, 3, 4}, keys)

	var names []any
	for _, o := range res.Data["orders"].([]any) {
		for _, it := range o.(map[string]any)["items"].([]any) {
			p := it.(map[string]any)["product"]
			if p == nil {
				names = append(names, nil)
				continue
			}
			names = append(names, p.(map[string]any)["name"])
		}
	}
	require.Equal(t, []any{"One", "Two", nil, "Four"}, names)
	require.Len(t, res.Errors, 1)
	require.ErrorIs(t, res.Errors[0], &Error{Kind: ResolverError})
	require.Equal(t, Path{"orders", 1, "items", 0, "product"}, res.Errors[0].Path)
	require.Equal(t, "gone", res.Errors[0].Message)
}

func TestExecute_MissingReplyIsPerPositionError(t *testing.T) {
	s := composeSchema(t, sample.Descriptors()...)
	partial := funcs{
		references: func(context.Context, *subgraph.ReferencesRequest) (*subgraph.ReferencesResponse, error) {
			return &subgraph.ReferencesResponse{Results: []subgraph.ReferenceResult{
				{Key: 2, Record: map[string]any{"name": "Two"}},
			}}, nil
		},
	}
	ex := New(StaticTransport{"orders": sample.Orders(), "products": partial})
	res, err := ex.Execute(context.Background(), mustPlan(t, s, lineItemProducts()...))
	require.NoError(t, err)
	items := res.Data["order"].(map[string]any)["items"].([]any)
	require.Nil(t, items[0].(map[string]any)["product"])
	require.Equal(t, map[string]any{"name": "Two"}, items[1].(map[string]any)["product"])
	require.Len(t, res.Errors, 1)
	require.Equal(t, Path{"order", "items", 0, "product"}, res.Errors[0].Path)
}

func TestExecute_PositionalReplies(t *testing.T) {
	products := sample.ProductsDescriptor()
	products.ReplyMode = subgraph.ReplyPositional
	s := composeSchema(t, sample.OrdersDescriptor(), products)

	positional := funcs{
		references: func(_ context.Context, req *subgraph.ReferencesRequest) (*subgraph.ReferencesResponse, error) {
			out := &subgraph.ReferencesResponse{}
			for _, k := range req.Keys {
				out.Results = append(out.Results, subgraph.ReferenceResult{Record: map[string]any{"name": fmt.Sprintf("P%v", k)}})
			}
			return out, nil
		},
	}
	ex := New(StaticTransport{"orders": sample.Orders(), "products": positional})
	res, err := ex.Execute(context.Background(), mustPlan(t, s, lineItemProducts()...))
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	items := res.Data["order"].(map[string]any)["items"].([]any)
	require.Equal(t, map[string]any{"name": "P1"}, items[0].(map[string]any)["product"])
	require.Equal(t, map[string]any{"name": "P2"}, items[1].(map[string]any)["product"])
}

func TestExecute_DeduplicatesKeysAcrossPositions(t *testing.T) {
	s := composeSchema(t, sample.Descriptors()...)
	products := record(sample.Products())
	ex := New(StaticTransport{"orders": sample.Orders(), "products": products})

	res, err := ex.Execute(context.Background(), mustPlan(t, s,
		orderByID("a", 1, sel("items", sel("product", sel("name")))),
		orderByID("b", 1, sel("items", sel("product", sel("name"), sel("price")))),
	))
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Len(t, products.references, 1)
	require.Equal(t, []any{1, 2}, products.references[0].Keys)

	a := res.Data["a"].(map[string]any)["items"].([]any)[0].(map[string]any)["product"].(map[string]any)
	b := res.Data["b"].(map[string]any)["items"].([]any)[0].(map[string]any)["product"].(map[string]any)
	require.Equal(t, map[string]any{"name": "Product 1"}, a)
	require.Equal(t, map[string]any{"name": "Product 1", "price": float64(1)}, b)
	a["name"] = "changed"
	require.Equal(t, "Product 1", b["name"])
}

func TestExecute_SplitEntityAndTypename(t *testing.T) {
	reviewsDesc := subgraph.Descriptor{
		Name: "reviews",
		Types: []subgraph.TypeDef{
			{Name: "Product", Fields: []subgraph.FieldDef{
				{Name: "id", Type: schema.NonNullType(schema.NamedType("Int")), Stub: true},
				{Name: "rating", Type: schema.NamedType("Int")},
			}},
		},
		Entities: map[string]string{"Product": "id"},
	}
	reviews := subgraph.NewMemory(reviewsDesc).HandleEntity("Product", func(_ context.Context, key any) (map[string]any, error) {
		return map[string]any{"rating": 5}, nil
	})
	s := composeSchema(t, append(sample.Descriptors(), reviewsDesc)...)
	ex := New(StaticTransport{"orders": sample.Orders(), "products": sample.Products(), "reviews": reviews})

	res, err := ex.Execute(context.Background(), mustPlan(t, s,
		&query.Selection{Name: "product", Args: map[string]any{"id": 3}, Children: []*query.Selection{
			sel("__typename"), sel("name"), sel("rating"),
		}},
		orderByID("", 2, sel("items", sel("product", sel("__typename"), sel("rating"), sel("sku")))),
	))
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{
		"product": map[string]any{"__typename": "Product", "name": "Product 3", "rating": 5},
		"order": map[string]any{"items": []any{
			map[string]any{"product": map[string]any{"__typename": "Product", "rating": 5, "sku": "SKU3"}},
			map[string]any{"product": map[string]any{"__typename": "Product", "rating": 5, "sku": "SKU4"}},
		}},
	}, res.Data)
}

func TestExecute_FailureKinds(t *testing.T) {
	s := composeSchema(t, sample.Descriptors()...)
	cases := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"transport", errors.New("connection reset"), TransportFailure},
		{"unreachable", fmt.Errorf("dial products: %w", subgraph.ErrUnavailable), SubgraphUnavailable},
		{"deadline", fmt.Errorf("rpc: %w", context.DeadlineExceeded), Timeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			failing := funcs{fields: func(context.Context, *subgraph.FieldsRequest) (*subgraph.FieldsResponse, error) {
				return nil, tc.err
			}}
			ex := New(StaticTransport{"orders": failing, "products": sample.Products()})
			res, err := ex.Execute(context.Background(), mustPlan(t, s,
				sel("orders", sel("id")),
				orderByID("first", 1, sel("id")),
				sel("products", sel("sku")),
			))
			require.NoError(t, err)
			require.Nil(t, res.Data["orders"])
			require.Nil(t, res.Data["first"])
			require.Len(t, res.Data["products"], 4)
			require.Len(t, res.Errors, 2, "one error per failed top-level field")
			require.Equal(t, Path{"orders"}, res.Errors[0].Path)
			require.Equal(t, Path{"first"}, res.Errors[1].Path)
			for _, e := range res.Errors {
				require.ErrorIs(t, e, &Error{Kind: tc.kind})
				require.ErrorIs(t, e, tc.err)
			}
		})
	}
}

func TestExecute_ResolverFieldErrorsKeepPaths(t *testing.T) {
	s := composeSchema(t, sample.Descriptors()...)
	partial := funcs{fields: func(context.Context, *subgraph.FieldsRequest) (*subgraph.FieldsResponse, error) {
		return &subgraph.FieldsResponse{
			Data:   map[string]any{"orders": []any{map[string]any{"id": 1, "name": nil}}},
			Errors: []subgraph.FieldError{{Message: "name unavailable", Path: []any{"orders", float64(0), "name"}}},
		}, nil
	}}
	ex := New(StaticTransport{"orders": partial, "products": sample.Products()})
	res, err := ex.Execute(context.Background(), mustPlan(t, s, sel("orders", sel("id"), sel("name"))))
	require.NoError(t, err)
	require.Equal(t, []any{map[string]any{"id": 1, "name": nil}}, res.Data["orders"])
	require.Len(t, res.Errors, 1)
	require.Equal(t, Path{"orders", 0, "name"}, res.Errors[0].Path)
	require.Equal(t, "orders[0].name", res.Errors[0].Path.String())
}

func TestExecute_MaxConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	track := func(r subgraph.Resolver) subgraph.Resolver {
		return funcs{
			fields: func(ctx context.Context, req *subgraph.FieldsRequest) (*subgraph.FieldsResponse, error) {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				return r.ResolveFields(ctx, req)
			},
		}
	}
	s := composeSchema(t, sample.Descriptors()...)
	ex := New(StaticTransport{"orders": track(sample.Orders()), "products": track(sample.Products())}, WithMaxConcurrency(1))
	res, err := ex.Execute(context.Background(), mustPlan(t, s, sel("orders", sel("id")), sel("products", sel("id"))))
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Equal(t, int32(1), peak.Load())
}

func TestExecute_DeterministicUnderRacingCompletion(t *testing.T) {
	s := composeSchema(t, sample.Descriptors()...)
	jitter := func(r subgraph.Resolver, d time.Duration) subgraph.Resolver {
		return funcs{
			fields: func(ctx context.Context, req *subgraph.FieldsRequest) (*subgraph.FieldsResponse, error) {
				time.Sleep(d)
				return r.ResolveFields(ctx, req)
			},
			references: func(ctx context.Context, req *subgraph.ReferencesRequest) (*subgraph.ReferencesResponse, error) {
				time.Sleep(d)
				return r.ResolveReferences(ctx, req)
			},
		}
	}
	p := mustPlan(t, s,
		sel("orders", sel("items", sel("product", sel("name")))),
		sel("products", sel("sku")),
	)
	var first map[string]any
	for i := 0; i < 10; i++ {
		ex := New(StaticTransport{
			"orders":   jitter(sample.Orders(), time.Duration(i%3)*time.Millisecond),
			"products": jitter(sample.Products(), time.Duration((i+1)%3)*time.Millisecond),
		})
		res, err := ex.Execute(context.Background(), p)
		require.NoError(t, err)
		require.Empty(t, res.Errors)
		if first == nil {
			first = res.Data
			continue
		}
		require.Equal(t, first, res.Data)
	}
}

func TestExecute_InvalidPlans(t *testing.T) {
	s := composeSchema(t, sample.Descriptors()...)
	p := mustPlan(t, s, lineItemProducts()...)

	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)
	var violations int
	defer eventbus.Subscribe(func(context.Context, events.PlanInvariantViolation) { violations++ })()

	_, err := New(StaticTransport{"orders": sample.Orders()}).Execute(context.Background(), p)
	require.ErrorIs(t, err, &InvariantError{Kind: InvalidPlan})

	exhausted := &planner.Plan{
		RootType: "Query",
		Stages:   []*planner.Stage{{Index: 0}},
		Sites:    []*planner.Site{{ID: 0, Request: 0, Targets: []int{7}}},
	}
	req := &planner.Request{ID: 0, Stage: 0, Subgraph: "orders", Kind: planner.FieldsRequest, Type: "Query"}
	exhausted.Requests = []*planner.Request{req}
	exhausted.Stages[0].Requests = []*planner.Request{req}
	_, err = New(StaticTransport{"orders": sample.Orders()}).Execute(context.Background(), exhausted)
	require.ErrorIs(t, err, &InvariantError{Kind: PlanExhausted})

	backwards := mustPlan(t, s, lineItemProducts()...)
	backwards.Requests[1].Stage = 0
	backwards.Stages[0].Requests = append(backwards.Stages[0].Requests, backwards.Requests[1])
	backwards.Stages = backwards.Stages[:1]
	_, err = New(StaticTransport{"orders": sample.Orders(), "products": sample.Products()}).Execute(context.Background(), backwards)
	require.ErrorIs(t, err, &InvariantError{Kind: InvalidPlan})

	require.Equal(t, 3, violations)
}

func TestExecute_EmptyPlan(t *testing.T) {
	s := composeSchema(t, sample.Descriptors()...)
	res, err := New(StaticTransport{}).Execute(context.Background(), mustPlan(t, s, sel("__typename")))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"__typename": "Query"}, res.Data)
}
