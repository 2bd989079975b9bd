package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	compose "github.com/hanpama/fedgraph/internal/compose"
	eventbus "github.com/hanpama/fedgraph/internal/eventbus"
	events "github.com/hanpama/fedgraph/internal/events"
	executor "github.com/hanpama/fedgraph/internal/executor"
	health "github.com/hanpama/fedgraph/internal/health"
	language "github.com/hanpama/fedgraph/internal/language"
	planner "github.com/hanpama/fedgraph/internal/planner"
	sample "github.com/hanpama/fedgraph/internal/sample"
	subgraph "github.com/hanpama/fedgraph/internal/subgraph"
)

const orderQuery = `query OrderProducts { order(id: 1) { id items { id productId product { name } } } }`

type countingResolver struct {
	subgraph.Resolver
	mu   sync.Mutex
	keys [][]any
}

func (c *countingResolver) ResolveReferences(ctx context.Context, req *subgraph.ReferencesRequest) (*subgraph.ReferencesResponse, error) {
	c.mu.Lock()
	c.keys = append(c.keys, append([]any(nil), req.Keys...))
	c.mu.Unlock()
	return c.Resolver.ResolveReferences(ctx, req)
}

type fixture struct {
	gate     *health.Gate
	holder   *compose.Holder
	products *countingResolver
	gw       *Gateway
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	gate := health.NewGate(sample.Names()...)
	for _, name := range sample.Names() {
		gate.Observe(ctx, name, health.ProbeResult{Healthy: true})
	}
	holder := compose.NewHolder()
	_, err := holder.Recompose(ctx, sample.Descriptors(), gate)
	require.NoError(t, err)

	products := &countingResolver{Resolver: sample.Products()}
	exec := executor.New(executor.StaticTransport{
		sample.OrdersName:   sample.Orders(),
		sample.ProductsName: products,
	}, executor.WithHealth(gate))
	gw, err := New(holder, exec, opts...)
	require.NoError(t, err)
	return &fixture{gate: gate, holder: holder, products: products, gw: gw}
}

func TestGateway_OrderLineItemProducts(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)
	var finished []events.QueryFinish
	defer eventbus.Subscribe(func(_ context.Context, e events.QueryFinish) { finished = append(finished, e) })()

	f := newFixture(t)
	resp := f.gw.Execute(context.Background(), Request{Query: orderQuery})
	require.Empty(t, resp.Errors)

	want := map[string]any{
		"order": map[string]any{
			"id": 1,
			"items": []any{
				map[string]any{"id": 1, "productId": 1, "product": map[string]any{"name": "Product 1"}},
				map[string]any{"id": 2, "productId": 2, "product": map[string]any{"name": "Product 2"}},
			},
		},
	}
	if diff := cmp.Diff(want, resp.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, [][]any{{1, 2}}, f.products.keys)

	require.Len(t, finished, 1)
	require.Equal(t, "OrderProducts", finished[0].OperationName)
	require.Equal(t, 2, finished[0].Stages)
	require.False(t, finished[0].PlanCached)
}

func TestGateway_UnhealthyProducts(t *testing.T) {
	f := newFixture(t)
	f.gate.Observe(context.Background(), sample.ProductsName, health.ProbeResult{Healthy: false, Err: errors.New("connection refused")})

	resp := f.gw.Execute(context.Background(), Request{Query: orderQuery})
	order := resp.Data["order"].(map[string]any)
	items := order["items"].([]any)
	require.Len(t, items, 2)
	for _, it := range items {
		require.Nil(t, it.(map[string]any)["product"])
	}

	require.Len(t, resp.Errors, 2)
	for i, err := range resp.Errors {
		var ee *executor.Error
		require.ErrorAs(t, err, &ee)
		require.Equal(t, executor.SubgraphUnavailable, ee.Kind)
		require.Equal(t, executor.Path{"order", "items", i, "product"}, ee.Path)
	}
	require.Empty(t, f.products.keys)
}

func TestGateway_PlanCache(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)
	var cached []bool
	defer eventbus.Subscribe(func(_ context.Context, e events.QueryFinish) { cached = append(cached, e.PlanCached) })()

	f := newFixture(t)
	ctx := context.Background()
	f.gw.Execute(ctx, Request{Query: orderQuery})
	f.gw.Execute(ctx, Request{Query: orderQuery})
	// same shape written differently
	f.gw.Execute(ctx, Request{Query: `query ($id: Int!) { order(id: $id) { id items { id productId product { name } } } }`, Variables: map[string]any{"id": int64(1)}})
	f.gw.Execute(ctx, Request{Query: `{ order(id: 2) { id } }`})

	// a new schema version invalidates cached plans
	_, err := f.holder.Recompose(ctx, sample.Descriptors(), f.gate)
	require.NoError(t, err)
	f.gw.Execute(ctx, Request{Query: orderQuery})

	require.Equal(t, []bool{false, true, true, false, false}, cached)
}

func TestGateway_PlanCacheDisabled(t *testing.T) {
	f := newFixture(t, WithPlanCacheSize(-1))
	for range 2 {
		resp := f.gw.Execute(context.Background(), Request{Query: orderQuery})
		require.Empty(t, resp.Errors)
	}
}

func TestGateway_RequestErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp := f.gw.Execute(ctx, Request{Query: `{ orders { id `})
	require.Nil(t, resp.Data)
	require.Len(t, resp.Errors, 1)

	resp = f.gw.Execute(ctx, Request{Query: `mutation { orders { id } }`})
	require.ErrorIs(t, resp.Errors[0], language.ErrUnsupportedOperation)

	resp = f.gw.Execute(ctx, Request{Query: `{ orders { id weight } }`})
	require.Nil(t, resp.Data)
	require.ErrorIs(t, resp.Errors[0], &planner.Error{Kind: planner.UnknownField})
}

func TestGateway_NoSchema(t *testing.T) {
	exec := executor.New(executor.StaticTransport{})
	gw, err := New(compose.NewHolder(), exec)
	require.NoError(t, err)
	require.Nil(t, gw.Schema())

	resp := gw.Execute(context.Background(), Request{Query: `{ orders { id } }`})
	require.ErrorIs(t, resp.Errors[0], ErrNoSchema)
}

func TestGateway_Typename(t *testing.T) {
	f := newFixture(t)
	resp := f.gw.Execute(context.Background(), Request{Query: `{ __typename order(id: 2) { __typename items { product { __typename sku } } } }`})
	require.Empty(t, resp.Errors)
	want := map[string]any{
		"__typename": "Query",
		"order": map[string]any{
			"__typename": "Order",
			"items": []any{
				map[string]any{"product": map[string]any{"__typename": "Product", "sku": "SKU3"}},
				map[string]any{"product": map[string]any{"__typename": "Product", "sku": "SKU4"}},
			},
		},
	}
	if diff := cmp.Diff(want, resp.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestGateway_IntrospectionAlongsideSubgraphFields(t *testing.T) {
	f := newFixture(t)
	resp := f.gw.Execute(context.Background(), Request{Query: `{
		__schema { queryType { name } }
		t: __type(name: "LineItem") { name }
		order(id: 1) { id }
	}`})
	require.Empty(t, resp.Errors)
	want := map[string]any{
		"__schema": map[string]any{"queryType": map[string]any{"name": "Query"}},
		"t":        map[string]any{"name": "LineItem"},
		"order":    map[string]any{"id": 1},
	}
	if diff := cmp.Diff(want, resp.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestGateway_IntrospectionOnly(t *testing.T) {
	f := newFixture(t)
	resp := f.gw.Execute(context.Background(), Request{Query: `{ __type(name: "Product") { kind } }`})
	require.Empty(t, resp.Errors)
	require.Equal(t, map[string]any{"__type": map[string]any{"kind": "OBJECT"}}, resp.Data)
	require.Empty(t, f.products.keys)

	resp = f.gw.Execute(context.Background(), Request{Query: `{ __type(name: "Product") { bogus } }`})
	require.Nil(t, resp.Data)
	require.Len(t, resp.Errors, 1)
}
