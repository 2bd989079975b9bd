package sample

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	compose "github.com/hanpama/fedgraph/internal/compose"
	health "github.com/hanpama/fedgraph/internal/health"
	query "github.com/hanpama/fedgraph/internal/query"
	subgraph "github.com/hanpama/fedgraph/internal/subgraph"
)

func TestDescriptorsCompose(t *testing.T) {
	var descs []subgraph.Descriptor
	for _, d := range Descriptors() {
		descs = append(descs, d.WithStatus(health.Healthy))
	}
	s, err := compose.Compose(descs)
	require.NoError(t, err)
	require.Equal(t, "productId", s.Type("LineItem").Field("product").KeyFrom)
	require.Equal(t, "products", s.Type("Product").Resolver)
}

func TestOrders(t *testing.T) {
	resp, err := Orders().ResolveFields(context.Background(), &subgraph.FieldsRequest{
		Type: "Query",
		Selections: []*query.Selection{{Name: "orders", Children: []*query.Selection{
			{Name: "id"},
			{Name: "name"},
			{Name: "items", Children: []*query.Selection{{Name: "id"}, {Name: "quantity"}, {Name: "productId"}}},
		}}},
	})
	require.NoError(t, err)
	require.Empty(t, resp.Errors)
	require.Equal(t, []any{
		map[string]any{"id": 1, "name": "Order 1", "items": []any{
			map[string]any{"id": 1, "quantity": 1, "productId": 1},
			map[string]any{"id": 2, "quantity": 2, "productId": 2},
		}},
		map[string]any{"id": 2, "name": "Order 2", "items": []any{
			map[string]any{"id": 3, "quantity": 3, "productId": 3},
			map[string]any{"id": 4, "quantity": 4, "productId": 4},
		}},
	}, resp.Data["orders"])
}

func TestOrderByID(t *testing.T) {
	resp, err := Orders().ResolveFields(context.Background(), &subgraph.FieldsRequest{
		Type: "Query",
		Selections: []*query.Selection{
			{Alias: "second", Name: "order", Args: map[string]any{"id": float64(2)}, Children: []*query.Selection{{Name: "description"}}},
			{Alias: "missing", Name: "order", Args: map[string]any{"id": 7}, Children: []*query.Selection{{Name: "description"}}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"second": map[string]any{"description": "Description 2"}, "missing": nil}, resp.Data)
}

func TestProducts_ResolveReferences(t *testing.T) {
	resp, err := Products().ResolveReferences(context.Background(), &subgraph.ReferencesRequest{
		Type:       "Product",
		KeyField:   "id",
		Keys:       []any{2, float64(1), "42"},
		Selections: []*query.Selection{{Name: "name"}, {Name: "sku"}, {Name: "price"}},
	})
	require.NoError(t, err)
	require.Equal(t, []subgraph.ReferenceResult{
		{Key: 2, Record: map[string]any{"name": "Product 2", "sku": "SKU2", "price": float64(2)}},
		{Key: float64(1), Record: map[string]any{"name": "Product 1", "sku": "SKU1", "price": float64(1)}},
		{Key: "42", Record: map[string]any{"name": "Product 42", "sku": "SKU42", "price": float64(42)}},
	}, resp.Results)
}

func TestNew(t *testing.T) {
	for _, name := range Names() {
		svc, err := New(name)
		require.NoError(t, err)
		d, err := svc.Describe(context.Background())
		require.NoError(t, err)
		require.Equal(t, name, d.Name)
	}
	_, err := New("inventory")
	require.Error(t, err)
}
