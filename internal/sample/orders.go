package sample

import (
	"context"

	schema "github.com/hanpama/fedgraph/internal/schema"
	subgraph "github.com/hanpama/fedgraph/internal/subgraph"
)

// OrdersDescriptor declares the orders subgraph. LineItem.product is a
// reference into products keyed by productId; orders only holds a stub of
// Product.id.
func OrdersDescriptor() subgraph.Descriptor {
	intType := schema.NonNullType(schema.NamedType("Int"))
	return subgraph.Descriptor{
		Name: OrdersName,
		Types: []subgraph.TypeDef{
			{Name: "Query", Fields: []subgraph.FieldDef{
				{Name: "orders", Type: schema.NonNullType(schema.ListType(schema.NonNullType(schema.NamedType("Order"))))},
				{Name: "order", Type: schema.NamedType("Order"), Args: []*schema.InputValue{{Name: "id", Type: intType}}},
			}},
			{Name: "Order", Fields: []subgraph.FieldDef{
				{Name: "id", Type: intType},
				{Name: "name", Type: schema.NonNullType(schema.NamedType("String"))},
				{Name: "description", Type: schema.NonNullType(schema.NamedType("String"))},
				{Name: "items", Type: schema.NonNullType(schema.ListType(schema.NonNullType(schema.NamedType("LineItem"))))},
			}},
			{Name: "LineItem", Fields: []subgraph.FieldDef{
				{Name: "id", Type: intType},
				{Name: "quantity", Type: intType},
				{Name: "productId", Type: intType},
				{Name: "product", Type: schema.NamedType("Product"), KeyFrom: "productId"},
			}},
			{Name: "Product", Fields: []subgraph.FieldDef{
				{Name: "id", Type: intType, Stub: true},
			}},
		},
	}
}

// Orders returns the orders subgraph: two orders with two line items each.
func Orders() *subgraph.Memory {
	return subgraph.NewMemory(OrdersDescriptor()).
		HandleField("Query", "orders", func(context.Context, map[string]any, map[string]any) (any, error) {
			return generateOrders(), nil
		}).
		HandleField("Query", "order", func(_ context.Context, _ map[string]any, args map[string]any) (any, error) {
			id, err := intArg(args, "id")
			if err != nil {
				return nil, err
			}
			for _, o := range generateOrders() {
				if o["id"] == id {
					return o, nil
				}
			}
			return nil, nil
		})
}

func generateOrders() []map[string]any {
	orders := make([]map[string]any, 0, 2)
	for id := 1; id <= 2; id++ {
		items := make([]map[string]any, 0, 2)
		for i := 2*id - 1; i <= 2*id; i++ {
			items = append(items, map[string]any{"id": i, "quantity": i, "productId": i})
		}
		orders = append(orders, map[string]any{
			"id":          id,
			"name":        "Order " + itoa(id),
			"description": "Description " + itoa(id),
			"items":       items,
		})
	}
	return orders
}
