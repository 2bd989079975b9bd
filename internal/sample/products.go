package sample

import (
	"context"
	"strconv"

	schema "github.com/hanpama/fedgraph/internal/schema"
	subgraph "github.com/hanpama/fedgraph/internal/subgraph"
)

// ProductsDescriptor declares the products subgraph, which completes Product
// by id.
func ProductsDescriptor() subgraph.Descriptor {
	intType := schema.NonNullType(schema.NamedType("Int"))
	str := schema.NonNullType(schema.NamedType("String"))
	return subgraph.Descriptor{
		Name: ProductsName,
		Types: []subgraph.TypeDef{
			{Name: "Query", Fields: []subgraph.FieldDef{
				{Name: "products", Type: schema.NonNullType(schema.ListType(schema.NonNullType(schema.NamedType("Product"))))},
				{Name: "product", Type: schema.NamedType("Product"), Args: []*schema.InputValue{{Name: "id", Type: intType}}},
			}},
			{Name: "Product", Fields: []subgraph.FieldDef{
				{Name: "id", Type: intType},
				{Name: "name", Type: str},
				{Name: "sku", Type: str},
				{Name: "description", Type: str},
				{Name: "price", Type: schema.NonNullType(schema.NamedType("Float"))},
			}},
		},
		Entities: map[string]string{"Product": "id"},
	}
}

// Products returns the products subgraph. Any integer id names a product.
func Products() *subgraph.Memory {
	return subgraph.NewMemory(ProductsDescriptor()).
		HandleField("Query", "products", func(context.Context, map[string]any, map[string]any) (any, error) {
			products := make([]map[string]any, 0, 4)
			for id := 1; id <= 4; id++ {
				products = append(products, ProductByID(id))
			}
			return products, nil
		}).
		HandleField("Query", "product", func(_ context.Context, _ map[string]any, args map[string]any) (any, error) {
			id, err := intArg(args, "id")
			if err != nil {
				return nil, err
			}
			return ProductByID(id), nil
		}).
		HandleEntity("Product", func(_ context.Context, key any) (map[string]any, error) {
			id, ok := keyInt(key)
			if !ok {
				return nil, nil
			}
			return ProductByID(id), nil
		})
}

// ProductByID generates the product record for id.
func ProductByID(id int) map[string]any {
	return map[string]any{
		"id":          id,
		"name":        "Product " + itoa(id),
		"sku":         "SKU" + itoa(id),
		"description": "Description " + itoa(id),
		"price":       float64(id),
	}
}

func itoa(i int) string { return strconv.Itoa(i) }
