// Package sample provides the two demonstration subgraphs: orders, which owns
// orders and their line items, and products, which owns products and
// completes them by id. Both generate their records in memory on every call.
package sample

import (
	"fmt"
	"sort"
	"strconv"

	subgraph "github.com/hanpama/fedgraph/internal/subgraph"
)

// Names of the sample subgraphs.
const (
	OrdersName   = "orders"
	ProductsName = "products"
)

// New returns the sample subgraph called name.
func New(name string) (*subgraph.Memory, error) {
	switch name {
	case OrdersName:
		return Orders(), nil
	case ProductsName:
		return Products(), nil
	default:
		return nil, fmt.Errorf("unknown sample subgraph %q (want one of %v)", name, Names())
	}
}

// Names returns the names of all sample subgraphs, sorted.
func Names() []string {
	names := []string{OrdersName, ProductsName}
	sort.Strings(names)
	return names
}

// Descriptors returns the descriptors of all sample subgraphs.
func Descriptors() []subgraph.Descriptor {
	return []subgraph.Descriptor{OrdersDescriptor(), ProductsDescriptor()}
}

func intArg(args map[string]any, name string) (int, error) {
	switch v := args[name].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		return strconv.Atoi(v)
	default:
		return 0, fmt.Errorf("argument %q must be an integer, got %T", name, args[name])
	}
}

func keyInt(key any) (int, bool) {
	v, err := intArg(map[string]any{"key": key}, "key")
	return v, err == nil
}
