package query

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMerge_ByResponseName(t *testing.T) {
	a := []*Selection{
		{Name: "orders", Children: []*Selection{{Name: "id"}}},
		{Alias: "first", Name: "order", Args: map[string]any{"id": 1}},
	}
	b := []*Selection{
		{Name: "orders", Children: []*Selection{{Name: "id"}, {Name: "name"}}},
		{Name: "products"},
	}

	got := Merge(Merge(nil, a...), b...)
	want := []*Selection{
		{Name: "orders", Children: []*Selection{{Name: "id"}, {Name: "name"}}},
		{Alias: "first", Name: "order", Args: map[string]any{"id": 1}},
		{Name: "products"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("merge mismatch (-want +got):\n%s", diff)
	}
	// inputs are not modified
	if len(a[0].Children) != 1 {
		t.Fatalf("merge mutated its input: %v", a[0].Children)
	}
}

func TestHash_StableAndSensitive(t *testing.T) {
	s1 := []*Selection{{Name: "orders", Args: map[string]any{"b": 2, "a": "x"}, Children: []*Selection{{Name: "id"}}}}
	s2 := []*Selection{{Name: "orders", Args: map[string]any{"a": "x", "b": 2}, Children: []*Selection{{Name: "id"}}}}
	s3 := []*Selection{{Name: "orders", Args: map[string]any{"a": "y", "b": 2}, Children: []*Selection{{Name: "id"}}}}
	s4 := []*Selection{{Alias: "o", Name: "orders", Args: map[string]any{"a": "x", "b": 2}, Children: []*Selection{{Name: "id"}}}}

	if Hash(s1) != Hash(s2) {
		t.Fatalf("argument order must not change the hash")
	}
	if Hash(s1) == Hash(s3) {
		t.Fatalf("argument values must change the hash")
	}
	if Hash(s1) == Hash(s4) {
		t.Fatalf("aliases must change the hash")
	}
}

func TestFind(t *testing.T) {
	sels := []*Selection{{Name: "id"}, {Alias: "n", Name: "name"}}
	if Find(sels, "n") != sels[1] {
		t.Fatalf("expected aliased selection")
	}
	if Find(sels, "name") != nil {
		t.Fatalf("lookup is by response name")
	}
}
