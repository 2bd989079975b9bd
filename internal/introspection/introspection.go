// Package introspection answers the __schema and __type root fields from the
// composed schema snapshot without calling any subgraph.
package introspection

import (
	"fmt"
	"sort"

	query "github.com/hanpama/fedgraph/internal/query"
	schema "github.com/hanpama/fedgraph/internal/schema"
)

// Root field names answered by this package.
const (
	SchemaField = "__schema"
	TypeField   = "__type"
)

// IsRootField reports whether name is an introspection root field.
func IsRootField(name string) bool { return name == SchemaField || name == TypeField }

// Split separates introspection root selections from the rest.
func Split(sels []*query.Selection) (meta, rest []*query.Selection) {
	for _, sel := range sels {
		if IsRootField(sel.Name) {
			meta = append(meta, sel)
		} else {
			rest = append(rest, sel)
		}
	}
	return meta, rest
}

// Error reports a selection the introspection types do not define.
type Error struct {
	Type  string
	Field string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cannot query field %q on type %q", e.Field, e.Type)
}

// directive describes a directive the gateway itself understands.
type directive struct {
	name        string
	description string
	locations   []string
	args        []*schema.InputValue
}

var directives = []*directive{
	{
		name:        "include",
		description: "Directs the executor to include this field or fragment only when the `if` argument is true.",
		locations:   []string{"FIELD", "FRAGMENT_SPREAD", "INLINE_FRAGMENT"},
		args: []*schema.InputValue{{
			Name:        "if",
			Description: "Included when true.",
			Type:        schema.NonNullType(schema.NamedType("Boolean")),
		}},
	},
	{
		name:        "skip",
		description: "Directs the executor to skip this field or fragment when the `if` argument is true.",
		locations:   []string{"FIELD", "FRAGMENT_SPREAD", "INLINE_FRAGMENT"},
		args: []*schema.InputValue{{
			Name:        "if",
			Description: "Skipped when true.",
			Type:        schema.NonNullType(schema.NamedType("Boolean")),
		}},
	},
}

// Resolve answers the introspection root selections sels against s. The
// result is keyed by response name.
func Resolve(s *schema.Schema, sels []*query.Selection) (map[string]any, error) {
	r := resolver{schema: s}
	out := make(map[string]any, len(sels))
	for _, sel := range sels {
		var v any
		switch sel.Name {
		case SchemaField:
			v = s
		case TypeField:
			name, _ := sel.Args["name"].(string)
			if t := s.Type(name); t != nil {
				v = t
			}
		default:
			return nil, &Error{Type: s.QueryType, Field: sel.Name}
		}
		c, err := r.complete(v, sel.Children)
		if err != nil {
			return nil, err
		}
		out[sel.ResponseName()] = c
	}
	return out, nil
}

type resolver struct {
	schema *schema.Schema
}

// complete resolves children against v, which is an introspection object, a
// list of them, or a leaf.
func (r resolver) complete(v any, children []*query.Selection) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []*schema.Type:
		return completeList(r, x, children)
	case []*schema.Field:
		return completeList(r, x, children)
	case []*schema.InputValue:
		return completeList(r, x, children)
	case []*directive:
		return completeList(r, x, children)
	case *schema.Schema, *schema.Type, *schema.TypeRef, *schema.Field, *schema.InputValue, *directive:
		out := make(map[string]any, len(children))
		for _, sel := range children {
			fv, err := r.field(x, sel)
			if err != nil {
				return nil, err
			}
			c, err := r.complete(fv, sel.Children)
			if err != nil {
				return nil, err
			}
			out[sel.ResponseName()] = c
		}
		return out, nil
	default:
		return v, nil
	}
}

func completeList[T any](r resolver, items []T, children []*query.Selection) (any, error) {
	out := make([]any, len(items))
	for i, item := range items {
		c, err := r.complete(item, children)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func (r resolver) field(obj any, sel *query.Selection) (any, error) {
	var (
		v        any
		ok       bool
		typeName string
	)
	switch x := obj.(type) {
	case *schema.Schema:
		typeName = "__Schema"
		v, ok = r.schemaField(x, sel.Name)
	case *schema.Type:
		typeName = "__Type"
		v, ok = r.typeField(x, sel.Name)
	case *schema.TypeRef:
		typeName = "__Type"
		v, ok = r.typeRefField(x, sel.Name)
	case *schema.Field:
		typeName = "__Field"
		v, ok = fieldField(x, sel.Name)
	case *schema.InputValue:
		typeName = "__InputValue"
		v, ok = inputValueField(x, sel.Name)
	case *directive:
		typeName = "__Directive"
		v, ok = directiveField(x, sel.Name)
	}
	if sel.Name == query.TypenameField {
		return typeName, nil
	}
	if !ok {
		return nil, &Error{Type: typeName, Field: sel.Name}
	}
	return v, nil
}

func (r resolver) schemaField(s *schema.Schema, field string) (any, bool) {
	switch field {
	case "description", "mutationType", "subscriptionType":
		return nil, true
	case "types":
		names := make([]string, 0, len(s.Types))
		for name := range s.Types {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make([]*schema.Type, len(names))
		for i, name := range names {
			out[i] = s.Types[name]
		}
		return out, true
	case "queryType":
		if t := s.GetQueryType(); t != nil {
			return t, true
		}
		return nil, true
	case "directives":
		return directives, true
	}
	return nil, false
}

func (r resolver) typeField(t *schema.Type, field string) (any, bool) {
	switch field {
	case "kind":
		return string(t.Kind), true
	case "name":
		return t.Name, true
	case "description":
		return nullable(t.Description), true
	case "fields":
		if t.Kind != schema.TypeKindObject {
			return nil, true
		}
		return t.Fields, true
	case "interfaces":
		if t.Kind != schema.TypeKindObject {
			return nil, true
		}
		return []*schema.Type{}, true
	case "possibleTypes", "enumValues", "inputFields", "ofType", "specifiedByURL":
		return nil, true
	}
	return nil, false
}

// typeRefField answers wrapper types directly and defers named references to
// their definition.
func (r resolver) typeRefField(tr *schema.TypeRef, field string) (any, bool) {
	if tr.Kind == schema.TypeRefKindNamed {
		t := r.schema.Type(tr.Named)
		if t == nil {
			return nil, field == "kind" || field == "name"
		}
		return r.typeField(t, field)
	}
	switch field {
	case "kind":
		return string(tr.Kind), true
	case "ofType":
		if tr.OfType == nil {
			return nil, true
		}
		return tr.OfType, true
	case "name", "description", "fields", "interfaces", "possibleTypes", "enumValues", "inputFields", "specifiedByURL":
		return nil, true
	}
	return nil, false
}

func fieldField(f *schema.Field, field string) (any, bool) {
	switch field {
	case "name":
		return f.Name, true
	case "description":
		return nullable(f.Description), true
	case "args":
		if f.Arguments == nil {
			return []*schema.InputValue{}, true
		}
		return f.Arguments, true
	case "type":
		return f.Type, true
	case "isDeprecated":
		return false, true
	case "deprecationReason":
		return nil, true
	}
	return nil, false
}

func inputValueField(a *schema.InputValue, field string) (any, bool) {
	switch field {
	case "name":
		return a.Name, true
	case "description":
		return nullable(a.Description), true
	case "type":
		return a.Type, true
	case "defaultValue":
		if a.DefaultValue == nil {
			return nil, true
		}
		return schema.RenderValue(a.DefaultValue), true
	case "isDeprecated":
		return false, true
	case "deprecationReason":
		return nil, true
	}
	return nil, false
}

func directiveField(d *directive, field string) (any, bool) {
	switch field {
	case "name":
		return d.name, true
	case "description":
		return nullable(d.description), true
	case "locations":
		locs := make([]any, len(d.locations))
		for i, l := range d.locations {
			locs[i] = l
		}
		return locs, true
	case "args":
		return d.args, true
	case "isRepeatable":
		return false, true
	}
	return nil, false
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
