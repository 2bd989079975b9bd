package subgraph

import (
	"context"
	"fmt"
	"reflect"

	query "github.com/hanpama/fedgraph/internal/query"
	schema "github.com/hanpama/fedgraph/internal/schema"
)

// FieldFunc resolves one field of a parent object. parent is nil for root
// fields.
type FieldFunc func(ctx context.Context, parent map[string]any, args map[string]any) (any, error)

// EntityFunc completes one entity by key. Returning (nil, nil) means the key
// is unknown.
type EntityFunc func(ctx context.Context, key any) (map[string]any, error)

// Memory is a Service backed by Go functions and in-memory records. Fields
// without a registered FieldFunc are read from the parent record by name.
type Memory struct {
	desc     Descriptor
	fields   map[string]FieldFunc
	entities map[string]EntityFunc
}

var _ Service = (*Memory)(nil)

// NewMemory returns a Memory service describing itself with desc.
func NewMemory(desc Descriptor) *Memory {
	return &Memory{
		desc:     desc,
		fields:   make(map[string]FieldFunc),
		entities: make(map[string]EntityFunc),
	}
}

// HandleField registers fn for typ.field. Registration is not safe for
// concurrent use with resolution; register everything up front.
func (m *Memory) HandleField(typ, field string, fn FieldFunc) *Memory {
	m.fields[typ+"."+field] = fn
	return m
}

// HandleEntity registers fn to complete typ by key.
func (m *Memory) HandleEntity(typ string, fn EntityFunc) *Memory {
	m.entities[typ] = fn
	return m
}

// Describe returns the descriptor the service was built with.
func (m *Memory) Describe(ctx context.Context) (*Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := m.desc
	return &d, nil
}

func (m *Memory) ResolveFields(ctx context.Context, req *FieldsRequest) (*FieldsResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	typ := m.desc.Type(req.Type)
	if typ == nil {
		return nil, fmt.Errorf("subgraph %s: unknown root type %q", m.desc.Name, req.Type)
	}
	r := &resolution{m: m}
	data := r.selectionSet(ctx, typ, nil, req.Selections, nil)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &FieldsResponse{Data: data, Errors: r.errors}, nil
}

func (m *Memory) ResolveReferences(ctx context.Context, req *ReferencesRequest) (*ReferencesResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fn := m.entities[req.Type]
	typ := m.desc.Type(req.Type)
	if fn == nil || typ == nil {
		return nil, fmt.Errorf("subgraph %s: type %q is not resolvable by reference", m.desc.Name, req.Type)
	}
	out := &ReferencesResponse{Results: make([]ReferenceResult, len(req.Keys))}
	for i, key := range req.Keys {
		out.Results[i].Key = key
		rec, err := fn(ctx, key)
		if err != nil {
			out.Results[i].Error = err.Error()
			continue
		}
		if rec == nil {
			out.Results[i].Error = fmt.Sprintf("%s %s not found", req.Type, KeyString(key))
			continue
		}
		r := &resolution{m: m}
		out.Results[i].Record = r.selectionSet(ctx, typ, rec, req.Selections, nil)
		if len(r.errors) > 0 {
			out.Results[i].Error = r.errors[0].Message
			out.Results[i].Record = nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type resolution struct {
	m      *Memory
	errors []FieldError
}

func (r *resolution) fail(path []any, err error) {
	r.errors = append(r.errors, FieldError{Message: err.Error(), Path: append([]any(nil), path...)})
}

func (r *resolution) selectionSet(ctx context.Context, typ *TypeDef, parent map[string]any, sels []*query.Selection, path []any) map[string]any {
	out := make(map[string]any, len(sels))
	for _, sel := range sels {
		name := sel.ResponseName()
		p := append(path[:len(path):len(path)], name)
		if sel.Name == query.TypenameField {
			out[name] = typ.Name
			continue
		}
		fd := typ.Field(sel.Name)
		if fd == nil {
			r.fail(p, fmt.Errorf("cannot query field %q on type %q", sel.Name, typ.Name))
			out[name] = nil
			continue
		}
		var value any
		if fn := r.m.fields[typ.Name+"."+sel.Name]; fn != nil {
			v, err := fn(ctx, parent, sel.Args)
			if err != nil {
				r.fail(p, err)
				out[name] = nil
				continue
			}
			value = v
		} else if parent != nil {
			value = parent[sel.Name]
		}
		out[name] = r.complete(ctx, fd.Type, sel, value, p)
	}
	return out
}

func (r *resolution) complete(ctx context.Context, ref *schema.TypeRef, sel *query.Selection, value any, path []any) any {
	if value == nil || ref == nil {
		return nil
	}
	if ref.Kind == schema.TypeRefKindNonNull {
		return r.complete(ctx, ref.OfType, sel, value, path)
	}
	if ref.Kind == schema.TypeRefKindList {
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Slice {
			r.fail(path, fmt.Errorf("expected list value, got %T", value))
			return nil
		}
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = r.complete(ctx, ref.OfType, sel, rv.Index(i).Interface(), append(path[:len(path):len(path)], i))
		}
		return items
	}
	objType := r.m.desc.Type(ref.Named)
	if objType == nil {
		return value
	}
	rec, ok := value.(map[string]any)
	if !ok {
		r.fail(path, fmt.Errorf("expected object value for %s, got %T", ref.Named, value))
		return nil
	}
	return r.selectionSet(ctx, objType, rec, sel.Children, path)
}
