package executor

import (
	"reflect"

	planner "github.com/hanpama/fedgraph/internal/planner"
	query "github.com/hanpama/fedgraph/internal/query"
)

// entityRef is a placeholder for an entity awaiting completion by one or more
// references requests.
type entityRef struct {
	typ string
	key any
	// path is the response path the entity is written at.
	path Path
	// obj accumulates the records of every target. For extension sites it is
	// the object already in the tree.
	obj       map[string]any
	extension bool
	// set splices the completed value into the tree. Nil for extensions.
	set func(any)

	pending  int
	resolved bool
	settled  bool
	// subgraph names the first target, used when the entity is abandoned.
	subgraph string
}

func (r *entityRef) settle(ok bool) {
	if r.settled {
		return
	}
	if ok {
		r.resolved = true
	}
	r.pending--
	if r.pending > 0 {
		return
	}
	r.finish()
}

func (r *entityRef) finish() {
	r.settled = true
	if r.set == nil {
		return
	}
	if r.resolved {
		r.set(r.obj)
	} else {
		r.set(nil)
	}
}

// walk calls fn for every object reached from v along path. Lists are
// traversed element-wise at any depth.
func walk(v any, path []string, at Path, fn func(obj map[string]any, at Path)) {
	switch x := v.(type) {
	case []any:
		for i, e := range x {
			walk(e, path, appendPath(at, i), fn)
		}
	case map[string]any:
		if len(path) == 0 {
			fn(x, at)
			return
		}
		walk(x[path[0]], path[1:], appendPath(at, path[0]), fn)
	}
}

// normalize deep-copies v into the generic JSON-like representation used by
// the result tree: map[string]any, []any and scalars.
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case string, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return x
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalize(iter.Value().Interface())
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
	}
	return v
}

// mergeInto merges src into dst, recursing into objects present in both.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if dm, ok := dst[k].(map[string]any); ok {
			if sm, ok := v.(map[string]any); ok {
				mergeInto(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}

// keyList returns the key values of a list-typed reference.
func keyList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case nil:
		return nil, false
	}
	if n, ok := normalize(v).([]any); ok {
		return n, true
	}
	return nil, false
}

// project shapes the result tree into the client response.
func project(obj map[string]any, shape []*planner.Shape) map[string]any {
	out := make(map[string]any, len(shape))
	for _, s := range shape {
		if s.Name == query.TypenameField {
			out[s.ResponseName] = s.ParentType
			continue
		}
		out[s.ResponseName] = projectValue(obj[s.ResponseName], s.Children)
	}
	return out
}

func projectValue(v any, children []*planner.Shape) any {
	switch x := v.(type) {
	case nil, *entityRef:
		return nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = projectValue(e, children)
		}
		return out
	case map[string]any:
		if len(children) == 0 {
			return x
		}
		return project(x, children)
	default:
		return v
	}
}
