// Package compose assembles subgraph descriptors into a federated schema.
//
// Compose is a pure function of its input: it performs no I/O, never retries
// and returns the same schema for the same descriptor set. Liveness enters
// through the Status stamped on each descriptor. Holder wraps Compose with
// the "last good snapshot" policy used by the running gateway.
package compose

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	health "github.com/hanpama/fedgraph/internal/health"
	schema "github.com/hanpama/fedgraph/internal/schema"
	subgraph "github.com/hanpama/fedgraph/internal/subgraph"
)

// QueryType is the root type every federated schema is rooted at.
const QueryType = "Query"

// ErrNoSubgraphs is returned when Compose is called without descriptors.
var ErrNoSubgraphs = errors.New("compose: no subgraphs")

type fieldAcc struct {
	name string
	// def is the owning declaration, or the first stub when nobody owns it.
	def        subgraph.FieldDef
	defBy      string
	owners     []string
	stubs      []string
	mismatched bool
}

type typeAcc struct {
	name        string
	description string
	fields      map[string]*fieldAcc
	order       []string
	// entityKeys maps subgraph to the key field it resolves the type by.
	entityKeys map[string]string
	declaredBy map[string]bool
}

func (t *typeAcc) field(name string) *fieldAcc {
	f := t.fields[name]
	if f == nil {
		f = &fieldAcc{name: name}
		t.fields[name] = f
		t.order = append(t.order, name)
	}
	return f
}

type reference struct {
	subgraph string
	typ      string
	field    string
	keyFrom  string
	target   string
}

type composer struct {
	descs     []subgraph.Descriptor
	types     map[string]*typeAcc
	typeOrder []string
	refs      []reference
	errs      Errors
}

// Compose builds a federated schema from descriptors. Composition fails as a
// whole: on any violation it returns nil and an Errors value listing every
// violation found.
func Compose(descriptors []subgraph.Descriptor) (*schema.Schema, error) {
	if len(descriptors) == 0 {
		return nil, ErrNoSubgraphs
	}
	descs := append([]subgraph.Descriptor(nil), descriptors...)
	sort.SliceStable(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })

	c := &composer{descs: descs, types: make(map[string]*typeAcc)}
	c.collect()
	c.checkOwnership()
	c.checkEntities()
	c.checkReferences()
	c.checkReachability()
	c.checkHealth()
	if len(c.errs) > 0 {
		sortErrors(c.errs)
		return nil, c.errs
	}
	return c.build(), nil
}

func (c *composer) fail(kind Kind, typ, field string, subgraphs []string, format string, args ...any) {
	c.errs = append(c.errs, &Error{
		Kind:      kind,
		Type:      typ,
		Field:     field,
		Subgraphs: subgraphs,
		Message:   fmt.Sprintf(format, args...),
	})
}

func (c *composer) typ(name string) *typeAcc {
	t := c.types[name]
	if t == nil {
		t = &typeAcc{name: name, fields: make(map[string]*fieldAcc), entityKeys: make(map[string]string), declaredBy: make(map[string]bool)}
		c.types[name] = t
		c.typeOrder = append(c.typeOrder, name)
	}
	return t
}

func (c *composer) collect() {
	seen := make(map[string]bool, len(c.descs))
	for _, d := range c.descs {
		if seen[d.Name] {
			c.fail(OwnershipConflict, "", "", []string{d.Name}, "subgraph name declared more than once")
			continue
		}
		seen[d.Name] = true

		for _, td := range d.Types {
			t := c.typ(td.Name)
			t.declaredBy[d.Name] = true
			if t.description == "" {
				t.description = td.Description
			}
			for _, fd := range td.Fields {
				f := t.field(fd.Name)
				if f.def.Type != nil && !f.def.Type.Equal(fd.Type) && !f.mismatched {
					f.mismatched = true
					c.fail(OwnershipConflict, td.Name, fd.Name, []string{f.defBy, d.Name},
						"declared as %s by %s and %s by %s", f.def.Type, f.defBy, fd.Type, d.Name)
				}
				if fd.Stub {
					f.stubs = append(f.stubs, d.Name)
				} else {
					f.owners = append(f.owners, d.Name)
				}
				if f.def.Type == nil || (!fd.Stub && len(f.owners) == 1) {
					f.def = fd
					f.defBy = d.Name
				}
				if fd.KeyFrom != "" && !fd.Stub {
					c.refs = append(c.refs, reference{
						subgraph: d.Name,
						typ:      td.Name,
						field:    fd.Name,
						keyFrom:  fd.KeyFrom,
						target:   fd.Type.GetNamedType(),
					})
				}
			}
		}

		entityTypes := make([]string, 0, len(d.Entities))
		for name := range d.Entities {
			entityTypes = append(entityTypes, name)
		}
		sort.Strings(entityTypes)
		for _, name := range entityTypes {
			key := d.Entities[name]
			if !d.Declares(name, key) {
				c.fail(UnresolvableReference, name, key, []string{d.Name}, "entity key field is not declared by %s", d.Name)
				continue
			}
			c.typ(name).entityKeys[d.Name] = key
		}
	}
}

func (c *composer) checkOwnership() {
	for _, tn := range c.typeOrder {
		t := c.types[tn]
		for _, fn := range t.order {
			f := t.fields[fn]
			switch {
			case len(f.owners) > 1:
				c.fail(OwnershipConflict, tn, fn, f.owners, "field is owned by more than one subgraph")
			case len(f.owners) == 0:
				c.fail(UnresolvableReference, tn, fn, f.stubs, "field is only declared as a reference-only stub")
			}
		}
	}
}

// key returns the agreed entity key of t, or "" when t is not an entity.
func (c *composer) key(t *typeAcc) string {
	for _, d := range c.descs {
		if k, ok := t.entityKeys[d.Name]; ok {
			return k
		}
	}
	return ""
}

func (c *composer) checkEntities() {
	for _, tn := range c.typeOrder {
		t := c.types[tn]
		if len(t.entityKeys) == 0 {
			continue
		}
		if tn == QueryType {
			c.fail(UnresolvableReference, tn, "", sortedKeys(t.entityKeys), "the root type cannot be resolved by reference")
			continue
		}
		keys := map[string][]string{}
		for sg, k := range t.entityKeys {
			keys[k] = append(keys[k], sg)
		}
		if len(keys) > 1 {
			var parts []string
			var sgs []string
			for _, k := range sortedKeys(keys) {
				sort.Strings(keys[k])
				parts = append(parts, fmt.Sprintf("%s by %s", k, strings.Join(keys[k], ", ")))
				sgs = append(sgs, keys[k]...)
			}
			sort.Strings(sgs)
			c.fail(OwnershipConflict, tn, "", sgs, "entity key declared inconsistently: %s", strings.Join(parts, "; "))
		}
	}
}

func (c *composer) checkReferences() {
	for _, r := range c.refs {
		d := c.desc(r.subgraph)
		if !d.Declares(r.typ, r.keyFrom) {
			c.fail(UnresolvableReference, r.typ, r.field, []string{r.subgraph}, "key source field %q is not declared by %s", r.keyFrom, r.subgraph)
		}
		target := c.types[r.target]
		if target == nil {
			c.fail(UnresolvableReference, r.typ, r.field, []string{r.subgraph}, "referenced type %s is not declared by any subgraph", r.target)
			continue
		}
		if len(c.liveResolvers(target)) == 0 {
			c.fail(UnresolvableReference, r.typ, r.field, []string{r.subgraph}, "no live subgraph resolves %s by key", r.target)
		}
	}
}

// checkReachability makes sure every field can be reached from every place
// an object of its type can appear: the owner of each field must be able to
// complete the type by reference whenever the object may have been produced
// by someone else.
func (c *composer) checkReachability() {
	referenced := map[string]bool{}
	for _, r := range c.refs {
		referenced[r.target] = true
	}
	for _, tn := range c.typeOrder {
		if tn == QueryType {
			continue
		}
		t := c.types[tn]
		owners := c.owners(t)
		if len(owners) <= 1 && !referenced[tn] {
			continue
		}
		for _, sg := range owners {
			if _, ok := t.entityKeys[sg]; !ok {
				c.fail(UnresolvableReference, tn, "", []string{sg}, "%s owns fields of %s but cannot resolve it by reference", sg, tn)
			}
		}
	}

	// A subgraph returning objects of a type whose fields live partly
	// elsewhere must be able to supply the entity key.
	for _, tn := range c.typeOrder {
		t := c.types[tn]
		for _, fn := range t.order {
			f := t.fields[fn]
			if len(f.owners) != 1 || f.def.KeyFrom != "" {
				continue
			}
			sg := f.owners[0]
			named := f.def.Type.GetNamedType()
			target := c.types[named]
			if target == nil {
				if !schema.IsBuiltin(named) {
					c.fail(UnresolvableReference, tn, fn, []string{sg}, "type %s is not declared by any subgraph", named)
				}
				continue
			}
			foreign := false
			for _, tf := range target.order {
				if o := target.fields[tf].owners; len(o) == 1 && o[0] != sg {
					foreign = true
					break
				}
			}
			if !foreign {
				continue
			}
			key := c.key(target)
			if key == "" || !c.desc(sg).Declares(named, key) {
				c.fail(UnresolvableReference, tn, fn, []string{sg}, "%s returns %s but cannot supply its entity key", sg, named)
			}
		}
	}
}

func (c *composer) checkHealth() {
	for _, d := range c.descs {
		if !d.OwnsAny() {
			continue
		}
		if d.Status != health.Healthy {
			c.fail(SubgraphUnhealthy, "", "", []string{d.Name}, "subgraph is %s", d.Status)
		}
	}
}

func (c *composer) desc(name string) *subgraph.Descriptor {
	for i := range c.descs {
		if c.descs[i].Name == name {
			return &c.descs[i]
		}
	}
	return &subgraph.Descriptor{Name: name}
}

func (c *composer) owners(t *typeAcc) []string {
	seen := map[string]bool{}
	var out []string
	for _, fn := range t.order {
		for _, o := range t.fields[fn].owners {
			if !seen[o] {
				seen[o] = true
				out = append(out, o)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (c *composer) liveResolvers(t *typeAcc) []string {
	var out []string
	for _, sg := range sortedKeys(t.entityKeys) {
		if c.desc(sg).Status == health.Healthy {
			out = append(out, sg)
		}
	}
	return out
}

func (c *composer) build() *schema.Schema {
	s := &schema.Schema{
		QueryType: QueryType,
		Types:     schema.Builtins(),
		Subgraphs: make(map[string]*schema.Subgraph, len(c.descs)),
	}
	for _, d := range c.descs {
		s.Subgraphs[d.Name] = &schema.Subgraph{Name: d.Name, ReplyMode: d.Reply()}
	}
	if _, ok := c.types[QueryType]; !ok {
		c.typ(QueryType)
	}
	for _, tn := range c.typeOrder {
		t := c.types[tn]
		out := &schema.Type{Name: tn, Kind: schema.TypeKindObject, Description: t.description}
		for _, fn := range t.order {
			f := t.fields[fn]
			out.Fields = append(out.Fields, &schema.Field{
				Name:        fn,
				Description: f.def.Description,
				Type:        f.def.Type,
				Arguments:   f.def.Args,
				Owner:       f.owners[0],
				KeyFrom:     f.def.KeyFrom,
			})
		}
		if key := c.key(t); key != "" {
			out.Key = key
			out.Resolvers = c.liveResolvers(t)
			if keyField := t.fields[key]; keyField != nil && len(keyField.owners) == 1 && out.CanResolve(keyField.owners[0]) {
				out.Resolver = keyField.owners[0]
			} else if len(out.Resolvers) > 0 {
				out.Resolver = out.Resolvers[0]
			}
		}
		s.Types[tn] = out
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortErrors(es Errors) {
	sort.SliceStable(es, func(i, j int) bool {
		a, b := es[i], es[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Message < b.Message
	})
}
