// Package planner turns a requested selection tree into an execution plan
// against a federated schema.
//
// Stage 0 holds one fields request per subgraph owning requested root
// fields. Whenever a selection crosses into fields another subgraph must
// supply (a reference field, or fields of a split entity), the planner
// selects the key under a hidden alias, records a reference site, and defers
// the remaining selections into a references request one stage later. All
// deferred selections of the same stage, subgraph and type share a request,
// so the executor sends one batched call carrying every key.
package planner

import (
	"reflect"

	query "github.com/hanpama/fedgraph/internal/query"
	schema "github.com/hanpama/fedgraph/internal/schema"
)

// Build returns an execution plan for sels against s. Planning the same
// selections against the same schema always yields the same plan.
func Build(s *schema.Schema, sels []*query.Selection) (*Plan, error) {
	root := s.GetQueryType()
	if root == nil {
		return nil, noSuchType(s.QueryType, "", nil, "root type %q is not declared", s.QueryType)
	}
	p := &planner{
		schema: s,
		plan:   &Plan{SchemaVersion: s.Version, RootType: root.Name},
		sites:  make(map[siteKey]*Site),
	}
	shape, err := p.shape(root, sels, nil)
	if err != nil {
		return nil, err
	}
	p.plan.Shape = shape

	// Create stage 0 requests in first-encounter order before descending, so
	// root requests precede anything they cause.
	var owners []string
	byOwner := map[string][]*query.Selection{}
	for _, sel := range sels {
		if sel.Name == query.TypenameField {
			continue
		}
		owner := root.Field(sel.Name).Owner
		if _, ok := byOwner[owner]; !ok {
			owners = append(owners, owner)
		}
		byOwner[owner] = append(byOwner[owner], sel)
	}
	reqs := make([]*Request, len(owners))
	for i, owner := range owners {
		reqs[i] = p.newRequest(0, owner, FieldsRequest, root.Name, "")
	}
	for i, req := range reqs {
		out, err := p.selectionSet(req, nil, root, byOwner[owners[i]])
		if err != nil {
			return nil, err
		}
		req.Selections = query.Merge(req.Selections, out...)
	}
	return p.plan, nil
}

type siteKey struct {
	request int
	path    string
	field   string
	typ     string
}

type planner struct {
	schema *schema.Schema
	plan   *Plan
	sites  map[siteKey]*Site
}

// shape validates the requested tree and records it for projection.
func (p *planner) shape(t *schema.Type, sels []*query.Selection, path []string) ([]*Shape, error) {
	out := make([]*Shape, 0, len(sels))
	for _, sel := range sels {
		at := appendPath(path, sel.ResponseName())
		if sel.Name == query.TypenameField {
			out = append(out, &Shape{ResponseName: sel.ResponseName(), Name: sel.Name, ParentType: t.Name})
			continue
		}
		f := t.Field(sel.Name)
		if f == nil || f.Owner == "" {
			return nil, unknownField(t.Name, sel.Name, at, "cannot query field %q on type %q", sel.Name, t.Name)
		}
		named := f.Type.GetNamedType()
		ft := p.schema.Type(named)
		if ft == nil {
			return nil, noSuchType(t.Name, sel.Name, at, "type %q of field %s.%s is not declared", named, t.Name, sel.Name)
		}
		node := &Shape{ResponseName: sel.ResponseName(), Name: sel.Name, ParentType: t.Name}
		if ft.Kind == schema.TypeKindObject {
			children, err := p.shape(ft, sel.Children, at)
			if err != nil {
				return nil, err
			}
			node.Children = children
		}
		out = append(out, node)
	}
	return out, nil
}

// selectionSet returns the selections req must fetch for sels on type t at
// path, planning deferred requests for everything req cannot supply itself.
func (p *planner) selectionSet(req *Request, path []string, t *schema.Type, sels []*query.Selection) ([]*query.Selection, error) {
	var out, foreign []*query.Selection
	for _, sel := range sels {
		if sel.Name == query.TypenameField {
			continue
		}
		f := t.Field(sel.Name)
		if f.Owner != req.Subgraph {
			foreign = append(foreign, sel)
			continue
		}
		target := p.schema.Type(f.Type.GetNamedType())
		switch {
		case f.IsReference():
			alias := KeyAliasPrefix + f.KeyFrom
			out = query.Merge(out, &query.Selection{Alias: alias, Name: f.KeyFrom})
			site := p.site(req, path, sel.ResponseName(), alias, target)
			site.List = f.Type.IsList()
			if err := p.entity(site, target, sel.Children, req.Stage+1, appendPath(path, sel.ResponseName())); err != nil {
				return nil, err
			}
		case target.Kind == schema.TypeKindObject:
			children, err := p.selectionSet(req, appendPath(path, sel.ResponseName()), target, sel.Children)
			if err != nil {
				return nil, err
			}
			c := sel.CloneShallow()
			c.Children = children
			out = query.Merge(out, c)
		default:
			out = query.Merge(out, sel.CloneShallow())
		}
	}
	if len(foreign) == 0 {
		return out, nil
	}
	if !t.IsEntity() || !t.CanResolve(t.Resolver) {
		f := foreign[0]
		return nil, unknownField(t.Name, f.Name, appendPath(path, f.ResponseName()),
			"field %s.%s is owned by %s and cannot be reached from %s", t.Name, f.Name, t.Field(f.Name).Owner, req.Subgraph)
	}
	alias := KeyAliasPrefix + t.Key
	out = query.Merge(out, &query.Selection{Alias: alias, Name: t.Key})
	site := p.site(req, path, "", alias, t)
	if err := p.entity(site, t, foreign, req.Stage+1, path); err != nil {
		return nil, err
	}
	return out, nil
}

// entity plans the completion of the entities at site: sels are partitioned
// by owner and each partition goes to a references request at stage.
func (p *planner) entity(site *Site, t *schema.Type, sels []*query.Selection, stage int, path []string) error {
	if !t.IsEntity() {
		return noSuchType(t.Name, "", path, "type %s cannot be resolved by reference", t.Name)
	}
	var owners []string
	byOwner := map[string][]*query.Selection{}
	for _, sel := range sels {
		if sel.Name == query.TypenameField {
			continue
		}
		owner := t.Field(sel.Name).Owner
		if !t.CanResolve(owner) {
			return unknownField(t.Name, sel.Name, appendPath(path, sel.ResponseName()),
				"field %s.%s is owned by %s, which cannot resolve %s by reference", t.Name, sel.Name, owner, t.Name)
		}
		if _, ok := byOwner[owner]; !ok {
			owners = append(owners, owner)
		}
		byOwner[owner] = append(byOwner[owner], sel)
	}
	if len(owners) == 0 {
		// Only __typename was requested. Ask the primary resolver for the key so
		// the entity's existence is still confirmed.
		key := &query.Selection{Alias: KeyAliasPrefix + t.Key, Name: t.Key}
		req := p.referencesRequest(stage, t.Resolver, t, []*query.Selection{key})
		req.Selections = query.Merge(req.Selections, key)
		site.Targets = appendUnique(site.Targets, req.ID)
		return nil
	}
	for _, owner := range owners {
		req := p.referencesRequest(stage, owner, t, byOwner[owner])
		out, err := p.selectionSet(req, nil, t, byOwner[owner])
		if err != nil {
			return err
		}
		req.Selections = query.Merge(req.Selections, out...)
		site.Targets = appendUnique(site.Targets, req.ID)
	}
	return nil
}

func (p *planner) stage(i int) *Stage {
	for len(p.plan.Stages) <= i {
		p.plan.Stages = append(p.plan.Stages, &Stage{Index: len(p.plan.Stages)})
	}
	return p.plan.Stages[i]
}

func (p *planner) newRequest(stage int, subgraph string, kind RequestKind, typ, keyField string) *Request {
	mode := schema.ReplyKeyMatched
	if sg := p.schema.Subgraphs[subgraph]; sg != nil && sg.ReplyMode != "" {
		mode = sg.ReplyMode
	}
	req := &Request{
		ID:        len(p.plan.Requests),
		Stage:     stage,
		Subgraph:  subgraph,
		Kind:      kind,
		Type:      typ,
		KeyField:  keyField,
		ReplyMode: mode,
	}
	p.plan.Requests = append(p.plan.Requests, req)
	st := p.stage(stage)
	st.Requests = append(st.Requests, req)
	return req
}

// referencesRequest returns the request of stage for (subgraph, type) that sels
// can join, creating one if none can.
func (p *planner) referencesRequest(stage int, subgraph string, t *schema.Type, sels []*query.Selection) *Request {
	for _, r := range p.stage(stage).Requests {
		if r.Kind == ReferencesRequest && r.Subgraph == subgraph && r.Type == t.Name && compatible(r.raw, sels) {
			r.raw = query.Merge(r.raw, sels...)
			return r
		}
	}
	req := p.newRequest(stage, subgraph, ReferencesRequest, t.Name, t.Key)
	req.raw = query.Merge(nil, sels...)
	return req
}

func (p *planner) site(req *Request, path []string, field, keyField string, t *schema.Type) *Site {
	k := siteKey{request: req.ID, path: joinPath(path), field: field, typ: t.Name}
	if s, ok := p.sites[k]; ok {
		return s
	}
	s := &Site{
		ID:       len(p.plan.Sites),
		Request:  req.ID,
		Path:     append([]string(nil), path...),
		Field:    field,
		KeyField: keyField,
		Type:     t.Name,
	}
	p.sites[k] = s
	p.plan.Sites = append(p.plan.Sites, s)
	req.Sites = append(req.Sites, s.ID)
	return s
}

// compatible reports whether b can be merged into a without two selections
// sharing a response name while asking for different things.
func compatible(a, b []*query.Selection) bool {
	for _, sb := range b {
		sa := query.Find(a, sb.ResponseName())
		if sa == nil {
			continue
		}
		if sa.Name != sb.Name || !reflect.DeepEqual(sa.Args, sb.Args) || !compatible(sa.Children, sb.Children) {
			return false
		}
	}
	return true
}

func appendPath(path []string, name string) []string {
	return append(path[:len(path):len(path)], name)
}

func joinPath(path []string) string {
	n := 0
	for _, p := range path {
		n += len(p) + 1
	}
	b := make([]byte, 0, n)
	for _, p := range path {
		b = append(b, p...)
		b = append(b, 0)
	}
	return string(b)
}

func appendUnique(ids []int, id int) []int {
	for _, x := range ids {
		if x == id {
			return ids
		}
	}
	return append(ids, id)
}
