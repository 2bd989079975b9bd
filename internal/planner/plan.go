package planner

import (
	"fmt"
	"sort"
	"strings"

	query "github.com/hanpama/fedgraph/internal/query"
	schema "github.com/hanpama/fedgraph/internal/schema"
)

// KeyAliasPrefix prefixes the response name of key fields the gateway selects
// for itself. Such fields never appear in client responses.
const KeyAliasPrefix = "__key_"

// RequestKind tells how a request is sent to its subgraph.
type RequestKind string

const (
	// FieldsRequest resolves root fields.
	FieldsRequest RequestKind = "fields"
	// ReferencesRequest completes entities by key.
	ReferencesRequest RequestKind = "references"
)

// Plan is an execution plan: stages in dependency order, the reference sites
// connecting them, and the shape of the client response.
//
// A Plan is immutable once returned and may be executed concurrently.
type Plan struct {
	SchemaVersion uint64
	RootType      string
	Stages        []*Stage
	// Requests holds every request of every stage, indexed by Request.ID.
	Requests []*Request
	// Sites holds every reference site, indexed by Site.ID.
	Sites []*Site
	Shape []*Shape
}

// Stage is a set of requests that run concurrently. Requests are ordered by
// first encounter in the requested shape.
type Stage struct {
	Index    int
	Requests []*Request
}

// Request is one call to one subgraph.
type Request struct {
	ID       int
	Stage    int
	Subgraph string
	Kind     RequestKind
	// Type is the root type for fields requests and the entity type for
	// references requests.
	Type string
	// KeyField is the entity key field of references requests.
	KeyField   string
	ReplyMode  schema.ReplyMode
	Selections []*query.Selection
	// Sites lists the reference sites found in this request's results.
	Sites []int

	// raw is the client selection merged into this request, used to keep
	// incompatible selections apart.
	raw []*query.Selection
}

// Site is a position in a request's results where entities are completed by
// later requests.
//
// When Field is set, the objects at Path hold the key in KeyField and the
// entity value replaces Field. When Field is empty, the objects at Path are
// themselves entities of Type; their key is read from KeyField and the
// targets' records are merged into them.
type Site struct {
	ID      int
	Request int
	// Path is relative to the request's result root: the data object of a
	// fields request or each record of a references request. Lists along the
	// path are traversed element-wise.
	Path     []string
	Field    string
	KeyField string
	Type     string
	// List is set when Field holds a list of entities.
	List    bool
	Targets []int
}

// Shape is the client-visible selection tree used to project the final
// response.
type Shape struct {
	ResponseName string
	Name         string
	ParentType   string
	Children     []*Shape
}

// Request returns the request with the given id, or nil.
func (p *Plan) Request(id int) *Request {
	if id < 0 || id >= len(p.Requests) {
		return nil
	}
	return p.Requests[id]
}

// String renders the plan one request per line. The output is stable and
// used in tests and debug logs.
func (p *Plan) String() string {
	var b strings.Builder
	for _, st := range p.Stages {
		fmt.Fprintf(&b, "stage %d\n", st.Index)
		for _, r := range st.Requests {
			fmt.Fprintf(&b, "  #%d %s %s %s", r.ID, r.Subgraph, r.Kind, r.Type)
			if r.KeyField != "" {
				fmt.Fprintf(&b, "(%s)", r.KeyField)
			}
			b.WriteString(" ")
			writeSelections(&b, r.Selections)
			b.WriteString("\n")
			for _, id := range r.Sites {
				s := p.Sites[id]
				path := append(append([]string(nil), s.Path...), s.Field)
				targets := make([]string, len(s.Targets))
				for i, t := range s.Targets {
					targets[i] = fmt.Sprintf("#%d", t)
				}
				fmt.Fprintf(&b, "    site %s %s by %s -> %s\n", strings.TrimSuffix(strings.Join(path, "."), "."), s.Type, s.KeyField, strings.Join(targets, ","))
			}
		}
	}
	return b.String()
}

func writeSelections(b *strings.Builder, sels []*query.Selection) {
	b.WriteString("{")
	for i, s := range sels {
		if i > 0 {
			b.WriteString(" ")
		}
		if s.Alias != "" {
			b.WriteString(s.Alias)
			b.WriteString(":")
		}
		b.WriteString(s.Name)
		if len(s.Args) > 0 {
			keys := make([]string, 0, len(s.Args))
			for k := range s.Args {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteString("(")
			for j, k := range keys {
				if j > 0 {
					b.WriteString(" ")
				}
				fmt.Fprintf(b, "%s:%v", k, s.Args[k])
			}
			b.WriteString(")")
		}
		if len(s.Children) > 0 {
			writeSelections(b, s.Children)
		}
	}
	b.WriteString("}")
}
