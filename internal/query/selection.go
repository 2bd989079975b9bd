// Package query models the requested shape of a client query: a tree of field
// selections with arguments already coerced to Go values. It is produced by a
// query-language parser (see package language) and consumed by the planner.
package query

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// TypenameField is the meta field answered by the gateway itself.
const TypenameField = "__typename"

// Selection is a single field selection.
type Selection struct {
	Alias    string         `json:"alias,omitempty"`
	Name     string         `json:"name"`
	Args     map[string]any `json:"args,omitempty"`
	Children []*Selection   `json:"children,omitempty"`
}

// ResponseName is the key the field's value is written under.
func (s *Selection) ResponseName() string {
	if s.Alias != "" {
		return s.Alias
	}
	return s.Name
}

// CloneShallow returns a copy of s without its children.
func (s *Selection) CloneShallow() *Selection {
	return &Selection{Alias: s.Alias, Name: s.Name, Args: s.Args}
}

// Merge merges src into dst by response name, keeping first-encounter order.
// Selections with the same response name have their children merged
// recursively.
func Merge(dst []*Selection, src ...*Selection) []*Selection {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d.ResponseName() == s.ResponseName() {
				d.Children = Merge(d.Children, s.Children...)
				found = true
				break
			}
		}
		if !found {
			c := s.CloneShallow()
			c.Children = Merge(nil, s.Children...)
			dst = append(dst, c)
		}
	}
	return dst
}

// Find returns the selection with the given response name.
func Find(sels []*Selection, responseName string) *Selection {
	for _, s := range sels {
		if s.ResponseName() == responseName {
			return s
		}
	}
	return nil
}

// Hash returns a stable 64-bit digest of the selection tree. Argument maps are
// hashed in key order.
func Hash(sels []*Selection) uint64 {
	h := xxhash.New()
	writeSelections(h, sels)
	return h.Sum64()
}

func writeSelections(h *xxhash.Digest, sels []*Selection) {
	_, _ = h.WriteString("{")
	for _, s := range sels {
		_, _ = h.WriteString(s.Alias)
		_, _ = h.WriteString(":")
		_, _ = h.WriteString(s.Name)
		if len(s.Args) > 0 {
			keys := make([]string, 0, len(s.Args))
			for k := range s.Args {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			_, _ = h.WriteString("(")
			for _, k := range keys {
				_, _ = h.WriteString(k)
				_, _ = h.WriteString("=")
				b, err := json.Marshal(s.Args[k])
				if err != nil {
					_, _ = h.WriteString(strconv.Quote(err.Error()))
				}
				_, _ = h.Write(b)
				_, _ = h.WriteString(",")
			}
			_, _ = h.WriteString(")")
		}
		if len(s.Children) > 0 {
			writeSelections(h, s.Children)
		}
		_, _ = h.WriteString(";")
	}
	_, _ = h.WriteString("}")
}
