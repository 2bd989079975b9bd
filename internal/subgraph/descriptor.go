package subgraph

import (
	health "github.com/hanpama/fedgraph/internal/health"
	schema "github.com/hanpama/fedgraph/internal/schema"
)

// Descriptor is what a subgraph declares about itself: the fields it owns,
// the reference-only stubs it holds, and the entity types it can complete by
// key. A descriptor is an immutable snapshot; recomposition replaces it
// wholesale.
type Descriptor struct {
	Name  string    `json:"name"`
	Types []TypeDef `json:"types"`
	// Entities maps a type name to the key field the subgraph can complete it
	// by.
	Entities  map[string]string `json:"entities,omitempty"`
	ReplyMode ReplyMode         `json:"replyMode,omitempty"`

	// Status is the liveness of the subgraph at composition time. It is
	// stamped by the caller of the composer, never sent over the wire.
	Status health.Status `json:"-"`
}

// TypeDef declares fields of one type.
type TypeDef struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Fields      []FieldDef `json:"fields"`
}

// FieldDef declares one field.
type FieldDef struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Type        *schema.TypeRef      `json:"type"`
	Args        []*schema.InputValue `json:"args,omitempty"`
	// Stub marks a reference-only declaration: the subgraph knows the field
	// (typically an entity key) but does not own it.
	Stub bool `json:"stub,omitempty"`
	// KeyFrom makes the field an entity reference: its value is the entity of
	// Type whose key equals the value of the sibling field KeyFrom.
	KeyFrom string `json:"keyFrom,omitempty"`
}

// Reply returns the declared reply mode, defaulting to key-matched.
func (d *Descriptor) Reply() ReplyMode {
	if d.ReplyMode == "" {
		return ReplyKeyMatched
	}
	return d.ReplyMode
}

// Type returns the declaration for name or nil.
func (d *Descriptor) Type(name string) *TypeDef {
	for i := range d.Types {
		if d.Types[i].Name == name {
			return &d.Types[i]
		}
	}
	return nil
}

// Field returns the declaration for name or nil.
func (t *TypeDef) Field(name string) *FieldDef {
	if t == nil {
		return nil
	}
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i]
		}
	}
	return nil
}

// Owns reports whether the descriptor owns typeName.fieldName.
func (d *Descriptor) Owns(typeName, fieldName string) bool {
	f := d.Type(typeName).Field(fieldName)
	return f != nil && !f.Stub
}

// Declares reports whether the descriptor owns or stubs typeName.fieldName.
func (d *Descriptor) Declares(typeName, fieldName string) bool {
	return d.Type(typeName).Field(fieldName) != nil
}

// OwnsAny reports whether the descriptor owns at least one field.
func (d *Descriptor) OwnsAny() bool {
	for _, t := range d.Types {
		for _, f := range t.Fields {
			if !f.Stub {
				return true
			}
		}
	}
	return false
}

// WithStatus returns a copy of d stamped with status.
func (d Descriptor) WithStatus(status health.Status) Descriptor {
	d.Status = status
	return d
}
