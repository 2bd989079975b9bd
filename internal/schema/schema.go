package schema

// Schema is a composed federated schema snapshot.
//
// A Schema is immutable once returned by the composer: it may be read from any
// number of goroutines without synchronization. Recomposition builds a new
// Schema and swaps it in; it never mutates a published one.
type Schema struct {
	// Version is assigned by the holder that publishes the snapshot. Zero means
	// the snapshot was never published.
	Version   uint64
	QueryType string
	Types     map[string]*Type // All named types keyed by name
	Subgraphs map[string]*Subgraph
}

// GetQueryType returns the root query type (may be nil if absent)
func (s *Schema) GetQueryType() *Type { return s.Types[s.QueryType] }

// Type returns the named type or nil.
func (s *Schema) Type(name string) *Type {
	if s == nil {
		return nil
	}
	return s.Types[name]
}

// Owner returns the subgraph owning typeName.fieldName.
func (s *Schema) Owner(typeName, fieldName string) (string, bool) {
	t := s.Type(typeName)
	if t == nil {
		return "", false
	}
	f := t.Field(fieldName)
	if f == nil {
		return "", false
	}
	return f.Owner, true
}

// Subgraph describes a subgraph participating in the schema.
type Subgraph struct {
	Name      string
	ReplyMode ReplyMode
}

// ReplyMode declares how a subgraph's reference replies correspond to the
// requested keys.
type ReplyMode string

const (
	// ReplyKeyMatched replies carry their key and are matched by key value.
	ReplyKeyMatched ReplyMode = "KEY_MATCHED"
	// ReplyPositional replies are matched by index: reply i answers key i.
	ReplyPositional ReplyMode = "POSITIONAL"
)

// Type is a named type of the federated schema.
type Type struct {
	Name        string
	Kind        TypeKind
	Description string
	Fields      []*Field // For OBJECT

	// Key is the entity key field. Empty when the type cannot be resolved by
	// reference.
	Key string
	// Resolver is the subgraph that owns the key field and completes the type
	// by reference.
	Resolver string
	// Resolvers lists every subgraph able to complete the type by reference,
	// sorted by name. It includes Resolver.
	Resolvers []string
}

// Field returns the field definition with the given name or nil.
func (t *Type) Field(name string) *Field {
	if t == nil {
		return nil
	}
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// IsEntity reports whether the type can be completed by reference.
func (t *Type) IsEntity() bool { return t != nil && t.Key != "" && t.Resolver != "" }

// CanResolve reports whether subgraph can complete the type by reference.
func (t *Type) CanResolve(subgraph string) bool {
	if t == nil {
		return false
	}
	for _, r := range t.Resolvers {
		if r == subgraph {
			return true
		}
	}
	return false
}

// Field represents a field on an object type.
type Field struct {
	Name        string
	Description string
	Type        *TypeRef
	Arguments   []*InputValue
	// Owner is the single subgraph that resolves this field.
	Owner string
	// KeyFrom names the sibling field whose value identifies the entity this
	// field refers to. Empty for ordinary fields.
	KeyFrom string
}

// IsReference reports whether the field's value is an entity reference
// completed by the referenced type's resolver.
func (f *Field) IsReference() bool { return f != nil && f.KeyFrom != "" }

// TypeKind represents the kind of a named type
type TypeKind string

const (
	TypeKindScalar TypeKind = "SCALAR"
	TypeKindObject TypeKind = "OBJECT"
)

// TypeRef represents a reference to a type (can be wrapped)
type TypeRef struct {
	Kind   TypeRefKind `json:"kind"`
	OfType *TypeRef    `json:"ofType,omitempty"` // For List and NonNull
	Named  string      `json:"named,omitempty"`  // For named types
}

type TypeRefKind string

const (
	TypeRefKindNamed   TypeRefKind = "NAMED"
	TypeRefKindList    TypeRefKind = "LIST"
	TypeRefKindNonNull TypeRefKind = "NON_NULL"
)

// Helper functions for TypeRef
func (t *TypeRef) IsNonNull() bool {
	return t != nil && t.Kind == TypeRefKindNonNull
}

func (t *TypeRef) IsList() bool {
	if t == nil {
		return false
	}
	if t.Kind == TypeRefKindList {
		return true
	}
	if t.Kind == TypeRefKindNonNull && t.OfType != nil {
		return t.OfType.Kind == TypeRefKindList
	}
	return false
}

func (t *TypeRef) Unwrap() *TypeRef {
	if t.Kind == TypeRefKindNonNull || t.Kind == TypeRefKindList {
		return t.OfType
	}
	return t
}

func (t *TypeRef) GetNamedType() string {
	current := t
	for current != nil {
		if current.Named != "" {
			return current.Named
		}
		current = current.OfType
	}
	return ""
}

// Equal reports whether two references denote the same wrapped type.
func (t *TypeRef) Equal(o *TypeRef) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Kind != o.Kind || t.Named != o.Named {
		return false
	}
	return t.OfType.Equal(o.OfType)
}

func (t *TypeRef) String() string { return renderTypeRef(t) }

type InputValue struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Type         *TypeRef `json:"type"`
	DefaultValue any      `json:"defaultValue,omitempty"`
}

func NonNullType(t *TypeRef) *TypeRef { return &TypeRef{Kind: TypeRefKindNonNull, OfType: t} }
func ListType(t *TypeRef) *TypeRef    { return &TypeRef{Kind: TypeRefKindList, OfType: t} }
func NamedType(name string) *TypeRef  { return &TypeRef{Kind: TypeRefKindNamed, Named: name} }

// IsNonNull reports whether the type is wrapped with Non-Null.
func IsNonNull(t *TypeRef) bool { return t != nil && t.IsNonNull() }

// IsList reports whether the type is (or is wrapped by) a list type.
func IsList(t *TypeRef) bool { return t != nil && t.IsList() }

// Unwrap removes one layer of Non-Null or List wrapping and returns the inner type.
func Unwrap(t *TypeRef) *TypeRef { return t.Unwrap() }

// GetNamedType returns the innermost named type for the given reference.
func GetNamedType(t *TypeRef) string { return t.GetNamedType() }
