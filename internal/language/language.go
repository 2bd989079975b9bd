// Package language turns GraphQL operation text into the selection trees the
// planner consumes.
package language

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	query "github.com/hanpama/fedgraph/internal/query"
)

var (
	ErrNoOperation          = errors.New("no operation in document")
	ErrAmbiguousOperation   = errors.New("operation name required for documents with multiple operations")
	ErrUnsupportedOperation = errors.New("only query operations are supported")
)

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Prepared is an operation lowered to planner selections.
type Prepared struct {
	Name       string
	Selections []*query.Selection
}

// Prepare selects the operation named operationName (or the only one) and
// lowers it. Variables without a value take their declared default.
func Prepare(doc *QueryDocument, operationName string, variables map[string]any) (*Prepared, error) {
	op, err := selectOperation(doc, operationName)
	if err != nil {
		return nil, err
	}
	if op.Operation != Query {
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedOperation, op.Operation)
	}
	vars, err := variableValues(op, variables)
	if err != nil {
		return nil, err
	}
	l := &lowering{doc: doc, vars: vars}
	sels, err := l.selectionSet(op.SelectionSet, nil)
	if err != nil {
		return nil, err
	}
	return &Prepared{Name: op.Name, Selections: sels}, nil
}

// PrepareSource parses and prepares in one step.
func PrepareSource(source, operationName string, variables map[string]any) (*Prepared, error) {
	doc, err := ParseQuery(source)
	if err != nil {
		return nil, err
	}
	return Prepare(doc, operationName, variables)
}

func selectOperation(doc *QueryDocument, name string) (*OperationDefinition, error) {
	if len(doc.Operations) == 0 {
		return nil, ErrNoOperation
	}
	if name == "" {
		if len(doc.Operations) > 1 {
			return nil, ErrAmbiguousOperation
		}
		return doc.Operations[0], nil
	}
	op := doc.Operations.ForName(name)
	if op == nil {
		return nil, fmt.Errorf("unknown operation named %q", name)
	}
	return op, nil
}

func variableValues(op *OperationDefinition, provided map[string]any) (map[string]any, error) {
	vars := make(map[string]any, len(op.VariableDefinitions))
	for _, def := range op.VariableDefinitions {
		if v, ok := provided[def.Variable]; ok {
			if v == nil && def.Type.NonNull {
				return nil, fmt.Errorf("variable $%s of type %s cannot be null", def.Variable, def.Type)
			}
			vars[def.Variable] = v
			continue
		}
		if def.DefaultValue != nil {
			v, err := def.DefaultValue.Value(nil)
			if err != nil {
				return nil, fmt.Errorf("default of $%s: %w", def.Variable, err)
			}
			vars[def.Variable] = v
			continue
		}
		if def.Type.NonNull {
			return nil, fmt.Errorf("variable $%s of required type %s was not provided", def.Variable, def.Type)
		}
	}
	return vars, nil
}

type lowering struct {
	doc  *QueryDocument
	vars map[string]any
}

// selectionSet flattens fragments into fields. Object types are the only
// composite types, so a type condition always names the enclosing type.
func (l *lowering) selectionSet(set SelectionSet, spreading []string) ([]*query.Selection, error) {
	var out []*query.Selection
	for _, s := range set {
		switch x := s.(type) {
		case *Field:
			ok, err := l.included(x.Directives)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			sel, err := l.field(x, spreading)
			if err != nil {
				return nil, err
			}
			if out, err = merge(out, sel); err != nil {
				return nil, err
			}
		case *InlineFragment:
			ok, err := l.included(x.Directives)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			sels, err := l.selectionSet(x.SelectionSet, spreading)
			if err != nil {
				return nil, err
			}
			if out, err = merge(out, sels...); err != nil {
				return nil, err
			}
		case *FragmentSpread:
			ok, err := l.included(x.Directives)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			for _, name := range spreading {
				if name == x.Name {
					return nil, fmt.Errorf("fragment %q spreads itself", x.Name)
				}
			}
			frag := l.doc.Fragments.ForName(x.Name)
			if frag == nil {
				return nil, fmt.Errorf("unknown fragment %q", x.Name)
			}
			next := append(append([]string(nil), spreading...), x.Name)
			sels, err := l.selectionSet(frag.SelectionSet, next)
			if err != nil {
				return nil, err
			}
			if out, err = merge(out, sels...); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// merge adds sels to out after checking that selections sharing a response
// name, at any depth, select the same field with the same arguments.
func merge(out []*query.Selection, sels ...*query.Selection) ([]*query.Selection, error) {
	for _, sel := range sels {
		if err := conflict(out, sel); err != nil {
			return nil, err
		}
	}
	return query.Merge(out, sels...), nil
}

func conflict(existing []*query.Selection, sel *query.Selection) error {
	prev := query.Find(existing, sel.ResponseName())
	if prev == nil {
		return nil
	}
	if prev.Name != sel.Name {
		return fmt.Errorf("fields %q and %q conflict on response name %q", prev.Name, sel.Name, sel.ResponseName())
	}
	if !sameArgs(prev.Args, sel.Args) {
		return fmt.Errorf("field %q is selected with different arguments on response name %q", sel.Name, sel.ResponseName())
	}
	for _, child := range sel.Children {
		if err := conflict(prev.Children, child); err != nil {
			return err
		}
	}
	return nil
}

// sameArgs compares argument values by their JSON form, so an integer literal
// and an integer variable with the same value are equal.
func sameArgs(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func (l *lowering) field(f *Field, spreading []string) (*query.Selection, error) {
	if strings.HasPrefix(f.Alias, "__") && f.Alias != f.Name {
		return nil, fmt.Errorf("alias %q is reserved: names beginning with \"__\" belong to the server", f.Alias)
	}
	sel := &query.Selection{Name: f.Name}
	if f.Alias != "" && f.Alias != f.Name {
		sel.Alias = f.Alias
	}
	if len(f.Arguments) > 0 {
		sel.Args = make(map[string]any, len(f.Arguments))
		for _, a := range f.Arguments {
			v, err := a.Value.Value(l.vars)
			if err != nil {
				return nil, fmt.Errorf("argument %s.%s: %w", f.Name, a.Name, err)
			}
			sel.Args[a.Name] = v
		}
	}
	if len(f.SelectionSet) > 0 {
		children, err := l.selectionSet(f.SelectionSet, spreading)
		if err != nil {
			return nil, err
		}
		sel.Children = children
	}
	return sel, nil
}

// included evaluates @skip and @include.
func (l *lowering) included(directives DirectiveList) (bool, error) {
	if d := directives.ForName("skip"); d != nil {
		v, err := l.condition(d.Arguments)
		if err != nil {
			return false, err
		}
		if v {
			return false, nil
		}
	}
	if d := directives.ForName("include"); d != nil {
		v, err := l.condition(d.Arguments)
		if err != nil {
			return false, err
		}
		return v, nil
	}
	return true, nil
}

func (l *lowering) condition(args ArgumentList) (bool, error) {
	arg := args.ForName("if")
	if arg == nil {
		return false, errors.New(`directive requires argument "if"`)
	}
	v, err := arg.Value.Value(l.vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf(`directive argument "if" must be Boolean, got %T`, v)
	}
	return b, nil
}
