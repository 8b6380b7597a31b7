package datablock

import (
	"fmt"
	"strings"

	"dblink/dbdef"
)

// Field is a resolved leaf: a full dotted path (array indices fused to
// the owning segment, e.g. "Line[1].Sensor") and a primitive type.
// Prefix is the path minus the final segment; the layout generator uses
// it to decide which booleans share a packed word.
type Field struct {
	Path   string
	Prefix string
	Type   uint16
	StrLen int // String fields: declared maximum length
}

// dtl subfield expansion, in declaration order.
var dtlFields = []struct {
	name string
	typ  uint16
}{
	{"YEAR", TypeWord},
	{"MONTH", TypeByte},
	{"DAY", TypeByte},
	{"WEEKDAY", TypeByte},
	{"HOUR", TypeByte},
	{"MINUTE", TypeByte},
	{"SECOND", TypeByte},
	{"NANOSECOND", TypeDWord},
}

// ResolveFields flattens a parsed definition into the ordered field
// list that determines physical placement. Type references resolve
// against the definition's TYPE table; cycles and unknown references
// are errors.
func ResolveFields(def *dbdef.Definition) ([]Field, error) {
	r := &resolver{types: def.Types, resolving: make(map[string]bool)}

	var body *dbdef.Struct
	switch n := def.Body.(type) {
	case *dbdef.Struct:
		body = n
	case dbdef.TypeRef:
		st, ok := def.Types[n.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnresolvedType, n.Name)
		}
		r.resolving[n.Name] = true
		body = st
	default:
		return nil, fmt.Errorf("%w: data block has no body", ErrUnresolvedType)
	}

	if err := r.walkStruct(body, ""); err != nil {
		return nil, err
	}
	return r.out, nil
}

type resolver struct {
	types     map[string]*dbdef.Struct
	resolving map[string]bool // cycle detection across reference chains
	out       []Field
}

func (r *resolver) walkStruct(st *dbdef.Struct, prefix string) error {
	for _, m := range st.Members {
		if err := r.walk(m.Type, prefix, m.Name); err != nil {
			return err
		}
	}
	return nil
}

// walk resolves one named node. prefix is the enclosing path, name the
// node's own segment (with any array index already fused on).
func (r *resolver) walk(node dbdef.Node, prefix, name string) error {
	switch n := node.(type) {
	case dbdef.Primitive:
		return r.emitPrimitive(n, prefix, name)

	case *dbdef.Struct:
		return r.walkStruct(n, joinPath(prefix, name))

	case dbdef.TypeRef:
		st, ok := r.types[n.Name]
		if !ok {
			return fmt.Errorf("%w: %q (field %s)", ErrUnresolvedType, n.Name, joinPath(prefix, name))
		}
		if r.resolving[n.Name] {
			return fmt.Errorf("%w: %q references itself", ErrUnresolvedType, n.Name)
		}
		r.resolving[n.Name] = true
		err := r.walkStruct(st, joinPath(prefix, name))
		delete(r.resolving, n.Name)
		return err

	case *dbdef.Array:
		for i := n.Lower; i <= n.Upper; i++ {
			if err := r.walk(n.Elem, prefix, fmt.Sprintf("%s[%d]", name, i)); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: field %s", ErrUnsupportedType, joinPath(prefix, name))
	}
}

func (r *resolver) emitPrimitive(p dbdef.Primitive, prefix, name string) error {
	if strings.EqualFold(p.Name, "DTL") {
		base := joinPath(prefix, name)
		for _, sub := range dtlFields {
			r.out = append(r.out, Field{
				Path:   joinPath(base, sub.name),
				Prefix: base,
				Type:   sub.typ,
			})
		}
		return nil
	}
	code, ok := TypeCodeFromName(p.Name)
	if !ok {
		return fmt.Errorf("%w: %q (field %s)", ErrUnsupportedType, p.Name, joinPath(prefix, name))
	}
	r.out = append(r.out, Field{
		Path:   joinPath(prefix, name),
		Prefix: groupPrefix(prefix, name),
		Type:   code,
		StrLen: p.StrLen,
	})
	return nil
}

// groupPrefix is the leaf's path minus its final segment, where an
// array index counts as a segment of its own: "Flags[2]" groups under
// "Flags", so a bool array never shares a packed word with booleans
// declared beside it.
func groupPrefix(prefix, name string) string {
	if strings.HasSuffix(name, "]") {
		if i := strings.LastIndexByte(name, '['); i >= 0 {
			return joinPath(prefix, name[:i])
		}
	}
	return prefix
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
