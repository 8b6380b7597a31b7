// Package dbdef parses TIA Portal data block definition exports
// (the textual .db format) into a type tree.
package dbdef

// Node is one arm of the type tree: a primitive keyword, a quoted
// reference to a declared TYPE, an inline struct, or an array.
type Node interface {
	node()
}

// Primitive is a leaf type keyword (Bool, Int, DTL, String, ...).
// StrLen carries the declared maximum length for String fields.
type Primitive struct {
	Name   string
	StrLen int
}

// TypeRef is a quoted reference to a TYPE declared elsewhere in the file.
type TypeRef struct {
	Name string
}

// Struct is an ordered member list, either a TYPE body or an inline STRUCT.
type Struct struct {
	Members []Member
}

// Array declares Upper-Lower+1 copies of Elem, indexed inclusively.
type Array struct {
	Lower int
	Upper int
	Elem  Node
}

// Member is one struct element in declaration order.
type Member struct {
	Name string
	Type Node
}

func (Primitive) node() {}
func (TypeRef) node()   {}
func (*Struct) node()   {}
func (*Array) node()    {}

// Definition is a parsing result: the declared TYPEs plus the single
// DATA_BLOCK. Body is either *Struct (VAR or STRUCT body) or TypeRef
// (whole-block UDT instance). TypeOrder preserves declaration order.
type Definition struct {
	Types     map[string]*Struct
	TypeOrder []string
	BlockName string
	Version   string
	NonRetain bool
	Body      Node
}
