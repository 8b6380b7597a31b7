package datablock

import "errors"

// Error categories, matched with errors.Is. Parse errors carry their
// own category in package dbdef.
var (
	// ErrUnresolvedType marks a quoted type reference with no matching
	// TYPE declaration, including references forming a cycle.
	ErrUnresolvedType = errors.New("unresolved type reference")

	// ErrUnsupportedType marks a primitive keyword outside the
	// supported set that survived parsing.
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrDuplicateField marks two fields resolving to the same full
	// path, detected when the address index is built.
	ErrDuplicateField = errors.New("duplicate field name")

	// ErrUnknownField marks an accessor lookup miss.
	ErrUnknownField = errors.New("unknown field")

	// ErrTypeMismatch marks a Set value that cannot be represented in
	// the field's type. The buffer is left unmodified.
	ErrTypeMismatch = errors.New("type mismatch")
)
