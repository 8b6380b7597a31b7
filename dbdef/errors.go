package dbdef

import (
	"errors"
	"fmt"
)

// Error categories, matched with errors.Is.
var (
	// ErrMalformed marks grammar violations: missing terminators,
	// unterminated array bounds, unexpected tokens.
	ErrMalformed = errors.New("malformed definition")

	// ErrUnsupportedType marks a bare type keyword outside the
	// supported primitive set.
	ErrUnsupportedType = errors.New("unsupported type")
)

// Error is a parse failure with the 1-based source line of the
// offending token.
type Error struct {
	Line int
	Msg  string
	kind error
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.kind
}

func errMalformed(line int, format string, args ...any) *Error {
	return &Error{Line: line, Msg: fmt.Sprintf(format, args...), kind: ErrMalformed}
}

func errUnsupported(line int, name string) *Error {
	return &Error{Line: line, Msg: fmt.Sprintf("unsupported type %q", name), kind: ErrUnsupportedType}
}
