package dbdef

import (
	"strconv"
	"strings"
)

// DefaultStringLen is the maximum length of a String field declared
// without an explicit bound.
const DefaultStringLen = 254

// primitives supported by the block compiler, keyed lowercase.
// String and DTL are handled separately in parseTypeSpec.
var primitives = map[string]bool{
	"bool":        true,
	"byte":        true,
	"char":        true,
	"word":        true,
	"dword":       true,
	"int":         true,
	"dint":        true,
	"udint":       true,
	"real":        true,
	"dreal":       true,
	"s5time":      true,
	"time":        true,
	"date":        true,
	"time_of_day": true,
	"dtl":         true,
}

// Parse reads a data block definition export and returns its type tree.
// Default initializers and the BEGIN section are consumed and discarded.
func Parse(src []byte) (*Definition, error) {
	p := &parser{lex: newLexer(string(src))}
	return p.parseDefinition()
}

type parser struct {
	lex *lexer
}

func (p *parser) parseDefinition() (*Definition, error) {
	def := &Definition{Types: make(map[string]*Struct)}
	for {
		tok := p.lex.peek()
		if tok.kind == tokEOF {
			break
		}
		switch {
		case isKeyword(tok, "TYPE"):
			if err := p.parseType(def); err != nil {
				return nil, err
			}
		case isKeyword(tok, "DATA_BLOCK"):
			if def.Body != nil {
				return nil, errMalformed(tok.line, "multiple DATA_BLOCK declarations")
			}
			if err := p.parseDataBlock(def); err != nil {
				return nil, err
			}
		default:
			return nil, errMalformed(tok.line, "unexpected %q, want TYPE or DATA_BLOCK", tok.text)
		}
	}
	if def.Body == nil {
		return nil, errMalformed(p.lex.line, "missing DATA_BLOCK declaration")
	}
	return def, nil
}

// parseType handles TYPE "<name>" VERSION : <n.n> STRUCT ... END_STRUCT; END_TYPE.
func (p *parser) parseType(def *Definition) error {
	p.lex.next() // TYPE
	nameTok := p.lex.next()
	if nameTok.kind != tokIdent && nameTok.kind != tokString {
		return errMalformed(nameTok.line, "expected type name, got %q", nameTok.text)
	}
	if err := p.skipAttrs(); err != nil {
		return err
	}
	if err := p.parseVersion(nil); err != nil {
		return err
	}
	tok := p.lex.next()
	if !isKeyword(tok, "STRUCT") {
		return errMalformed(tok.line, "expected STRUCT in TYPE %q, got %q", nameTok.text, tok.text)
	}
	members, err := p.parseElements("END_STRUCT")
	if err != nil {
		return err
	}
	if tok := p.lex.next(); tok.kind != tokSemi {
		return errMalformed(tok.line, "expected ; after END_STRUCT, got %q", tok.text)
	}
	if tok := p.lex.next(); !isKeyword(tok, "END_TYPE") {
		return errMalformed(tok.line, "expected END_TYPE, got %q", tok.text)
	}
	if _, dup := def.Types[nameTok.text]; !dup {
		def.TypeOrder = append(def.TypeOrder, nameTok.text)
	}
	def.Types[nameTok.text] = &Struct{Members: members}
	return nil
}

func (p *parser) parseDataBlock(def *Definition) error {
	p.lex.next() // DATA_BLOCK
	nameTok := p.lex.next()
	if nameTok.kind != tokIdent && nameTok.kind != tokString {
		return errMalformed(nameTok.line, "expected data block name, got %q", nameTok.text)
	}
	def.BlockName = nameTok.text
	if err := p.skipAttrs(); err != nil {
		return err
	}
	if err := p.parseVersion(def); err != nil {
		return err
	}
	if tok := p.lex.peek(); isKeyword(tok, "NON_RETAIN") {
		p.lex.next()
		def.NonRetain = true
	}

	tok := p.lex.peek()
	switch {
	case isKeyword(tok, "VAR"):
		p.lex.next()
		members, err := p.parseElements("END_VAR")
		if err != nil {
			return err
		}
		def.Body = &Struct{Members: members}
	case isKeyword(tok, "STRUCT"):
		p.lex.next()
		members, err := p.parseElements("END_STRUCT")
		if err != nil {
			return err
		}
		if tok := p.lex.next(); tok.kind != tokSemi {
			return errMalformed(tok.line, "expected ; after END_STRUCT, got %q", tok.text)
		}
		def.Body = &Struct{Members: members}
	case tok.kind == tokString:
		p.lex.next()
		def.Body = TypeRef{Name: tok.text}
	default:
		return errMalformed(tok.line, "expected VAR, STRUCT, or type reference, got %q", tok.text)
	}

	// BEGIN section holds initial values only; skip to the terminator.
	for {
		tok := p.lex.next()
		if tok.kind == tokEOF {
			return errMalformed(tok.line, "missing END_DATA_BLOCK")
		}
		if isKeyword(tok, "END_DATA_BLOCK") {
			return nil
		}
	}
}

// parseVersion accepts an optional VERSION : <n.n> clause. When def is
// non-nil the version string is recorded on it.
func (p *parser) parseVersion(def *Definition) error {
	if tok := p.lex.peek(); !isKeyword(tok, "VERSION") {
		return nil
	}
	p.lex.next()
	if tok := p.lex.next(); tok.kind != tokColon {
		return errMalformed(tok.line, "expected : after VERSION, got %q", tok.text)
	}
	tok := p.lex.next()
	if tok.kind != tokNumber {
		return errMalformed(tok.line, "expected version number, got %q", tok.text)
	}
	if def != nil {
		def.Version = tok.text
	}
	return nil
}

// parseElements reads struct elements until the terminator keyword
// (END_STRUCT or END_VAR), which it consumes.
func (p *parser) parseElements(term string) ([]Member, error) {
	var members []Member
	for {
		tok := p.lex.peek()
		if tok.kind == tokEOF {
			return nil, errMalformed(tok.line, "missing %s", term)
		}
		if isKeyword(tok, term) {
			p.lex.next()
			return members, nil
		}

		if err := p.skipAttrs(); err != nil {
			return nil, err
		}
		nameTok := p.lex.next()
		if nameTok.kind != tokIdent && nameTok.kind != tokString {
			return nil, errMalformed(nameTok.line, "expected field name, got %q", nameTok.text)
		}
		if err := p.skipAttrs(); err != nil {
			return nil, err
		}
		// Two identifiers before the colon: the first is a date marker
		// some exports emit, discarded.
		if tok := p.lex.peek(); tok.kind == tokIdent || tok.kind == tokString {
			nameTok = p.lex.next()
			if err := p.skipAttrs(); err != nil {
				return nil, err
			}
		}
		if tok := p.lex.next(); tok.kind != tokColon {
			return nil, errMalformed(tok.line, "expected : after %q, got %q", nameTok.text, tok.text)
		}
		typ, err := p.parseTypeSpec()
		if err != nil {
			return nil, err
		}
		// default initializer, discarded
		if tok := p.lex.peek(); tok.kind == tokAssign {
			p.lex.next()
			for {
				tok := p.lex.peek()
				if tok.kind == tokSemi || tok.kind == tokEOF {
					break
				}
				p.lex.next()
			}
		}
		if tok := p.lex.next(); tok.kind != tokSemi {
			return nil, errMalformed(tok.line, "expected ; after %q, got %q", nameTok.text, tok.text)
		}
		members = append(members, Member{Name: nameTok.text, Type: typ})
	}
}

func (p *parser) parseTypeSpec() (Node, error) {
	tok := p.lex.next()
	switch {
	case tok.kind == tokString:
		return TypeRef{Name: tok.text}, nil

	case isKeyword(tok, "STRUCT"):
		members, err := p.parseElements("END_STRUCT")
		if err != nil {
			return nil, err
		}
		return &Struct{Members: members}, nil

	case isKeyword(tok, "ARRAY"):
		return p.parseArray(tok.line)

	case isKeyword(tok, "STRING"):
		n := DefaultStringLen
		if p.lex.peek().kind == tokLBrack {
			p.lex.next()
			sz := p.lex.next()
			if sz.kind != tokNumber {
				return nil, errMalformed(sz.line, "expected string length, got %q", sz.text)
			}
			v, err := strconv.Atoi(sz.text)
			if err != nil || v < 0 || v > DefaultStringLen {
				return nil, errMalformed(sz.line, "invalid string length %q", sz.text)
			}
			n = v
			if tok := p.lex.next(); tok.kind != tokRBrack {
				return nil, errMalformed(tok.line, "expected ] after string length, got %q", tok.text)
			}
		}
		return Primitive{Name: "String", StrLen: n}, nil

	case tok.kind == tokIdent:
		if !primitives[strings.ToLower(tok.text)] {
			return nil, errUnsupported(tok.line, tok.text)
		}
		return Primitive{Name: tok.text}, nil

	default:
		return nil, errMalformed(tok.line, "expected type, got %q", tok.text)
	}
}

// parseArray handles Array[<lo>..<hi>] of <typespec>. Bounds must be
// integers, bare or quoted; symbolic bounds are rejected.
func (p *parser) parseArray(line int) (Node, error) {
	if tok := p.lex.next(); tok.kind != tokLBrack {
		return nil, errMalformed(tok.line, "expected [ after Array, got %q", tok.text)
	}
	lo, err := p.parseBound()
	if err != nil {
		return nil, err
	}
	if tok := p.lex.next(); tok.kind != tokDotDot {
		return nil, errMalformed(tok.line, "expected .. in array bounds, got %q", tok.text)
	}
	hi, err := p.parseBound()
	if err != nil {
		return nil, err
	}
	if tok := p.lex.next(); tok.kind != tokRBrack {
		return nil, errMalformed(tok.line, "expected ] after array bounds, got %q", tok.text)
	}
	if tok := p.lex.next(); !isKeyword(tok, "OF") {
		return nil, errMalformed(tok.line, "expected of after array bounds, got %q", tok.text)
	}
	elem, err := p.parseTypeSpec()
	if err != nil {
		return nil, err
	}
	return &Array{Lower: lo, Upper: hi, Elem: elem}, nil
}

func (p *parser) parseBound() (int, error) {
	tok := p.lex.next()
	if tok.kind != tokNumber && tok.kind != tokString {
		return 0, errMalformed(tok.line, "expected array bound, got %q", tok.text)
	}
	v, err := strconv.Atoi(strings.TrimSpace(tok.text))
	if err != nil {
		return 0, errMalformed(tok.line, "array bound %q is not an integer", tok.text)
	}
	return v, nil
}

// skipAttrs consumes a balanced { ... } attribute block if one is next.
func (p *parser) skipAttrs() error {
	if p.lex.peek().kind != tokLBrace {
		return nil
	}
	open := p.lex.next()
	depth := 1
	for depth > 0 {
		tok := p.lex.next()
		switch tok.kind {
		case tokLBrace:
			depth++
		case tokRBrace:
			depth--
		case tokEOF:
			return errMalformed(open.line, "unterminated attribute block")
		}
	}
	return nil
}

func isKeyword(t token, kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}
