package dbdef

import "unicode"

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString // double-quoted, quotes stripped
	tokNumber
	tokColon
	tokSemi
	tokAssign // :=
	tokLBrack
	tokRBrack
	tokDotDot
	tokLBrace
	tokRBrace
	tokOther // punctuation inside attribute blocks and defaults
)

type token struct {
	kind tokenKind
	text string
	line int
}

type lexer struct {
	s    string
	i    int
	line int
}

func newLexer(s string) *lexer {
	return &lexer{s: s, line: 1}
}

func (l *lexer) peek() token {
	pos, line := l.i, l.line
	tok := l.next()
	l.i, l.line = pos, line
	return tok
}

func (l *lexer) next() token {
	for l.i < len(l.s) {
		ch := l.s[l.i]
		if ch == '\n' {
			l.line++
			l.i++
			continue
		}
		if unicode.IsSpace(rune(ch)) {
			l.i++
			continue
		}
		// line comment
		if ch == '/' && l.i+1 < len(l.s) && l.s[l.i+1] == '/' {
			for l.i < len(l.s) && l.s[l.i] != '\n' {
				l.i++
			}
			continue
		}
		break
	}
	if l.i >= len(l.s) {
		return token{kind: tokEOF, line: l.line}
	}

	line := l.line
	ch := l.s[l.i]
	switch ch {
	case '"':
		l.i++
		start := l.i
		for l.i < len(l.s) && l.s[l.i] != '"' {
			if l.s[l.i] == '\n' {
				l.line++
			}
			l.i++
		}
		text := l.s[start:l.i]
		if l.i < len(l.s) {
			l.i++ // closing quote
		}
		return token{kind: tokString, text: text, line: line}
	case '\'':
		// single-quoted literal (attribute values, char defaults)
		l.i++
		start := l.i
		for l.i < len(l.s) && l.s[l.i] != '\'' {
			l.i++
		}
		text := l.s[start:l.i]
		if l.i < len(l.s) {
			l.i++
		}
		return token{kind: tokOther, text: text, line: line}
	case ':':
		if l.i+1 < len(l.s) && l.s[l.i+1] == '=' {
			l.i += 2
			return token{kind: tokAssign, text: ":=", line: line}
		}
		l.i++
		return token{kind: tokColon, text: ":", line: line}
	case ';':
		l.i++
		return token{kind: tokSemi, text: ";", line: line}
	case '[':
		l.i++
		return token{kind: tokLBrack, text: "[", line: line}
	case ']':
		l.i++
		return token{kind: tokRBrack, text: "]", line: line}
	case '{':
		l.i++
		return token{kind: tokLBrace, text: "{", line: line}
	case '}':
		l.i++
		return token{kind: tokRBrace, text: "}", line: line}
	case '.':
		if l.i+1 < len(l.s) && l.s[l.i+1] == '.' {
			l.i += 2
			return token{kind: tokDotDot, text: "..", line: line}
		}
		l.i++
		return token{kind: tokOther, text: ".", line: line}
	}

	if isDigit(ch) || (ch == '-' && l.i+1 < len(l.s) && isDigit(l.s[l.i+1])) {
		start := l.i
		l.i++
		for l.i < len(l.s) && isDigit(l.s[l.i]) {
			l.i++
		}
		// decimal part, but never eat a ".." range separator
		if l.i+1 < len(l.s) && l.s[l.i] == '.' && isDigit(l.s[l.i+1]) {
			l.i++
			for l.i < len(l.s) && isDigit(l.s[l.i]) {
				l.i++
			}
		}
		return token{kind: tokNumber, text: l.s[start:l.i], line: line}
	}

	if isIdentStart(ch) {
		start := l.i
		l.i++
		for l.i < len(l.s) && isIdentPart(l.s[l.i]) {
			l.i++
		}
		return token{kind: tokIdent, text: l.s[start:l.i], line: line}
	}

	l.i++
	return token{kind: tokOther, text: string(ch), line: line}
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func isIdentStart(b byte) bool {
	return unicode.IsLetter(rune(b)) || b == '_'
}

func isIdentPart(b byte) bool {
	return isIdentStart(b) || isDigit(b)
}
