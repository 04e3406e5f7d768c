package querylang

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenType int

const (
	tokEOF tokenType = iota
	tokWord
	tokString
	tokColon
	tokNeq
	tokTilde
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokNot
)

type token struct {
	typ tokenType
	val string
	pos int
}

func (t token) String() string {
	switch t.typ {
	case tokEOF:
		return "end of query"
	case tokString:
		return `"` + t.val + `"`
	default:
		return "'" + t.val + "'"
	}
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() token {
	for l.pos < len(l.input) {
		r, w := utf8.DecodeRuneInString(l.input[l.pos:])
		if !unicode.IsSpace(r) {
			break
		}
		l.pos += w
	}
	if l.pos >= len(l.input) {
		return token{typ: tokEOF, pos: l.pos}
	}

	start := l.pos
	switch c := l.input[l.pos]; {
	case c == ':':
		l.pos++
		return token{typ: tokColon, val: ":", pos: start}
	case c == '~':
		l.pos++
		return token{typ: tokTilde, val: "~", pos: start}
	case c == '(':
		l.pos++
		return token{typ: tokLParen, val: "(", pos: start}
	case c == ')':
		l.pos++
		return token{typ: tokRParen, val: ")", pos: start}
	case c == '!' && strings.HasPrefix(l.input[l.pos:], "!="):
		l.pos += 2
		return token{typ: tokNeq, val: "!=", pos: start}
	case c == '"':
		return l.readString()
	}
	return l.readWord()
}

// readString reads a double-quoted string. Backslash escapes the next
// character; an unterminated string runs to the end of input.
func (l *lexer) readString() token {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '"' {
			l.pos++
			break
		}
		if c == '\\' && l.pos+1 < len(l.input) {
			l.pos++
			c = l.input[l.pos]
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{typ: tokString, val: sb.String(), pos: start}
}

// readWord reads everything up to whitespace or an operator character, so
// ids such as "SERVER-1" or "2f0c9a/b" stay one word.
func (l *lexer) readWord() token {
	start := l.pos
	for l.pos < len(l.input) {
		r, w := utf8.DecodeRuneInString(l.input[l.pos:])
		if unicode.IsSpace(r) || strings.ContainsRune(`:~()"`, r) {
			break
		}
		if r == '!' && strings.HasPrefix(l.input[l.pos:], "!=") {
			break
		}
		l.pos += w
	}
	if l.pos == start {
		// lone '!' and the like
		l.pos++
	}

	val := l.input[start:l.pos]
	switch strings.ToUpper(val) {
	case "AND":
		return token{typ: tokAnd, val: val, pos: start}
	case "OR":
		return token{typ: tokOr, val: val, pos: start}
	case "NOT":
		return token{typ: tokNot, val: val, pos: start}
	}
	return token{typ: tokWord, val: val, pos: start}
}
