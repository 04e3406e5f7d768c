// Package querylang parses and evaluates the compact record query syntax
// accepted in the q parameter, e.g.
//
//	level:error AND (resource~api OR "timed out") AND NOT commit:deadbee
package querylang

import (
	"fmt"
)

// Parse parses input into an expression tree. An empty query parses to a nil
// Node, which matches everything.
func Parse(input string) (Node, error) {
	p := &parser{lex: &lexer{input: input}}
	p.advance()
	if p.cur.typ == tokEOF {
		return nil, nil
	}

	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.typ != tokEOF {
		return nil, fmt.Errorf("unexpected %s at offset %d", p.cur, p.cur.pos)
	}
	return n, nil
}

type parser struct {
	lex *lexer
	cur token
}

func (p *parser) advance() {
	p.cur = p.lex.next()
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = OrExpr{Left: left, Right: right}
	}
	return left, nil
}

// parseAnd also treats juxtaposed terms as AND: `level:error timeout`.
func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur.typ {
		case tokAnd:
			p.advance()
		case tokWord, tokString, tokNot, tokLParen:
		default:
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = AndExpr{Left: left, Right: right}
	}
}

func (p *parser) parseNot() (Node, error) {
	if p.cur.typ == tokNot {
		p.advance()
		expr, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return NotExpr{Expr: expr}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	switch p.cur.typ {
	case tokLParen:
		open := p.cur
		p.advance()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.typ != tokRParen {
			return nil, fmt.Errorf("unclosed '(' at offset %d", open.pos)
		}
		p.advance()
		return expr, nil

	case tokString:
		v := p.cur.val
		p.advance()
		return TextExpr{Value: v}, nil

	case tokWord:
		word := p.cur
		p.advance()

		var op Op
		switch p.cur.typ {
		case tokColon:
			op = OpEq
		case tokNeq:
			op = OpNeq
		case tokTilde:
			op = OpContains
		default:
			return TextExpr{Value: word.val}, nil
		}
		p.advance()

		// Unknown fields parse but never match.
		field, _ := LookupField(word.val)
		if p.cur.typ != tokWord && p.cur.typ != tokString {
			return nil, fmt.Errorf("expected value after %s%s but got %s", word.val, op, p.cur)
		}
		v := p.cur.val
		p.advance()
		return FieldExpr{Field: field, Op: op, Value: v}, nil

	default:
		return nil, fmt.Errorf("unexpected %s at offset %d", p.cur, p.cur.pos)
	}
}
