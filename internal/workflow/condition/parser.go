// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package condition

import (
	"strconv"
	"strings"

	"github.com/makerflow/makerflow/internal/wferr"
)

// Expr is a parsed expression node.
type Expr interface{ isExpr() }

// Literal is a string, number, boolean or null constant.
type Literal struct {
	Value any // string, float64, bool, or nil
}

// Lookup resolves a dotted identifier against the evaluation environment.
// Scope is "ctx", "last" or "outcome".
type Lookup struct {
	Scope string
	Key   string
}

// Unary is the "!" operator.
type Unary struct {
	Op string
	X  Expr
}

// Binary covers comparisons and boolean connectives.
type Binary struct {
	Op  string
	LHS Expr
	RHS Expr
}

func (Literal) isExpr() {}
func (Lookup) isExpr()  {}
func (Unary) isExpr()   {}
func (Binary) isExpr()  {}

// Assignment is one "ctx.<key> = <literal>;" statement of a result action.
type Assignment struct {
	Key   string
	Value any
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token  { return p.tokens[p.pos] }
func (p *parser) next() token  { t := p.tokens[p.pos]; p.pos++; return t }
func (p *parser) atEOF() bool  { return p.peek().kind == tokenEOF }

// Parse parses a single guard expression.
//
// Grammar:
//
//	expr    = or
//	or      = and { "||" and }
//	and     = unary { "&&" unary }
//	unary   = "!" unary | comparison
//	comparison = primary [ ("==" | "!=" | "<" | "<=" | ">" | ">=") primary ]
//	primary = literal | lookup | "(" expr ")"
func Parse(src string) (Expr, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.atEOF() {
		return nil, wferr.Condition("unexpected %s after expression", p.peek())
	}
	return expr, nil
}

func (p *parser) parseOr() (Expr, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOp && p.peek().text == "||" {
		p.next()
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lhs = Binary{Op: "||", LHS: lhs, RHS: rhs}
	}
	return lhs, nil
}

func (p *parser) parseAnd() (Expr, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOp && p.peek().text == "&&" {
		p.next()
		rhs, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		lhs = Binary{Op: "&&", LHS: lhs, RHS: rhs}
	}
	return lhs, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peek().kind == tokenOp && p.peek().text == "!" {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Unary{Op: "!", X: x}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

func (p *parser) parseComparison() (Expr, error) {
	lhs, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokenOp && comparisonOps[p.peek().text] {
		op := p.next().text
		rhs, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return Binary{Op: op, LHS: lhs, RHS: rhs}, nil
	}
	return lhs, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokenString:
		p.next()
		return Literal{Value: t.text}, nil
	case tokenNumber:
		p.next()
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, wferr.Condition("invalid number literal %q", t.text)
		}
		return Literal{Value: n}, nil
	case tokenBool:
		p.next()
		return Literal{Value: t.text == "true"}, nil
	case tokenNull:
		p.next()
		return Literal{Value: nil}, nil
	case tokenIdent:
		p.next()
		return parseLookup(t.text)
	case tokenLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokenRParen {
			return nil, wferr.Condition("expected ')' but found %s", p.peek())
		}
		p.next()
		return inner, nil
	default:
		return nil, wferr.Condition("unexpected %s", t)
	}
}

// parseLookup splits a dotted identifier into scope and key, restricted to
// the three scopes the environment provides.
func parseLookup(name string) (Expr, error) {
	scope, key, found := strings.Cut(name, ".")
	if !found || key == "" {
		return nil, wferr.Condition("identifier %q must be ctx.<key>, last.<key> or outcome.id", name)
	}
	switch scope {
	case "ctx", "last":
		return Lookup{Scope: scope, Key: key}, nil
	case "outcome":
		if key != "id" {
			return nil, wferr.Condition("outcome scope only exposes 'id', got %q", name)
		}
		return Lookup{Scope: scope, Key: key}, nil
	default:
		return nil, wferr.Condition("unknown scope %q in identifier %q", scope, name)
	}
}

// ParseActions parses a result-action script: a sequence of
// "ctx.<key> = <literal>;" assignments. The trailing semicolon of the last
// assignment is optional.
func ParseActions(src string) ([]Assignment, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	var actions []Assignment
	for !p.atEOF() {
		ident := p.next()
		if ident.kind != tokenIdent {
			return nil, wferr.Condition("expected ctx.<key> assignment target, found %s", ident)
		}
		scope, key, found := strings.Cut(ident.text, ".")
		if !found || scope != "ctx" || key == "" {
			return nil, wferr.Condition("assignment target must be ctx.<key>, got %q", ident.text)
		}
		if p.peek().kind != tokenAssign {
			return nil, wferr.Condition("expected '=' after %q, found %s", ident.text, p.peek())
		}
		p.next()

		valueTok := p.next()
		var value any
		switch valueTok.kind {
		case tokenString:
			value = valueTok.text
		case tokenNumber:
			n, err := strconv.ParseFloat(valueTok.text, 64)
			if err != nil {
				return nil, wferr.Condition("invalid number literal %q", valueTok.text)
			}
			value = n
		case tokenBool:
			value = valueTok.text == "true"
		case tokenNull:
			value = nil
		default:
			return nil, wferr.Condition("assignment value must be a literal, found %s", valueTok)
		}

		actions = append(actions, Assignment{Key: key, Value: value})

		switch p.peek().kind {
		case tokenSemicolon:
			p.next()
		case tokenEOF:
		default:
			return nil, wferr.Condition("expected ';' after assignment, found %s", p.peek())
		}
	}
	return actions, nil
}
