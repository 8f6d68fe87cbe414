// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package condition implements the fixed mini-expression language used by
// connection guards, step skip logic and decision result actions. The
// grammar is intentionally closed: literals, ctx/last/outcome lookups,
// comparison and boolean operators, and assignment statements for actions.
// The evaluator is pure and total; it never mutates its inputs.
package condition

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/makerflow/makerflow/internal/wferr"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenString
	tokenNumber
	tokenBool
	tokenNull
	tokenOp     // == != < <= > >= && || !
	tokenAssign // =
	tokenLParen
	tokenRParen
	tokenSemicolon
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex splits src into tokens. Identifiers are dotted names like "ctx.path".
func lex(src string) ([]token, error) {
	var tokens []token
	runes := []rune(src)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '(':
			tokens = append(tokens, token{tokenLParen, "(", i})
			i++
		case r == ')':
			tokens = append(tokens, token{tokenRParen, ")", i})
			i++
		case r == ';':
			tokens = append(tokens, token{tokenSemicolon, ";", i})
			i++

		case r == '\'' || r == '"':
			quote := r
			j := i + 1
			var sb strings.Builder
			for j < len(runes) && runes[j] != quote {
				if runes[j] == '\\' && j+1 < len(runes) {
					j++
				}
				sb.WriteRune(runes[j])
				j++
			}
			if j >= len(runes) {
				return nil, wferr.Condition("unterminated string literal at offset %d", i)
			}
			tokens = append(tokens, token{tokenString, sb.String(), i})
			i = j + 1

		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1]) && startsValue(tokens)):
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokenNumber, string(runes[i:j]), i})
			i = j

		case unicode.IsLetter(r) || r == '_':
			j := i + 1
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '.') {
				j++
			}
			word := string(runes[i:j])
			switch word {
			case "true", "false":
				tokens = append(tokens, token{tokenBool, word, i})
			case "null":
				tokens = append(tokens, token{tokenNull, word, i})
			default:
				tokens = append(tokens, token{tokenIdent, word, i})
			}
			i = j

		case strings.ContainsRune("=!<>&|", r):
			two := ""
			if i+1 < len(runes) {
				two = string(runes[i : i+2])
			}
			switch two {
			case "==", "!=", "<=", ">=", "&&", "||":
				tokens = append(tokens, token{tokenOp, two, i})
				i += 2
			default:
				switch r {
				case '<', '>', '!':
					tokens = append(tokens, token{tokenOp, string(r), i})
					i++
				case '=':
					tokens = append(tokens, token{tokenAssign, "=", i})
					i++
				default:
					return nil, wferr.Condition("unexpected character %q at offset %d", string(r), i)
				}
			}

		default:
			return nil, wferr.Condition("unexpected character %q at offset %d", string(r), i)
		}
	}
	tokens = append(tokens, token{tokenEOF, "", len(runes)})
	return tokens, nil
}

// startsValue reports whether the next token is in value position, so a
// leading '-' belongs to a number literal rather than being garbage.
func startsValue(tokens []token) bool {
	if len(tokens) == 0 {
		return true
	}
	switch tokens[len(tokens)-1].kind {
	case tokenOp, tokenAssign, tokenLParen, tokenSemicolon:
		return true
	default:
		return false
	}
}

func (t token) String() string {
	if t.kind == tokenEOF {
		return "end of input"
	}
	return fmt.Sprintf("%q", t.text)
}
