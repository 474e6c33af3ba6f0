// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package predicate

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/puffgres/core/internal/types"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokFloat
	tokString
	tokLParen
	tokRParen
	tokEq
	tokNotEq
	tokKwAnd
	tokKwOr
	tokKwNot
	tokKwIs
	tokKwNull
	tokKwTrue
	tokKwFalse
)

type token struct {
	kind tokenKind
	text string
	i    int64
	f    float64
}

type lexer struct {
	src []rune
	pos int
}

func newLexer(src string) *lexer { return &lexer{src: []rune(src)} }

func (l *lexer) peekChar() rune {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) advance() rune {
	c := l.peekChar()
	l.pos++
	return c
}

func (l *lexer) skipWhitespace() {
	for unicode.IsSpace(l.peekChar()) {
		l.pos++
	}
}

var keywords = map[string]tokenKind{
	"AND":   tokKwAnd,
	"OR":    tokKwOr,
	"NOT":   tokKwNot,
	"IS":    tokKwIs,
	"NULL":  tokKwNull,
	"TRUE":  tokKwTrue,
	"FALSE": tokKwFalse,
}

func (l *lexer) readIdent() token {
	start := l.pos
	for isIdentRune(l.peekChar()) {
		l.pos++
	}
	text := string(l.src[start:l.pos])
	if kw, ok := keywords[strings.ToUpper(text)]; ok {
		return token{kind: kw, text: text}
	}
	return token{kind: tokIdent, text: text}
}

func isIdentRune(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_'
}

func (l *lexer) readNumber() (token, error) {
	start := l.pos
	if l.peekChar() == '-' {
		l.pos++
	}
	isFloat := false
	for unicode.IsDigit(l.peekChar()) {
		l.pos++
	}
	if l.peekChar() == '.' {
		isFloat = true
		l.pos++
		for unicode.IsDigit(l.peekChar()) {
			l.pos++
		}
	}
	text := string(l.src[start:l.pos])
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, &types.ErrInvalidPredicate{Message: "malformed number: " + text}
		}
		return token{kind: tokFloat, text: text, f: f}, nil
	}
	i, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return token{}, &types.ErrInvalidPredicate{Message: "malformed number: " + text}
	}
	return token{kind: tokInt, text: text, i: i}, nil
}

func (l *lexer) readString() (token, error) {
	l.pos++ // opening quote
	start := l.pos
	for l.peekChar() != '\'' {
		if l.pos >= len(l.src) {
			return token{}, &types.ErrInvalidPredicate{Message: "unterminated string literal"}
		}
		l.pos++
	}
	text := string(l.src[start:l.pos])
	l.pos++ // closing quote
	return token{kind: tokString, text: text}, nil
}

func (l *lexer) next() (token, error) {
	l.skipWhitespace()
	c := l.peekChar()
	switch {
	case c == 0:
		return token{kind: tokEOF}, nil
	case c == '(':
		l.pos++
		return token{kind: tokLParen}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen}, nil
	case c == '=':
		l.pos++
		return token{kind: tokEq}, nil
	case c == '!':
		l.pos++
		if l.peekChar() != '=' {
			return token{}, &types.ErrInvalidPredicate{Message: "expected '=' after '!'"}
		}
		l.pos++
		return token{kind: tokNotEq}, nil
	case c == '\'':
		return l.readString()
	case unicode.IsDigit(c) || (c == '-' && l.pos+1 < len(l.src) && unicode.IsDigit(l.src[l.pos+1])):
		return l.readNumber()
	case unicode.IsLetter(c) || c == '_':
		return l.readIdent(), nil
	default:
		return token{}, &types.ErrInvalidPredicate{Message: "unexpected character " + string(c)}
	}
}

// parser implements the membership DSL grammar via
// recursive descent: expr := or ; or := and ("OR" and)* ; and := not
// ("AND" not)* ; not := "NOT" not | primary.
type parser struct {
	lex *lexer
	cur token
}

func newParser(src string) (*parser, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

// Parse compiles DSL source text into a Predicate tree.
func Parse(src string) (*Predicate, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, err
	}
	pred, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, &types.ErrInvalidPredicate{Message: "unexpected trailing input near " + p.cur.text}
	}
	return pred, nil
}

func (p *parser) parseExpr() (*Predicate, error) { return p.parseOr() }

func (p *parser) parseOr() (*Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokKwOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Or(left, right)
	}
	return left, nil
}

func (p *parser) parseAnd() (*Predicate, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokKwAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = And(left, right)
	}
	return left, nil
}

func (p *parser) parseNot() (*Predicate, error) {
	if p.cur.kind == tokKwNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return Not(inner), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*Predicate, error) {
	switch p.cur.kind {
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, &types.ErrInvalidPredicate{Message: "expected ')'"}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil
	case tokKwTrue:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return True, nil
	case tokKwFalse:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return False, nil
	case tokIdent:
		column := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return p.parseCompare(column)
	default:
		return nil, &types.ErrInvalidPredicate{Message: "expected an expression near " + p.cur.text}
	}
}

func (p *parser) parseCompare(column string) (*Predicate, error) {
	switch p.cur.kind {
	case tokEq:
		if err := p.advance(); err != nil {
			return nil, err
		}
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return Eq(column, lit), nil
	case tokNotEq:
		if err := p.advance(); err != nil {
			return nil, err
		}
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return NotEq(column, lit), nil
	case tokKwIs:
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind == tokKwNot {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.cur.kind != tokKwNull {
				return nil, &types.ErrInvalidPredicate{Message: "expected NULL after IS NOT"}
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			return IsNotNull(column), nil
		}
		if p.cur.kind != tokKwNull {
			return nil, &types.ErrInvalidPredicate{Message: "expected NULL after IS"}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return IsNull(column), nil
	default:
		return nil, &types.ErrInvalidPredicate{Message: "expected a comparison operator after " + column}
	}
}

func (p *parser) parseLiteral() (types.Value, error) {
	switch p.cur.kind {
	case tokKwNull:
		if err := p.advance(); err != nil {
			return types.Value{}, err
		}
		return types.Null, nil
	case tokKwTrue:
		if err := p.advance(); err != nil {
			return types.Value{}, err
		}
		return types.NewBool(true), nil
	case tokKwFalse:
		if err := p.advance(); err != nil {
			return types.Value{}, err
		}
		return types.NewBool(false), nil
	case tokInt:
		v := types.NewInt(p.cur.i)
		if err := p.advance(); err != nil {
			return types.Value{}, err
		}
		return v, nil
	case tokFloat:
		v := types.NewFloat(p.cur.f)
		if err := p.advance(); err != nil {
			return types.Value{}, err
		}
		return v, nil
	case tokString:
		v := types.NewString(p.cur.text)
		if err := p.advance(); err != nil {
			return types.Value{}, err
		}
		return v, nil
	default:
		return types.Value{}, &types.ErrInvalidPredicate{Message: "expected a literal near " + p.cur.text}
	}
}
