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

// Package predicate implements the small SQL-like boolean DSL used by
// Dsl-membership Mappings: a recursive-descent parser over AND/OR/NOT/
// comparison expressions, and a structural evaluator against a row
// value map.
package predicate

import "github.com/puffgres/core/internal/types"

// Kind tags the active node type of a Predicate.
type Kind uint8

// The recognized Predicate node Kinds.
const (
	KindTrue Kind = iota
	KindFalse
	KindEq
	KindNotEq
	KindIsNull
	KindIsNotNull
	KindAnd
	KindOr
	KindNot
)

// Predicate is a node in the parsed DSL tree.
type Predicate struct {
	Kind    Kind
	Column  string
	Literal types.Value // meaningful for KindEq/KindNotEq
	Left    *Predicate  // meaningful for KindAnd/KindOr/KindNot (as the sole operand)
	Right   *Predicate  // meaningful for KindAnd/KindOr
}

// True is the always-accept predicate.
var True = &Predicate{Kind: KindTrue}

// False is the always-reject predicate.
var False = &Predicate{Kind: KindFalse}

// Eq builds an Eq(column, literal) node.
func Eq(column string, literal types.Value) *Predicate {
	return &Predicate{Kind: KindEq, Column: column, Literal: literal}
}

// NotEq builds a NotEq(column, literal) node.
func NotEq(column string, literal types.Value) *Predicate {
	return &Predicate{Kind: KindNotEq, Column: column, Literal: literal}
}

// IsNull builds an IsNull(column) node.
func IsNull(column string) *Predicate {
	return &Predicate{Kind: KindIsNull, Column: column}
}

// IsNotNull builds an IsNotNull(column) node.
func IsNotNull(column string) *Predicate {
	return &Predicate{Kind: KindIsNotNull, Column: column}
}

// And builds an And(a,b) node.
func And(a, b *Predicate) *Predicate {
	return &Predicate{Kind: KindAnd, Left: a, Right: b}
}

// Or builds an Or(a,b) node.
func Or(a, b *Predicate) *Predicate {
	return &Predicate{Kind: KindOr, Left: a, Right: b}
}

// Not builds a Not(p) node.
func Not(p *Predicate) *Predicate {
	return &Predicate{Kind: KindNot, Left: p}
}

// Evaluate runs the predicate against row. Missing columns compare as
// null: Eq and NotEq against a missing column follow normal null
// comparison semantics (missing = lit is false; missing != lit is
// true), and IsNull(missing) is true. Evaluation never fails.
func (p *Predicate) Evaluate(row types.RowMap) bool {
	switch p.Kind {
	case KindTrue:
		return true
	case KindFalse:
		return false
	case KindEq:
		v, ok := row[p.Column]
		if !ok {
			return false
		}
		return types.NumericEqual(v, p.Literal)
	case KindNotEq:
		v, ok := row[p.Column]
		if !ok {
			return true
		}
		return !types.NumericEqual(v, p.Literal)
	case KindIsNull:
		v, ok := row[p.Column]
		return !ok || v.IsNull()
	case KindIsNotNull:
		v, ok := row[p.Column]
		return ok && !v.IsNull()
	case KindAnd:
		return p.Left.Evaluate(row) && p.Right.Evaluate(row)
	case KindOr:
		return p.Left.Evaluate(row) || p.Right.Evaluate(row)
	case KindNot:
		return !p.Left.Evaluate(row)
	default:
		return false
	}
}
