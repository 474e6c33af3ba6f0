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

package types

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// IdType is the declared shape of a Mapping's id column.
type IdType uint8

// The recognized IdTypes.
const (
	IdUint IdType = iota
	IdInt
	IdUuid
	IdString
)

// DocumentIdKind tags the active member of a DocumentId.
type DocumentIdKind uint8

// The recognized DocumentId kinds.
const (
	DocUint DocumentIdKind = iota
	DocInt
	DocUuid
	DocString
)

// DocumentId is a tagged union identifying a target document. Two ids
// are equal iff they carry the same Kind and the same value.
type DocumentId struct {
	Kind DocumentIdKind
	U    uint64
	I    int64
	S    string // used for both Uuid and String kinds
}

// Equal reports whether two DocumentIds carry the same tag and value.
func (d DocumentId) Equal(o DocumentId) bool {
	if d.Kind != o.Kind {
		return false
	}
	switch d.Kind {
	case DocUint:
		return d.U == o.U
	case DocInt:
		return d.I == o.I
	default:
		return d.S == o.S
	}
}

// String renders the id's value for logging and for use as an
// attribute map key.
func (d DocumentId) String() string {
	switch d.Kind {
	case DocUint:
		return strconv.FormatUint(d.U, 10)
	case DocInt:
		return strconv.FormatInt(d.I, 10)
	default:
		return d.S
	}
}

// ErrorKind classifies why a Transformer produced an Error Action.
type ErrorKind uint8

// The recognized ErrorKinds.
const (
	ErrMissingColumn ErrorKind = iota
	ErrInvalidType
	ErrTransformFailed
	ErrPredicateFailed
	ErrUnknown
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case ErrMissingColumn:
		return "missing_column"
	case ErrInvalidType:
		return "invalid_type"
	case ErrTransformFailed:
		return "transform_failed"
	case ErrPredicateFailed:
		return "predicate_failed"
	default:
		return "unknown"
	}
}

// ActionKind tags the active member of an Action.
type ActionKind uint8

// The recognized ActionKinds.
const (
	ActionUpsert ActionKind = iota
	ActionDelete
	ActionSkip
	ActionError
)

// Action is the output of a Transformer: a target mutation, a no-op,
// or a classified failure. Only Upsert and Delete produce wire
// traffic; RequiresWrite reports which.
type Action struct {
	Kind     ActionKind
	Id       DocumentId
	Document RowMap // populated for Upsert

	ErrKind ErrorKind
	ErrMsg  string
}

// NewUpsert builds an Upsert Action.
func NewUpsert(id DocumentId, doc RowMap) Action {
	return Action{Kind: ActionUpsert, Id: id, Document: doc}
}

// NewDelete builds a Delete Action.
func NewDelete(id DocumentId) Action {
	return Action{Kind: ActionDelete, Id: id}
}

// Skip is the no-op Action.
var Skip = Action{Kind: ActionSkip}

// NewError builds an Error Action.
func NewError(kind ErrorKind, msg string) Action {
	return Action{Kind: ActionError, ErrKind: kind, ErrMsg: msg}
}

// RequiresWrite reports whether the Action must be handed to the
// batcher.
func (a Action) RequiresWrite() bool {
	return a.Kind == ActionUpsert || a.Kind == ActionDelete
}

// IsError reports whether the Action is an Error.
func (a Action) IsError() bool { return a.Kind == ActionError }

// ErrInvalidIdType is returned by ExtractId when the row's id column
// has a shape incompatible with the declared IdType.
var ErrInvalidIdType = errors.New("invalid id type")

// ErrMissingId is returned by ExtractId when the visible row lacks the
// id column entirely.
var ErrMissingId = errors.New("missing id column")

// ExtractId pulls the id column from row and narrows it to the
// declared IdType, per the coercion rules in the id-type-coercion
// testable property: Uint requires a non-negative integer; Int
// accepts any integer; Uuid requires a string; String accepts a
// string or a stringified integer.
func ExtractId(row RowMap, idColumn string, idType IdType) (DocumentId, error) {
	v, ok := row[idColumn]
	if !ok {
		return DocumentId{}, ErrMissingId
	}
	switch idType {
	case IdUint:
		i, isInt := v.AsInt()
		if !isInt || i < 0 {
			return DocumentId{}, ErrInvalidIdType
		}
		return DocumentId{Kind: DocUint, U: uint64(i)}, nil
	case IdInt:
		i, isInt := v.AsInt()
		if !isInt {
			return DocumentId{}, ErrInvalidIdType
		}
		return DocumentId{Kind: DocInt, I: i}, nil
	case IdUuid:
		s, isStr := v.AsString()
		if !isStr {
			return DocumentId{}, ErrInvalidIdType
		}
		// The textual form is preserved as-is; parsing only validates.
		if _, err := uuid.Parse(s); err != nil {
			return DocumentId{}, ErrInvalidIdType
		}
		return DocumentId{Kind: DocUuid, S: s}, nil
	case IdString:
		if s, isStr := v.AsString(); isStr {
			return DocumentId{Kind: DocString, S: s}, nil
		}
		if i, isInt := v.AsInt(); isInt {
			return DocumentId{Kind: DocString, S: strconv.FormatInt(i, 10)}, nil
		}
		return DocumentId{}, ErrInvalidIdType
	default:
		return DocumentId{}, errors.Errorf("unrecognized id type %d", idType)
	}
}
