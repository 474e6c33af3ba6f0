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

// Package transform converts a (RowEvent, DocumentId) pair into a
// target Action: the built-in column-projection transformer, or an
// opaque external callable reached through the ExternalTransformer
// adapter.
package transform

import "github.com/puffgres/core/internal/types"

// Transformer is the contract every mapping's transform binding must
// satisfy. Implementations must not panic; a failure is reported as
// an Action with Kind == ActionError.
type Transformer interface {
	Transform(event types.RowEvent, id types.DocumentId) types.Action
}

// IdentityTransformer projects a fixed, ordered set of source columns
// (or the whole row, if Columns is empty) straight into the target
// document on Insert/Update, and emits a bare Delete on Delete.
type IdentityTransformer struct {
	Columns []string
}

// NewIdentityTransformer returns a transformer that projects columns.
// An empty columns list means "whole row".
func NewIdentityTransformer(columns []string) *IdentityTransformer {
	return &IdentityTransformer{Columns: columns}
}

// All returns a transformer that projects every column of the
// visible row.
func All() *IdentityTransformer { return &IdentityTransformer{} }

// Transform implements Transformer. A Delete whose old row lacked the
// id column never reaches here: the supervisor runs ExtractId first
// and routes that failure to the DLQ as MissingColumn before a
// transformer is ever invoked.
func (t *IdentityTransformer) Transform(event types.RowEvent, id types.DocumentId) types.Action {
	switch event.Op {
	case types.OpInsert, types.OpUpdate:
		return types.NewUpsert(id, project(event.New, t.Columns))
	case types.OpDelete:
		return types.NewDelete(id)
	default:
		return types.NewError(types.ErrUnknown, "unrecognized operation")
	}
}

func project(row types.RowMap, columns []string) types.RowMap {
	if len(columns) == 0 {
		out := make(types.RowMap, len(row))
		for k, v := range row {
			out[k] = v
		}
		return out
	}
	out := make(types.RowMap, len(columns))
	for _, c := range columns {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out
}

// ExternalFunc is the signature an out-of-process transform runner
// adapter must implement: serialize (event, id), invoke the external
// collaborator, and parse its JSON reply into an Action. It is a thin
// I/O adapter outside the core; ExternalTransformer below only
// defines how its failures are classified.
type ExternalFunc func(event types.RowEvent, id types.DocumentId) (types.Action, error)

// ExternalTransformer adapts an out-of-process transform runner into
// the Transformer interface. The core treats the runner as an opaque
// callable: any error it returns becomes Action::Error(TransformFailed),
// never a panic or a process-ending failure.
type ExternalTransformer struct {
	Call ExternalFunc
}

// Transform implements Transformer.
func (t *ExternalTransformer) Transform(event types.RowEvent, id types.DocumentId) types.Action {
	action, err := t.Call(event, id)
	if err != nil {
		return types.NewError(types.ErrTransformFailed, err.Error())
	}
	return action
}
