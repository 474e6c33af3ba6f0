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

package transform

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/puffgres/core/internal/types"
)

func TestIdentityTransformerProjectsColumns(t *testing.T) {
	tr := NewIdentityTransformer([]string{"id", "name"})
	event := types.RowEvent{
		Op:  types.OpInsert,
		New: types.RowMap{"id": types.NewInt(1), "name": types.NewString("Alice"), "extra": types.NewString("x")},
	}
	action := tr.Transform(event, types.DocumentId{Kind: types.DocUint, U: 1})
	assert.Equal(t, types.ActionUpsert, action.Kind)
	assert.Len(t, action.Document, 2)
	_, hasExtra := action.Document["extra"]
	assert.False(t, hasExtra)
}

func TestIdentityTransformerAllColumns(t *testing.T) {
	tr := All()
	event := types.RowEvent{
		Op:  types.OpInsert,
		New: types.RowMap{"id": types.NewInt(1), "extra": types.NewString("x")},
	}
	action := tr.Transform(event, types.DocumentId{Kind: types.DocUint, U: 1})
	assert.Len(t, action.Document, 2)
}

func TestIdentityTransformerDelete(t *testing.T) {
	tr := All()
	event := types.RowEvent{Op: types.OpDelete, Old: types.RowMap{"id": types.NewInt(1)}}
	action := tr.Transform(event, types.DocumentId{Kind: types.DocUint, U: 1})
	assert.Equal(t, types.ActionDelete, action.Kind)
}

func TestExternalTransformerMapsErrorToTransformFailed(t *testing.T) {
	ext := &ExternalTransformer{Call: func(types.RowEvent, types.DocumentId) (types.Action, error) {
		return types.Action{}, errors.New("boom")
	}}
	action := ext.Transform(types.RowEvent{}, types.DocumentId{})
	assert.Equal(t, types.ActionError, action.Kind)
	assert.Equal(t, types.ErrTransformFailed, action.ErrKind)
}

func TestExtractIdCoercion(t *testing.T) {
	id, err := types.ExtractId(types.RowMap{"id": types.NewInt(42)}, "id", types.IdUint)
	assert.NoError(t, err)
	assert.Equal(t, types.DocumentId{Kind: types.DocUint, U: 42}, id)

	_, err = types.ExtractId(types.RowMap{"id": types.NewInt(-5)}, "id", types.IdUint)
	assert.ErrorIs(t, err, types.ErrInvalidIdType)

	id, err = types.ExtractId(
		types.RowMap{"id": types.NewString("550e8400-e29b-41d4-a716-446655440000")}, "id", types.IdUuid)
	assert.NoError(t, err)
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", id.S)

	_, err = types.ExtractId(types.RowMap{}, "id", types.IdUint)
	assert.ErrorIs(t, err, types.ErrMissingId)
}
