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

package wire

import "github.com/puffgres/core/internal/types"

func relInfoFixture(oid uint32, schema, name string) types.RelationInfo {
	return types.RelationInfo{
		Oid:    oid,
		Schema: schema,
		Name:   name,
		Columns: []types.ColumnInfo{
			{IsKey: true, Name: "id", TypeOid: oidInt4},
			{Name: "name", TypeOid: oidText},
		},
	}
}
