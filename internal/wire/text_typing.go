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

import (
	"encoding/json"
	"strconv"

	"github.com/puffgres/core/internal/types"
)

// Well-known Postgres type OIDs this decoder recognizes. These are
// pg_type's stable, built-in oid values.
const (
	oidBool        = 16
	oidName        = 19
	oidInt8        = 20
	oidInt2        = 21
	oidInt4        = 23
	oidText        = 25
	oidJSON        = 114
	oidFloat4      = 700
	oidFloat8      = 701
	oidBpchar      = 1042
	oidVarchar     = 1043
	oidDate        = 1082
	oidTimestamp   = 1114
	oidTimestamptz = 1184
	oidNumeric     = 1700
	oidUUID        = 2950
	oidJSONB       = 3802
)

// TypeValue interprets one decoded ColumnValue as a types.Value,
// dispatching on the column's Postgres type OID. Null and
// unchanged-TOAST columns are the caller's responsibility: this
// function is only meaningful for ColText and ColBinary values.
func TypeValue(cv ColumnValue, typeOid uint32) types.Value {
	if cv.Kind == ColNull {
		return types.Null
	}
	text := string(cv.Data)
	switch typeOid {
	case oidBool:
		return types.NewBool(text == "t")
	case oidInt2, oidInt4, oidInt8:
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return types.NewInt(i)
		}
		return types.NewString(text)
	case oidFloat4, oidFloat8:
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return types.NewFloat(f)
		}
		return types.NewString(text)
	case oidNumeric:
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return types.NewFloat(f)
		}
		// Falls back to string when non-representable as a double.
		return types.NewString(text)
	case oidText, oidVarchar, oidBpchar, oidName:
		return types.NewString(text)
	case oidUUID:
		return types.NewString(text)
	case oidDate, oidTimestamp, oidTimestamptz:
		// The source already emits these in an ISO-8601-compatible
		// textual form; no reformatting is required.
		return types.NewString(text)
	case oidJSON, oidJSONB:
		var decoded interface{}
		if err := json.Unmarshal(cv.Data, &decoded); err == nil {
			return types.FromJSON(decoded)
		}
		return types.NewString(text)
	default:
		return types.NewString(text)
	}
}

// TupleToRow converts a decoded Tuple into a types.RowMap, given the
// RelationInfo describing column names and type OIDs in order.
// Unchanged-TOAST columns are omitted from the result unless a
// non-nil prior row is supplied, in which case the prior value is
// carried forward; null columns are never synthesized for 'u'.
func TupleToRow(tup Tuple, rel types.RelationInfo, prior types.RowMap) types.RowMap {
	row := make(types.RowMap, len(tup.Columns))
	for i, cv := range tup.Columns {
		if i >= len(rel.Columns) {
			break
		}
		col := rel.Columns[i]
		switch cv.Kind {
		case ColNull:
			row[col.Name] = types.Null
		case ColUnchangedToast:
			if prior != nil {
				if v, ok := prior[col.Name]; ok {
					row[col.Name] = v
				}
			}
			// else: omitted entirely, never synthesized as null.
		default:
			row[col.Name] = TypeValue(cv, col.TypeOid)
		}
	}
	return row
}
