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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func putU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func putU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func putCString(buf []byte, s string) []byte {
	buf = append(buf, []byte(s)...)
	return append(buf, 0)
}

func TestDecodeBegin(t *testing.T) {
	buf := []byte{'B'}
	buf = putU64(buf, 100)
	buf = putU64(buf, 0) // timestamp as i64, reuse putU64 then cast is fine for test
	buf = putU32(buf, 42)
	msg, err := Decode(buf)
	require.NoError(t, err)
	begin, ok := msg.(Begin)
	require.True(t, ok)
	assert.Equal(t, uint64(100), begin.FinalLSN)
	assert.Equal(t, uint32(42), begin.Xid)
}

func TestDecodeCommit(t *testing.T) {
	buf := []byte{'C', 0}
	buf = putU64(buf, 100)
	buf = putU64(buf, 200)
	buf = putU64(buf, 0)
	msg, err := Decode(buf)
	require.NoError(t, err)
	commit, ok := msg.(Commit)
	require.True(t, ok)
	assert.Equal(t, uint64(100), commit.CommitLSN)
	assert.Equal(t, uint64(200), commit.EndLSN)
}

func TestDecodeRelationAndInsert(t *testing.T) {
	buf := []byte{'R'}
	buf = putU32(buf, 12345)
	buf = putCString(buf, "public")
	buf = putCString(buf, "users")
	buf = append(buf, 'd') // default replica identity
	buf = putU16(buf, 2)
	// column 1: id, key, int4 (oid 23)
	buf = append(buf, 1)
	buf = putCString(buf, "id")
	buf = putU32(buf, 23)
	var negOne int32 = -1
	buf = putU32(buf, uint32(negOne))
	// column 2: name, not key, text (oid 25)
	buf = append(buf, 0)
	buf = putCString(buf, "name")
	buf = putU32(buf, 25)
	buf = putU32(buf, uint32(negOne))

	msg, err := Decode(buf)
	require.NoError(t, err)
	rel, ok := msg.(Relation)
	require.True(t, ok)
	assert.Equal(t, uint32(12345), rel.Oid)
	assert.Equal(t, "public", rel.Namespace)
	assert.Equal(t, "users", rel.Name)
	require.Len(t, rel.Columns, 2)
	assert.True(t, rel.Columns[0].IsKey)
	assert.Equal(t, "id", rel.Columns[0].Name)
	assert.False(t, rel.Columns[1].IsKey)

	// Now an insert referencing that relation.
	ibuf := []byte{'I'}
	ibuf = putU32(ibuf, 12345)
	ibuf = append(ibuf, 'N')
	ibuf = putU16(ibuf, 2)
	ibuf = append(ibuf, 't') // id column: text-tagged
	ibuf = putU32(ibuf, uint32(1))
	ibuf = append(ibuf, []byte("1")...)
	ibuf = append(ibuf, 't')
	ibuf = putU32(ibuf, uint32(5))
	ibuf = append(ibuf, []byte("Alice")...)

	imsg, err := Decode(ibuf)
	require.NoError(t, err)
	ins, ok := imsg.(Insert)
	require.True(t, ok)
	assert.Equal(t, uint32(12345), ins.RelationOid)
	require.Len(t, ins.New.Columns, 2)
	assert.Equal(t, ColText, ins.New.Columns[0].Kind)
	assert.Equal(t, "1", string(ins.New.Columns[0].Data))
	assert.Equal(t, "Alice", string(ins.New.Columns[1].Data))
}

func TestDecodeNullAndUnchangedToast(t *testing.T) {
	buf := []byte{'I'}
	buf = putU32(buf, 1)
	buf = append(buf, 'N')
	buf = putU16(buf, 2)
	buf = append(buf, 'n') // null
	buf = append(buf, 'u') // unchanged toast
	msg, err := Decode(buf)
	require.NoError(t, err)
	ins := msg.(Insert)
	require.Len(t, ins.New.Columns, 2)
	assert.Equal(t, ColNull, ins.New.Columns[0].Kind)
	assert.Equal(t, ColUnchangedToast, ins.New.Columns[1].Kind)
}

func TestDecodeUpdateWithKeyOldTuple(t *testing.T) {
	buf := []byte{'U'}
	buf = putU32(buf, 1)
	buf = append(buf, 'K')
	buf = putU16(buf, 1)
	buf = append(buf, 't')
	buf = putU32(buf, 1)
	buf = append(buf, []byte("1")...)
	buf = append(buf, 'N')
	buf = putU16(buf, 1)
	buf = append(buf, 't')
	buf = putU32(buf, 1)
	buf = append(buf, []byte("2")...)

	msg, err := Decode(buf)
	require.NoError(t, err)
	upd := msg.(Update)
	assert.Equal(t, byte('K'), upd.OldKind)
	require.Len(t, upd.Old.Columns, 1)
	require.Len(t, upd.New.Columns, 1)
}

func TestDecodeDeleteRequiresKeyOrOldMarker(t *testing.T) {
	buf := []byte{'D'}
	buf = putU32(buf, 1)
	buf = append(buf, 'X') // invalid marker
	_, err := Decode(buf)
	assert.Error(t, err)
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode([]byte{'Z'})
	assert.Error(t, err)
}

func TestDecodeTruncate(t *testing.T) {
	buf := []byte{'T'}
	buf = putU32(buf, 2)
	buf = append(buf, 0x1)
	buf = putU32(buf, 100)
	buf = putU32(buf, 200)
	msg, err := Decode(buf)
	require.NoError(t, err)
	tr := msg.(Truncate)
	assert.Equal(t, []uint32{100, 200}, tr.RelationOids)
}

func TestTypeValueBoolAndInt(t *testing.T) {
	v := TypeValue(ColumnValue{Kind: ColText, Data: []byte("t")}, oidBool)
	b, ok := v.AsBool()
	require.True(t, ok)
	assert.True(t, b)

	v = TypeValue(ColumnValue{Kind: ColText, Data: []byte("42")}, oidInt4)
	i, ok := v.AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(42), i)
}

func TestRelationCacheLifecycle(t *testing.T) {
	c := NewRelationCache()
	_, ok := c.Get(1)
	assert.False(t, ok)

	c.Update(relInfoFixture(1, "public", "users"))
	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, "users", got.Name)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, ok = c.Get(1)
	assert.False(t, ok)
}
