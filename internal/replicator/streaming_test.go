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

package replicator

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puffgres/core/internal/types"
	"github.com/puffgres/core/internal/wire"
)

func putU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

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

func putCString(buf []byte, s string) []byte {
	buf = append(buf, []byte(s)...)
	return append(buf, 0)
}

func beginMsg(finalLSN uint64, xid uint32) []byte {
	buf := []byte{'B'}
	buf = putU64(buf, finalLSN)
	buf = putU64(buf, 0)
	return putU32(buf, xid)
}

func commitMsg(commitLSN, endLSN uint64) []byte {
	buf := []byte{'C', 0}
	buf = putU64(buf, commitLSN)
	buf = putU64(buf, endLSN)
	return putU64(buf, 0)
}

func relationMsg(oid uint32, schema, table string) []byte {
	buf := []byte{'R'}
	buf = putU32(buf, oid)
	buf = putCString(buf, schema)
	buf = putCString(buf, table)
	buf = append(buf, 'd')
	buf = putU16(buf, 2)
	buf = append(buf, 1)
	buf = putCString(buf, "id")
	buf = putU32(buf, 23) // int4
	buf = putU32(buf, uint32(0xFFFFFFFF))
	buf = append(buf, 0)
	buf = putCString(buf, "name")
	buf = putU32(buf, 25) // text
	buf = putU32(buf, uint32(0xFFFFFFFF))
	return buf
}

func insertMsg(oid uint32, id, name string) []byte {
	buf := []byte{'I'}
	buf = putU32(buf, oid)
	buf = append(buf, 'N')
	buf = putU16(buf, 2)
	buf = append(buf, 't')
	buf = putU32(buf, uint32(len(id)))
	buf = append(buf, []byte(id)...)
	buf = append(buf, 't')
	buf = putU32(buf, uint32(len(name)))
	buf = append(buf, []byte(name)...)
	return buf
}

func truncateMsg(oid uint32) []byte {
	buf := []byte{'T'}
	buf = putU32(buf, 1)
	buf = append(buf, 0)
	return putU32(buf, oid)
}

func testReplicator() *Replicator {
	return &Replicator{rel: wire.NewRelationCache()}
}

func TestApplyWALAssemblesCommitDelimitedBatch(t *testing.T) {
	r := testReplicator()

	for _, payload := range [][]byte{
		relationMsg(99, "public", "users"),
		beginMsg(200, 7),
		insertMsg(99, "1", "a"),
		insertMsg(99, "2", "b"),
	} {
		b, err := r.applyWAL(payload)
		require.NoError(t, err)
		require.Nil(t, b)
	}

	b, err := r.applyWAL(commitMsg(200, 250))
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, uint64(250), b.AckLSN)
	require.Len(t, b.Events, 2)
	for _, ev := range b.Events {
		assert.Equal(t, types.OpInsert, ev.Op)
		assert.Equal(t, "public", ev.Schema)
		assert.Equal(t, "users", ev.Table)
		assert.Equal(t, uint64(200), ev.LSN)
		assert.Equal(t, uint32(7), ev.Xid)
	}
	id0, _ := b.Events[0].New["id"].AsInt()
	id1, _ := b.Events[1].New["id"].AsInt()
	assert.Equal(t, int64(1), id0)
	assert.Equal(t, int64(2), id1)

	// The transaction buffer does not leak into the next commit.
	b2, err := r.applyWAL(commitMsg(300, 350))
	require.NoError(t, err)
	assert.Empty(t, b2.Events)
}

func TestApplyWALUnknownRelationIsFatal(t *testing.T) {
	r := testReplicator()
	_, err := r.applyWAL(beginMsg(200, 7))
	require.NoError(t, err)

	_, err = r.applyWAL(insertMsg(12345, "1", "a"))
	var notFound *types.ErrRelationNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, uint32(12345), notFound.Oid)
}

func TestApplyWALBeginResetsBuffer(t *testing.T) {
	r := testReplicator()
	_, err := r.applyWAL(relationMsg(99, "public", "users"))
	require.NoError(t, err)

	// An interrupted transaction: Begin and one insert, never
	// committed. The source re-emits from Begin after a reconnect.
	_, err = r.applyWAL(beginMsg(400, 1))
	require.NoError(t, err)
	_, err = r.applyWAL(insertMsg(99, "1", "a"))
	require.NoError(t, err)

	_, err = r.applyWAL(beginMsg(500, 2))
	require.NoError(t, err)
	_, err = r.applyWAL(insertMsg(99, "2", "b"))
	require.NoError(t, err)

	b, err := r.applyWAL(commitMsg(500, 550))
	require.NoError(t, err)
	require.Len(t, b.Events, 1)
	assert.Equal(t, uint64(500), b.Events[0].LSN)
}

func TestApplyWALTruncateIsReportedOnCommit(t *testing.T) {
	r := testReplicator()
	_, err := r.applyWAL(relationMsg(99, "public", "users"))
	require.NoError(t, err)
	_, err = r.applyWAL(beginMsg(600, 3))
	require.NoError(t, err)
	_, err = r.applyWAL(truncateMsg(99))
	require.NoError(t, err)

	b, err := r.applyWAL(commitMsg(600, 650))
	require.NoError(t, err)
	assert.Equal(t, []types.Source{{Schema: "public", Table: "users"}}, b.TruncatedTables)
}

func TestLooksLikePooler(t *testing.T) {
	assert.True(t, looksLikePooler("postgres://u@db-pooler.example.com/app"))
	assert.True(t, looksLikePooler("postgres://u@db-pooler:6432/app"))
	assert.False(t, looksLikePooler("postgres://u@db.example.com/app"))
}
