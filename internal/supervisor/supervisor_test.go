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

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puffgres/core/internal/batch"
	"github.com/puffgres/core/internal/index"
	"github.com/puffgres/core/internal/transform"
	"github.com/puffgres/core/internal/types"
)

// fakeStore is an in-memory CheckpointStore that records the order of
// externally visible operations in a shared call log.
type fakeStore struct {
	checkpoints map[string]*types.Checkpoint
	dlq         []types.DlqEntry
	nextDlqID   int64
	retried     []int64
	deleted     []int64
	calls       *[]string
}

func newFakeStore(calls *[]string) *fakeStore {
	return &fakeStore{checkpoints: make(map[string]*types.Checkpoint), nextDlqID: 1, calls: calls}
}

func (f *fakeStore) GetCheckpoint(_ context.Context, mapping string) (*types.Checkpoint, error) {
	if cp, ok := f.checkpoints[mapping]; ok {
		copied := *cp
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeStore) SaveCheckpoint(_ context.Context, mapping string, lsn, eventsProcessed uint64) error {
	*f.calls = append(*f.calls, "checkpoint")
	f.checkpoints[mapping] = &types.Checkpoint{
		MappingName: mapping, LSN: lsn, EventsProcessed: eventsProcessed, UpdatedAt: time.Now(),
	}
	return nil
}

func (f *fakeStore) GetMinLSN(_ context.Context) (uint64, bool, error) {
	var min uint64
	found := false
	for _, cp := range f.checkpoints {
		if !found || cp.LSN < min {
			min = cp.LSN
			found = true
		}
	}
	return min, found, nil
}

func (f *fakeStore) AddDLQ(
	_ context.Context, mapping string, lsn uint64, eventJSON string, kind types.ErrorKind, message string,
) (int64, error) {
	*f.calls = append(*f.calls, "dlq")
	id := f.nextDlqID
	f.nextDlqID++
	f.dlq = append(f.dlq, types.DlqEntry{
		Id: id, MappingName: mapping, LSN: lsn, EventJSON: eventJSON,
		ErrorKind: kind, ErrorMessage: message, CreatedAt: time.Now(),
	})
	return id, nil
}

func (f *fakeStore) IncrementRetry(_ context.Context, id int64) error {
	f.retried = append(f.retried, id)
	return nil
}

func (f *fakeStore) DeleteDlq(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

// fakeWriter records every WriteRequest and can be told to fail.
type fakeWriter struct {
	requests []batch.WriteRequest
	err      error
	calls    *[]string
}

func (f *fakeWriter) Write(_ context.Context, req batch.WriteRequest) (index.Ack, error) {
	*f.calls = append(*f.calls, "write")
	if f.err != nil {
		return index.Ack{}, f.err
	}
	f.requests = append(f.requests, req)
	return index.Ack{AffectedCount: len(req.Upserts) + len(req.Deletes)}, nil
}

type fakeDeleter struct {
	deletedNamespaces []string
}

func (f *fakeDeleter) DeleteAll(_ context.Context, namespace string) error {
	f.deletedNamespaces = append(f.deletedNamespaces, namespace)
	return nil
}

type fakeAck struct {
	acked []uint64
	calls *[]string
}

func (f *fakeAck) Acknowledge(_ context.Context, ackLSN uint64) error {
	*f.calls = append(*f.calls, "ack")
	f.acked = append(f.acked, ackLSN)
	return nil
}

func usersMapping() types.Mapping {
	return types.Mapping{
		Name:      "users",
		Version:   1,
		Namespace: "users_v1",
		Source:    types.Source{Schema: "public", Table: "users"},
		Id:        types.IdConfig{Column: "id", Type: types.IdUint},
		Columns:   []string{"id", "name"},
	}
}

type harness struct {
	sv      *Supervisor
	store   *fakeStore
	writer  *fakeWriter
	deleter *fakeDeleter
	ack     *fakeAck
	calls   []string
}

func newHarness(t *testing.T, mappings ...types.Mapping) *harness {
	t.Helper()
	h := &harness{}
	h.store = newFakeStore(&h.calls)
	h.writer = &fakeWriter{calls: &h.calls}
	h.deleter = &fakeDeleter{}
	h.ack = &fakeAck{calls: &h.calls}
	transformers := make(map[string]transform.Transformer, len(mappings))
	for _, m := range mappings {
		transformers[m.Name] = transform.NewIdentityTransformer(m.Columns)
	}
	h.sv = New(mappings, transformers, h.store, h.writer, h.deleter, h.ack)
	return h
}

func insertEvent(lsn uint64, row types.RowMap) types.RowEvent {
	return types.RowEvent{Op: types.OpInsert, Schema: "public", Table: "users", New: row, LSN: lsn}
}

func TestProcessBatchBasicInsert(t *testing.T) {
	h := newHarness(t, usersMapping())
	event := insertEvent(100, types.RowMap{
		"id": types.NewInt(1), "name": types.NewString("Alice"), "extra": types.NewString("x"),
	})
	require.NoError(t, h.sv.ProcessBatch(context.Background(), &Batch{Events: []types.RowEvent{event}, AckLSN: 100}))

	require.Len(t, h.writer.requests, 1)
	req := h.writer.requests[0]
	assert.Equal(t, "users_v1", req.Namespace)
	require.Len(t, req.Upserts, 1)
	up := req.Upserts[0]
	assert.True(t, up.Id.Equal(types.DocumentId{Kind: types.DocUint, U: 1}))

	// Projection keeps only declared columns, plus the source-lsn stamp.
	_, hasExtra := up.Attributes["extra"]
	assert.False(t, hasExtra)
	name, _ := up.Attributes["name"].AsString()
	assert.Equal(t, "Alice", name)
	sourceLSN, ok := up.Attributes[batch.SourceLSNAttr].AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(100), sourceLSN)

	cp := h.store.checkpoints["users"]
	require.NotNil(t, cp)
	assert.Equal(t, uint64(100), cp.LSN)
	assert.Equal(t, uint64(1), cp.EventsProcessed)
	assert.Equal(t, []uint64{100}, h.ack.acked)
}

func TestProcessBatchMembershipFilter(t *testing.T) {
	m := usersMapping()
	m.Columns = nil
	m.Membership = types.MembershipConfig{Mode: types.MembershipDsl, Predicate: "status = 'active'"}
	h := newHarness(t, m)

	events := []types.RowEvent{
		insertEvent(100, types.RowMap{"id": types.NewInt(1), "status": types.NewString("active")}),
		insertEvent(101, types.RowMap{"id": types.NewInt(2), "status": types.NewString("inactive")}),
	}
	require.NoError(t, h.sv.ProcessBatch(context.Background(), &Batch{Events: events, AckLSN: 101}))

	require.Len(t, h.writer.requests, 1)
	require.Len(t, h.writer.requests[0].Upserts, 1)
	assert.True(t, h.writer.requests[0].Upserts[0].Id.Equal(types.DocumentId{Kind: types.DocUint, U: 1}))
}

func TestProcessBatchDelete(t *testing.T) {
	h := newHarness(t, usersMapping())
	event := types.RowEvent{
		Op: types.OpDelete, Schema: "public", Table: "users",
		Old: types.RowMap{"id": types.NewInt(1)}, LSN: 102,
	}
	require.NoError(t, h.sv.ProcessBatch(context.Background(), &Batch{Events: []types.RowEvent{event}, AckLSN: 102}))

	require.Len(t, h.writer.requests, 1)
	req := h.writer.requests[0]
	assert.Empty(t, req.Upserts)
	require.Len(t, req.Deletes, 1)
	assert.True(t, req.Deletes[0].Equal(types.DocumentId{Kind: types.DocUint, U: 1}))
}

func TestProcessBatchTransactionAtomicity(t *testing.T) {
	h := newHarness(t, usersMapping())
	events := []types.RowEvent{
		insertEvent(200, types.RowMap{"id": types.NewInt(1), "name": types.NewString("a")}),
		insertEvent(200, types.RowMap{"id": types.NewInt(2), "name": types.NewString("b")}),
		{
			Op: types.OpUpdate, Schema: "public", Table: "users",
			New: types.RowMap{"id": types.NewInt(1), "name": types.NewString("a2")}, LSN: 200,
		},
	}
	require.NoError(t, h.sv.ProcessBatch(context.Background(), &Batch{Events: events, AckLSN: 200}))

	require.Len(t, h.writer.requests, 1)
	req := h.writer.requests[0]
	require.Len(t, req.Upserts, 3)
	// Source order within the transaction is preserved.
	assert.True(t, req.Upserts[0].Id.Equal(types.DocumentId{Kind: types.DocUint, U: 1}))
	assert.True(t, req.Upserts[1].Id.Equal(types.DocumentId{Kind: types.DocUint, U: 2}))
	name, _ := req.Upserts[2].Attributes["name"].AsString()
	assert.Equal(t, "a2", name)

	cp := h.store.checkpoints["users"]
	require.NotNil(t, cp)
	assert.Equal(t, uint64(200), cp.LSN)
	assert.Equal(t, uint64(3), cp.EventsProcessed)

	// The write lands before the checkpoint, which lands before the
	// acknowledgement.
	assert.Equal(t, []string{"write", "checkpoint", "ack"}, h.calls)
	assert.Equal(t, []uint64{200}, h.ack.acked)
}

func TestProcessBatchPermanentFailureDivertsPerEvent(t *testing.T) {
	h := newHarness(t, usersMapping())
	h.writer.err = &types.DownstreamError{Retryable: false, Message: "HTTP 400"}

	events := []types.RowEvent{
		insertEvent(300, types.RowMap{"id": types.NewInt(1), "name": types.NewString("a")}),
		insertEvent(300, types.RowMap{"id": types.NewInt(2), "name": types.NewString("b")}),
	}
	require.NoError(t, h.sv.ProcessBatch(context.Background(), &Batch{Events: events, AckLSN: 300}))

	// One DLQ entry per original event, then the checkpoint and slot
	// still advance.
	require.Len(t, h.store.dlq, 2)
	for _, entry := range h.store.dlq {
		assert.Equal(t, "users", entry.MappingName)
		assert.Equal(t, uint64(300), entry.LSN)
		assert.Equal(t, types.ErrUnknown, entry.ErrorKind)
	}
	cp := h.store.checkpoints["users"]
	require.NotNil(t, cp)
	assert.Equal(t, uint64(300), cp.LSN)
	assert.Equal(t, []uint64{300}, h.ack.acked)
}

func TestProcessBatchRetryableFailureIsReturned(t *testing.T) {
	h := newHarness(t, usersMapping())
	h.writer.err = &types.DownstreamError{Retryable: true, Message: "HTTP 503"}

	events := []types.RowEvent{insertEvent(300, types.RowMap{"id": types.NewInt(1)})}
	err := h.sv.ProcessBatch(context.Background(), &Batch{Events: events, AckLSN: 300})
	require.Error(t, err)
	assert.Empty(t, h.store.dlq)
	assert.Empty(t, h.ack.acked)
}

func TestProcessBatchMissingIdGoesToDlq(t *testing.T) {
	h := newHarness(t, usersMapping())
	events := []types.RowEvent{insertEvent(400, types.RowMap{"name": types.NewString("no id")})}
	require.NoError(t, h.sv.ProcessBatch(context.Background(), &Batch{Events: events, AckLSN: 400}))

	require.Len(t, h.store.dlq, 1)
	assert.Equal(t, types.ErrMissingColumn, h.store.dlq[0].ErrorKind)
	assert.Empty(t, h.writer.requests)
	// The event was handled via the DLQ, so the slot still advances.
	cp := h.store.checkpoints["users"]
	require.NotNil(t, cp)
	assert.Equal(t, uint64(400), cp.LSN)
}

func TestProcessBatchInvalidIdTypeGoesToDlq(t *testing.T) {
	h := newHarness(t, usersMapping())
	events := []types.RowEvent{insertEvent(400, types.RowMap{"id": types.NewInt(-5)})}
	require.NoError(t, h.sv.ProcessBatch(context.Background(), &Batch{Events: events, AckLSN: 400}))

	require.Len(t, h.store.dlq, 1)
	assert.Equal(t, types.ErrInvalidType, h.store.dlq[0].ErrorKind)
}

func TestProcessBatchCheckpointNeverRegresses(t *testing.T) {
	h := newHarness(t, usersMapping())
	require.NoError(t, h.store.SaveCheckpoint(context.Background(), "users", 500, 10))

	// A backfill-sourced batch (AckLSN zero) must not pull the
	// streaming checkpoint backwards.
	events := []types.RowEvent{insertEvent(0, types.RowMap{"id": types.NewInt(1)})}
	require.NoError(t, h.sv.ProcessBatch(context.Background(), &Batch{Events: events}))

	cp := h.store.checkpoints["users"]
	assert.Equal(t, uint64(500), cp.LSN)
	assert.Equal(t, uint64(11), cp.EventsProcessed)
	assert.Empty(t, h.ack.acked)
}

func TestProcessBatchAcknowledgesMinAcrossMappings(t *testing.T) {
	lagging := usersMapping()
	lagging.Name = "users_slow"
	lagging.Namespace = "users_slow_v1"
	lagging.Membership = types.MembershipConfig{Mode: types.MembershipDsl, Predicate: "FALSE"}
	h := newHarness(t, usersMapping(), lagging)
	require.NoError(t, h.store.SaveCheckpoint(context.Background(), "users_slow", 50, 1))

	events := []types.RowEvent{insertEvent(600, types.RowMap{"id": types.NewInt(1)})}
	require.NoError(t, h.sv.ProcessBatch(context.Background(), &Batch{Events: events, AckLSN: 600}))

	// The slot only advances to the slowest mapping's checkpoint.
	assert.Equal(t, []uint64{50}, h.ack.acked)
}

func TestProcessBatchTruncateFansOutDeleteAll(t *testing.T) {
	h := newHarness(t, usersMapping())
	b := &Batch{
		AckLSN:          700,
		TruncatedTables: []types.Source{{Schema: "public", Table: "users"}},
	}
	require.NoError(t, h.sv.ProcessBatch(context.Background(), b))
	assert.Equal(t, []string{"users_v1"}, h.deleter.deletedNamespaces)
}

func TestRetryDlqEventShaped(t *testing.T) {
	h := newHarness(t, usersMapping())
	entry := types.DlqEntry{
		Id: 7, MappingName: "users", LSN: 800,
		EventJSON: `{"schema":"public","table":"users","op":"insert","row":{"id":1,"name":"Alice"}}`,
	}
	require.NoError(t, h.sv.RetryDlq(context.Background(), entry))

	require.Len(t, h.writer.requests, 1)
	require.Len(t, h.writer.requests[0].Upserts, 1)
	assert.Equal(t, []int64{7}, h.store.deleted)
	assert.Empty(t, h.store.retried)
}

func TestRetryDlqActionShaped(t *testing.T) {
	h := newHarness(t, usersMapping())
	entry := types.DlqEntry{
		Id: 8, MappingName: "users", LSN: 900,
		EventJSON: `{"namespace":"users_v1","op":"upsert","id":"1","attributes":{"id":1,"name":"Alice","__source_lsn":900},"lsn":900}`,
	}
	require.NoError(t, h.sv.RetryDlq(context.Background(), entry))

	require.Len(t, h.writer.requests, 1)
	req := h.writer.requests[0]
	require.Len(t, req.Upserts, 1)
	assert.True(t, req.Upserts[0].Id.Equal(types.DocumentId{Kind: types.DocUint, U: 1}))
	assert.Equal(t, []int64{8}, h.store.deleted)
}

func TestRetryDlqFailureIncrementsCounter(t *testing.T) {
	h := newHarness(t, usersMapping())
	h.writer.err = &types.DownstreamError{Retryable: false, Message: "still broken"}
	entry := types.DlqEntry{
		Id: 9, MappingName: "users", LSN: 800,
		EventJSON: `{"schema":"public","table":"users","op":"insert","row":{"id":1}}`,
	}
	err := h.sv.RetryDlq(context.Background(), entry)
	require.Error(t, err)
	assert.Equal(t, []int64{9}, h.store.retried)
	assert.Empty(t, h.store.deleted)
}
