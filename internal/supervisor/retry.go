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
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/puffgres/core/internal/batch"
	"github.com/puffgres/core/internal/types"
)

// RetryDlq re-injects one dead-letter entry through the pipeline. Two
// payload shapes exist: event-shaped entries (id extraction or
// transform failed before a write was ever built) re-run id extraction
// and the transform for the entry's mapping without routing, and
// action-shaped entries (a permanent
// downstream failure after the write was built) are re-written
// directly. On success the entry is removed; on failure its retry
// counter is incremented and the original error is returned.
func (s *Supervisor) RetryDlq(ctx context.Context, entry types.DlqEntry) error {
	err := s.replay(ctx, entry)
	if err != nil {
		if incErr := s.Store.IncrementRetry(ctx, entry.Id); incErr != nil {
			log.WithError(incErr).WithField("dlq_id", entry.Id).Warn("failed to increment retry counter")
		}
		return errors.Wrapf(err, "retrying dlq entry %d", entry.Id)
	}
	return s.Store.DeleteDlq(ctx, entry.Id)
}

type dlqPayload struct {
	// Event-shaped fields.
	Schema string                 `json:"schema"`
	Table  string                 `json:"table"`
	OpName string                 `json:"op"`
	Row    map[string]interface{} `json:"row"`

	// Action-shaped fields.
	Namespace  string                 `json:"namespace"`
	Id         string                 `json:"id"`
	Attributes map[string]interface{} `json:"attributes"`
	LSN        uint64                 `json:"lsn"`
}

func (s *Supervisor) replay(ctx context.Context, entry types.DlqEntry) error {
	var p dlqPayload
	if err := json.Unmarshal([]byte(entry.EventJSON), &p); err != nil {
		return errors.Wrap(err, "decoding dlq payload")
	}
	mapping, ok := s.mappingByName(entry.MappingName)
	if !ok {
		return errors.Errorf("mapping %q is no longer loaded", entry.MappingName)
	}
	if p.Row != nil {
		return s.replayEvent(ctx, mapping, p, entry.LSN)
	}
	return s.replayAction(ctx, mapping, p)
}

func (s *Supervisor) mappingByName(name string) (types.Mapping, bool) {
	for _, m := range s.Mappings {
		if m.Name == name {
			return m, true
		}
	}
	return types.Mapping{}, false
}

// replayEvent rebuilds the original RowEvent and runs it back through
// id extraction and the mapping's transformer. A failure that repeats
// is returned as an error rather than re-diverted, so the entry's
// retry counter reflects every attempt.
func (s *Supervisor) replayEvent(ctx context.Context, mapping types.Mapping, p dlqPayload, lsnVal uint64) error {
	row := make(types.RowMap, len(p.Row))
	for k, v := range p.Row {
		row[k] = types.FromJSON(v)
	}
	event := types.RowEvent{Schema: p.Schema, Table: p.Table, LSN: lsnVal}
	switch p.OpName {
	case "delete":
		event.Op = types.OpDelete
		event.Old = row
	case "update":
		event.Op = types.OpUpdate
		event.New = row
	default:
		event.Op = types.OpInsert
		event.New = row
	}

	action := s.buildAction(event, mapping)
	if action.IsError() {
		return errors.Errorf("%s: %s", action.ErrKind, action.ErrMsg)
	}
	if !action.RequiresWrite() {
		return nil
	}
	return s.writeSingle(ctx, mapping.Namespace, action, lsnVal)
}

// replayAction rebuilds the already-transformed write and re-executes
// it directly, skipping the transform path that already succeeded.
func (s *Supervisor) replayAction(ctx context.Context, mapping types.Mapping, p dlqPayload) error {
	id, err := parseDocumentId(p.Id, mapping.Id.Type)
	if err != nil {
		return err
	}
	var action types.Action
	if p.OpName == "delete" {
		action = types.NewDelete(id)
	} else {
		doc := make(types.RowMap, len(p.Attributes))
		for k, v := range p.Attributes {
			if k == batch.SourceLSNAttr || k == batch.BackfillAttr {
				continue
			}
			doc[k] = types.FromJSON(v)
		}
		action = types.NewUpsert(id, doc)
	}
	return s.writeSingle(ctx, p.Namespace, action, p.LSN)
}

// writeSingle flushes one action as its own batch, bypassing the
// accumulating batcher so a retry is visible downstream immediately.
func (s *Supervisor) writeSingle(ctx context.Context, namespace string, action types.Action, lsnVal uint64) error {
	single := batch.NewBatcher()
	single.Add(namespace, action, lsnVal, s.batchCfgFor(namespace))
	for _, b := range single.FlushAll() {
		req := batch.FromBatch(b)
		if req.IsEmpty() {
			continue
		}
		if _, err := s.Writer.Write(ctx, req); err != nil {
			return errors.Wrap(err, "re-writing dlq entry")
		}
	}
	return nil
}

// parseDocumentId re-narrows a stringified document id using the
// mapping's declared id type.
func parseDocumentId(s string, idType types.IdType) (types.DocumentId, error) {
	switch idType {
	case types.IdUint:
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return types.DocumentId{}, errors.Wrapf(err, "parsing %q as uint id", s)
		}
		return types.DocumentId{Kind: types.DocUint, U: u}, nil
	case types.IdInt:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return types.DocumentId{}, errors.Wrapf(err, "parsing %q as int id", s)
		}
		return types.DocumentId{Kind: types.DocInt, I: i}, nil
	case types.IdUuid:
		return types.DocumentId{Kind: types.DocUuid, S: s}, nil
	default:
		return types.DocumentId{Kind: types.DocString, S: s}, nil
	}
}
