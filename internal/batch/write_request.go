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

package batch

import "github.com/puffgres/core/internal/types"

// SourceLSNAttr is the reserved attribute name carrying a streamed
// upsert's batch LSN, stamped on every upsert so downstream readers
// can verify ordering.
const SourceLSNAttr = "__source_lsn"

// BackfillAttr is the reserved attribute name marking a
// backfill-synthesized upsert; backfill upserts carry this instead of
// SourceLSNAttr.
const BackfillAttr = "__backfill"

// Upsert is one document to write, keyed by its DocumentId.
type Upsert struct {
	Id         types.DocumentId
	Attributes types.RowMap
}

// WriteRequest is the projection of a Batch that the index writer
// consumes: Skip and Error actions are discarded when building it.
type WriteRequest struct {
	Namespace string
	Upserts   []Upsert
	Deletes   []types.DocumentId
	LSN       uint64
	// Errors carries, in order, the Error actions the batch
	// accumulated alongside its writes, so the supervisor can divert
	// one DLQ entry per failed action without a side channel.
	Errors []types.Action
}

// IsEmpty reports whether the request has no upserts and no deletes.
func (w WriteRequest) IsEmpty() bool { return len(w.Upserts) == 0 && len(w.Deletes) == 0 }

// FromBatch builds a WriteRequest from a Batch's Actions. Every upsert
// is stamped with the batch LSN under SourceLSNAttr; a batch whose LSN
// is zero came from the backfill scanner and is stamped with
// BackfillAttr instead.
func FromBatch(b *Batch) WriteRequest {
	req := WriteRequest{Namespace: b.Namespace, LSN: b.LSN}
	for _, a := range b.Actions {
		switch a.Kind {
		case types.ActionUpsert:
			attrs := make(types.RowMap, len(a.Document)+1)
			for k, v := range a.Document {
				attrs[k] = v
			}
			if b.LSN > 0 {
				attrs[SourceLSNAttr] = types.NewInt(int64(b.LSN))
			} else {
				attrs[BackfillAttr] = types.NewBool(true)
			}
			req.Upserts = append(req.Upserts, Upsert{Id: a.Id, Attributes: attrs})
		case types.ActionDelete:
			req.Deletes = append(req.Deletes, a.Id)
		case types.ActionError:
			req.Errors = append(req.Errors, a)
		}
	}
	return req
}
