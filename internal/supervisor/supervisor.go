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

// Package supervisor drives a batch of RowEvents through the router,
// transformer, batcher and index writer, persisting checkpoints and
// acknowledging the source once every mapping touched by the batch has
// been durably written. It is the single-threaded consumer side of
// the two-task concurrency model: a second goroutine owns replication
// I/O and feeds this package a channel of decoded batches.
package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/puffgres/core/internal/batch"
	"github.com/puffgres/core/internal/index"
	"github.com/puffgres/core/internal/metrics"
	"github.com/puffgres/core/internal/router"
	"github.com/puffgres/core/internal/transform"
	"github.com/puffgres/core/internal/types"
	"github.com/puffgres/core/internal/util/stopper"
)

// CheckpointStore is the narrow slice of *checkpoint.Store the
// supervisor depends on, so tests can substitute an in-memory fake.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, mapping string) (*types.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, mapping string, lsn, eventsProcessed uint64) error
	GetMinLSN(ctx context.Context) (uint64, bool, error)
	AddDLQ(ctx context.Context, mapping string, lsn uint64, eventJSON string, kind types.ErrorKind, message string) (int64, error)
	IncrementRetry(ctx context.Context, id int64) error
	DeleteDlq(ctx context.Context, id int64) error
}

// IndexWriter is the narrow slice of *index.Writer the supervisor
// depends on.
type IndexWriter interface {
	Write(ctx context.Context, req batch.WriteRequest) (index.Ack, error)
}

// Deleter is the narrow slice of index.Client the supervisor needs to
// translate a Truncate into a wholesale delete.
type Deleter interface {
	DeleteAll(ctx context.Context, namespace string) error
}

// Batch is the minimal shape the supervisor needs from either the
// streaming replicator or the backfill scanner: a commit-delimited (or
// page-delimited) group of events and the position they advance to.
// AckLSN is zero for a backfill-sourced batch, which never calls
// Acknowledger.
type Batch struct {
	Events          []types.RowEvent
	AckLSN          uint64
	TruncatedTables []types.Source
}

// Acknowledger is satisfied by *replicator.Replicator. Backfill runs
// pass a nil Acknowledger since there is nothing upstream to notify.
type Acknowledger interface {
	Acknowledge(ctx context.Context, ackLSN uint64) error
}

// Source produces batches for the supervisor to consume, blocking
// until one is available or ctx is done.
type Source interface {
	RecvBatch(ctx context.Context) (*Batch, error)
}

// Supervisor wires together every per-batch collaborator: the router,
// each mapping's transformer, a shared Batcher, the index Writer, and
// the checkpoint Store.
type Supervisor struct {
	Mappings     []types.Mapping
	Transformers map[string]transform.Transformer // keyed by Mapping.Name
	Store        CheckpointStore
	Writer       IndexWriter
	Client       Deleter
	Ack          Acknowledger // nil for a backfill run

	batcher   *batch.Batcher
	batchCfg  map[string]types.BatchConfig // namespace -> caps
	nsMapping map[string]string            // namespace -> owning mapping name
}

// New returns a Supervisor ready to process batches. transformers must
// have one entry per mapping in mappings, keyed by Mapping.Name;
// mappings without an entry use transform.All().
func New(
	mappings []types.Mapping, transformers map[string]transform.Transformer,
	store CheckpointStore, writer IndexWriter, client Deleter, ack Acknowledger,
) *Supervisor {
	batchCfg := make(map[string]types.BatchConfig, len(mappings))
	nsMapping := make(map[string]string, len(mappings))
	for _, m := range mappings {
		batchCfg[m.Namespace] = m.Batching.WithDefaults()
		if _, ok := nsMapping[m.Namespace]; !ok {
			nsMapping[m.Namespace] = m.Name
		}
	}
	return &Supervisor{
		Mappings:     mappings,
		Transformers: transformers,
		Store:        store,
		Writer:       writer,
		Client:       client,
		Ack:          ack,
		batcher:      batch.NewBatcher(),
		batchCfg:     batchCfg,
		nsMapping:    nsMapping,
	}
}

// mappingForNamespace names the mapping a namespace-keyed failure is
// attributed to in the DLQ. Namespaces are conventionally owned by one
// mapping; when several share one, the first declared owns the entry.
func (s *Supervisor) mappingForNamespace(namespace string) string {
	if name, ok := s.nsMapping[namespace]; ok {
		return name
	}
	return namespace
}

func (s *Supervisor) batchCfgFor(namespace string) types.BatchConfig {
	if cfg, ok := s.batchCfg[namespace]; ok {
		return cfg
	}
	return types.BatchConfig{}.WithDefaults()
}

func (s *Supervisor) transformerFor(mapping types.Mapping) transform.Transformer {
	if t, ok := s.Transformers[mapping.Name]; ok {
		return t
	}
	return transform.All()
}

// ProcessBatch drives one batch through the steady-state loop: it
// routes every event to its matching mappings, extracts and
// transforms each into an Action, flushes any batcher slot that fills
// or outlives its interval, then flushes every remaining slot and
// saves a checkpoint per mapping touched. If b.AckLSN is non-zero and
// Ack is set, it finally acknowledges the minimum checkpoint LSN
// across every known mapping.
func (s *Supervisor) ProcessBatch(ctx context.Context, b *Batch) error {
	contributed := make(map[string]int64) // mapping name -> events contributed this batch

	if err := s.handleTruncates(ctx, b.TruncatedTables); err != nil {
		return err
	}

	for _, event := range b.Events {
		matched := router.Route(s.Mappings, event)
		for _, mapping := range matched {
			action := s.buildAction(event, mapping)
			// A diverted event still counts: once its DLQ entry is
			// durable the batch is handled and the slot may advance.
			if action.RequiresWrite() || action.IsError() {
				contributed[mapping.Name]++
			}
			if action.IsError() {
				if err := s.divertToDlq(ctx, mapping.Name, event.LSN, event, action); err != nil {
					return err
				}
				continue
			}
			if !action.RequiresWrite() {
				continue
			}
			if flushed := s.batcher.Add(mapping.Namespace, action, event.LSN, mapping.Batching); flushed != nil {
				if err := s.flushAndWrite(ctx, flushed); err != nil {
					return err
				}
			}
		}
		for _, expired := range s.batcher.FlushExpired(time.Now(), s.batchCfgFor) {
			if err := s.flushAndWrite(ctx, expired); err != nil {
				return err
			}
		}
	}

	for _, flushed := range s.batcher.FlushAll() {
		if err := s.flushAndWrite(ctx, flushed); err != nil {
			return err
		}
	}

	for name, count := range contributed {
		if err := s.saveCheckpoint(ctx, name, b.AckLSN, count); err != nil {
			return err
		}
	}

	if b.AckLSN != 0 && s.Ack != nil {
		safe, ok, err := s.Store.GetMinLSN(ctx)
		if err != nil {
			return err
		}
		if ok {
			if err := s.Ack.Acknowledge(ctx, safe); err != nil {
				return errors.Wrap(err, "acknowledging replication position")
			}
		}
	}
	return nil
}

// buildAction runs id extraction then transformation for one
// (event, mapping) pair, collapsing both failure modes into an Error
// Action so the caller has one branch to handle.
func (s *Supervisor) buildAction(event types.RowEvent, mapping types.Mapping) types.Action {
	id, err := types.ExtractId(event.Row(), mapping.Id.Column, mapping.Id.Type)
	if err != nil {
		kind := types.ErrMissingColumn
		if errors.Is(err, types.ErrInvalidIdType) {
			kind = types.ErrInvalidType
		}
		return types.NewError(kind, err.Error())
	}
	return s.transformerFor(mapping).Transform(event, id)
}

// handleTruncates fans a Truncate out to delete_all for every mapping
// routed to a truncated relation, per the decision recorded against
// the wire protocol's open truncate-semantics question.
func (s *Supervisor) handleTruncates(ctx context.Context, truncated []types.Source) error {
	if len(truncated) == 0 {
		return nil
	}
	for _, src := range truncated {
		for _, mapping := range s.Mappings {
			if mapping.Source != src {
				continue
			}
			if err := s.Client.DeleteAll(ctx, mapping.Namespace); err != nil {
				return errors.Wrapf(err, "delete_all on truncate for namespace %s", mapping.Namespace)
			}
		}
	}
	return nil
}

func (s *Supervisor) flushAndWrite(ctx context.Context, b *batch.Batch) error {
	metrics.BatchFlushes.WithLabelValues(b.Namespace).Inc()
	metrics.BatchFlushDurations.WithLabelValues(b.Namespace).Observe(b.Age().Seconds())
	req := batch.FromBatch(b)
	if !req.IsEmpty() {
		start := time.Now()
		_, err := s.Writer.Write(ctx, req)
		metrics.IndexWriteDurations.WithLabelValues(b.Namespace).Observe(time.Since(start).Seconds())
		if err != nil {
			var downstream *types.DownstreamError
			if errors.As(err, &downstream) && !downstream.Retryable {
				metrics.IndexWriteErrors.WithLabelValues(b.Namespace).Inc()
				return s.divertWriteRequestToDlq(ctx, s.mappingForNamespace(b.Namespace), req, err)
			}
			return errors.Wrap(err, "writing batch to index service")
		}
		metrics.IndexWrites.WithLabelValues(b.Namespace).Inc()
	}
	for _, errAction := range req.Errors {
		if err := s.divertActionToDlq(ctx, s.mappingForNamespace(b.Namespace), b.LSN, errAction); err != nil {
			return err
		}
	}
	return nil
}

// divertWriteRequestToDlq handles a permanent downstream failure: one
// DLQ entry per upsert and per delete the request carried, each tagged
// with the classified error, so every original event remains
// individually retryable.
func (s *Supervisor) divertWriteRequestToDlq(ctx context.Context, mapping string, req batch.WriteRequest, cause error) error {
	for _, u := range req.Upserts {
		payload, _ := json.Marshal(map[string]interface{}{
			"namespace": req.Namespace, "op": "upsert",
			"id": u.Id.String(), "attributes": u.Attributes.ToJSONMap(), "lsn": req.LSN,
		})
		if err := s.addDlq(ctx, mapping, req.LSN, payload, types.ErrUnknown, cause.Error()); err != nil {
			return err
		}
	}
	for _, d := range req.Deletes {
		payload, _ := json.Marshal(map[string]interface{}{
			"namespace": req.Namespace, "op": "delete", "id": d.String(), "lsn": req.LSN,
		})
		if err := s.addDlq(ctx, mapping, req.LSN, payload, types.ErrUnknown, cause.Error()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) divertActionToDlq(ctx context.Context, mapping string, lsnVal uint64, action types.Action) error {
	payload, _ := json.Marshal(actionToJSON(action))
	return s.addDlq(ctx, mapping, lsnVal, payload, action.ErrKind, action.ErrMsg)
}

func (s *Supervisor) divertToDlq(ctx context.Context, mapping string, lsnVal uint64, event types.RowEvent, action types.Action) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"schema": event.Schema, "table": event.Table, "op": event.Op.String(), "row": event.Row().ToJSONMap(),
	})
	return s.addDlq(ctx, mapping, lsnVal, payload, action.ErrKind, action.ErrMsg)
}

func actionToJSON(a types.Action) map[string]interface{} {
	out := map[string]interface{}{"kind": a.ErrKind.String(), "message": a.ErrMsg}
	if a.Kind == types.ActionUpsert || a.Kind == types.ActionDelete {
		out["id"] = a.Id.String()
	}
	if a.Document != nil {
		out["document"] = a.Document.ToJSONMap()
	}
	return out
}

func (s *Supervisor) addDlq(
	ctx context.Context, mapping string, lsnVal uint64, payload []byte, kind types.ErrorKind, message string,
) error {
	if _, err := s.Store.AddDLQ(ctx, mapping, lsnVal, string(payload), kind, message); err != nil {
		return err
	}
	metrics.DlqInserts.WithLabelValues(mapping).Inc()
	return nil
}

func (s *Supervisor) saveCheckpoint(ctx context.Context, mapping string, ackLSN uint64, contributed int64) error {
	existing, err := s.Store.GetCheckpoint(ctx, mapping)
	if err != nil {
		return err
	}
	processed := uint64(contributed)
	if existing != nil {
		processed += existing.EventsProcessed
	}
	lsnVal := ackLSN
	if existing != nil && existing.LSN > lsnVal {
		lsnVal = existing.LSN // backfill runs (ackLSN==0) must never regress a streaming checkpoint
	}
	return s.Store.SaveCheckpoint(ctx, mapping, lsnVal, processed)
}

// Run drains src in a loop until ctx is cancelled, processing each
// batch as it arrives. It is meant to be registered with a
// stopper.Context via Go, so that graceful shutdown can observe
// Stopping() and let the current ProcessBatch finish before Run
// returns.
func (s *Supervisor) Run(ctx *stopper.Context, src Source) error {
	for {
		select {
		case <-ctx.Stopping():
			return nil
		default:
		}
		b, err := src.RecvBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return errors.Wrap(err, "receiving batch")
		}
		if b == nil {
			continue
		}
		if err := s.ProcessBatch(ctx, b); err != nil {
			log.WithError(err).Error("failed to process batch")
			return err
		}
	}
}
