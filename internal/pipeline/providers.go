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

// Package pipeline assembles the two long-running entry points the
// core exposes to its operator surface: Run (streaming replication)
// and Backfill (initial table scan). Everything else — init, new,
// migrate, status, dlq, reset — is CLI plumbing outside this package.
package pipeline

import (
	"context"

	"github.com/google/wire"
	"github.com/jackc/pgx/v5"

	"github.com/puffgres/core/internal/backfill"
	"github.com/puffgres/core/internal/checkpoint"
	"github.com/puffgres/core/internal/config"
	"github.com/puffgres/core/internal/index"
	"github.com/puffgres/core/internal/replicator"
	"github.com/puffgres/core/internal/supervisor"
	"github.com/puffgres/core/internal/transform"
	"github.com/puffgres/core/internal/types"
)

// StreamSet provides the streaming-replication pipeline.
var StreamSet = wire.NewSet(
	ProvideStateStore,
	ProvideIndexWriter,
	ProvideReplicator,
	ProvideStreamPipeline,
)

// BackfillSet provides the table-scan pipeline.
var BackfillSet = wire.NewSet(
	ProvideStateStore,
	ProvideIndexWriter,
	ProvideBackfillScanner,
	ProvideBackfillPipeline,
)

// BackfillRequest names the mapping one backfill run scans and how.
type BackfillRequest struct {
	Mapping   types.Mapping
	BatchSize int
	Resume    bool
}

// streamPipeline binds an open Replicator to the Supervisor that
// drains it.
type streamPipeline struct {
	supervisor *supervisor.Supervisor
	source     supervisor.Source
}

// backfillPipeline binds a Scanner to the Supervisor that drains it,
// keeping the store and scanner at hand for progress persistence.
type backfillPipeline struct {
	supervisor *supervisor.Supervisor
	source     supervisor.Source
	scanner    *backfill.Scanner
	store      *checkpoint.Store
	mapping    types.Mapping
}

// ProvideStateStore opens and schema-ensures the checkpoint/DLQ store
// against cfg's state connection string.
func ProvideStateStore(ctx context.Context, cfg *config.Config) (*checkpoint.Store, func(), error) {
	store, err := checkpoint.Connect(ctx, cfg.StateConnString)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

// ProvideIndexWriter wraps client with cfg's retry policy.
func ProvideIndexWriter(cfg *config.Config, client index.Client) *index.Writer {
	return &index.Writer{Client: client, Retry: cfg.Retry.AsIndexRetryConfig()}
}

// ProvideReplicator opens the dedicated replication connection for
// mappings' source tables, per cfg's slot/publication settings.
func ProvideReplicator(ctx context.Context, cfg *config.Config, mappings []types.Mapping) (*replicator.Replicator, func(), error) {
	tables := make([]types.Source, 0, len(mappings))
	seen := make(map[types.Source]bool, len(mappings))
	for _, m := range mappings {
		if !seen[m.Source] {
			seen[m.Source] = true
			tables = append(tables, m.Source)
		}
	}
	r, err := replicator.Connect(ctx, replicator.Config{
		ConnString:      cfg.Replication.ConnString,
		SlotName:        cfg.Replication.SlotName,
		PublicationName: cfg.Replication.PublicationName,
		Tables:          tables,
		CreateIfMissing: cfg.Replication.CreateIfMissing,
	})
	if err != nil {
		return nil, nil, err
	}
	return r, func() { _ = r.Close(context.Background()) }, nil
}

// ProvideStreamPipeline binds the replicator's batch stream and
// acknowledgement path to a Supervisor.
func ProvideStreamPipeline(
	mappings []types.Mapping, transformers map[string]transform.Transformer,
	store *checkpoint.Store, writer *index.Writer, client index.Client, repl *replicator.Replicator,
) *streamPipeline {
	src, ack := supervisor.NewReplicatorSource(repl)
	sv := supervisor.New(mappings, transformers, store, writer, client, ack)
	return &streamPipeline{supervisor: sv, source: src}
}

// ProvideBackfillScanner opens a backfill.Scanner for req's mapping
// against a dedicated connection, resuming from a previously saved
// position when req.Resume is set and one exists.
func ProvideBackfillScanner(
	ctx context.Context, cfg *config.Config, req BackfillRequest, store *checkpoint.Store,
) (*backfill.Scanner, func(), error) {
	conn, err := pgx.Connect(ctx, cfg.Replication.ConnString)
	if err != nil {
		return nil, nil, err
	}
	scanner, err := backfill.New(ctx, conn, backfill.Config{
		Schema:    req.Mapping.Source.Schema,
		Table:     req.Mapping.Source.Table,
		IdColumn:  req.Mapping.Id.Column,
		Columns:   req.Mapping.Columns,
		BatchSize: req.BatchSize,
	})
	if err != nil {
		_ = conn.Close(ctx)
		return nil, nil, err
	}
	if req.Resume {
		progress, err := store.GetBackfillProgress(ctx, req.Mapping.Name)
		if err != nil {
			_ = conn.Close(ctx)
			return nil, nil, err
		}
		if progress != nil {
			scanner.ResumeFrom(progress.LastId, progress.ProcessedRows)
		}
	}
	return scanner, func() { _ = conn.Close(context.Background()) }, nil
}

// ProvideBackfillPipeline binds a scanner's page stream to a
// Supervisor with no Acknowledger: a backfill's cursor position is its
// only checkpoint.
func ProvideBackfillPipeline(
	req BackfillRequest, xform transform.Transformer,
	store *checkpoint.Store, writer *index.Writer, client index.Client, scanner *backfill.Scanner,
) *backfillPipeline {
	transformers := map[string]transform.Transformer{req.Mapping.Name: xform}
	sv := supervisor.New([]types.Mapping{req.Mapping}, transformers, store, writer, client, nil)
	src := supervisor.NewBackfillSource(scanner, req.Mapping.Name)
	return &backfillPipeline{
		supervisor: sv, source: src, scanner: scanner, store: store, mapping: req.Mapping,
	}
}

func applyNamespace(base string, mappings []types.Mapping) []types.Mapping {
	if base == "" {
		return mappings
	}
	out := make([]types.Mapping, len(mappings))
	for i, m := range mappings {
		m.Namespace = base + m.Namespace
		out[i] = m
	}
	return out
}
