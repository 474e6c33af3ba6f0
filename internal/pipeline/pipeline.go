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

package pipeline

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/puffgres/core/internal/config"
	"github.com/puffgres/core/internal/index"
	"github.com/puffgres/core/internal/supervisor"
	"github.com/puffgres/core/internal/transform"
	"github.com/puffgres/core/internal/types"
	"github.com/puffgres/core/internal/util/stopper"
)

// Run drives streaming replication for mappings until ctx is
// cancelled: it binds the configured slot to the configured
// publication (creating either if cfg allows it), decodes the WAL into
// commit-delimited batches, and feeds them to a Supervisor that
// routes, transforms, batches and writes each batch to client before
// acknowledging the slot.
//
// transformers is keyed by mapping name; a mapping absent from the map
// gets an identity transform over its declared columns.
func Run(
	ctx context.Context, cfg *config.Config, mappings []types.Mapping,
	transformers map[string]transform.Transformer, client index.Client,
) error {
	mappings = applyNamespace(cfg.BaseNamespace, mappings)

	p, cleanup, err := newStreamPipeline(ctx, cfg, mappings, transformers, client)
	if err != nil {
		return err
	}
	defer cleanup()

	// Two cooperating tasks: the pump owns replication I/O, the
	// supervisor drains the bounded queue between them.
	queue := supervisor.NewQueuedSource(p.source, cfg.QueueDepth)
	stop := stopper.New(ctx)
	stop.Go(func() error {
		return queue.Pump(stop)
	})
	stop.Go(func() error {
		return p.supervisor.Run(stop, queue)
	})

	if err := stop.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("pipeline run stopped with error")
		return err
	}
	return nil
}

// Backfill drives one mapping's cursor-paginated table scan to
// completion, writing every scanned page through client the same way
// a streamed upsert would. When resume is true and a prior backfill
// for mapping was interrupted, the scan picks up after its last
// recorded id instead of starting over.
func Backfill(
	ctx context.Context, cfg *config.Config, mapping types.Mapping, xform transform.Transformer,
	client index.Client, batchSize int, resume bool,
) error {
	mapping = applyNamespace(cfg.BaseNamespace, []types.Mapping{mapping})[0]
	req := BackfillRequest{Mapping: mapping, BatchSize: batchSize, Resume: resume}

	p, cleanup, err := newBackfillPipeline(ctx, cfg, req, xform, client)
	if err != nil {
		return err
	}
	defer cleanup()

	stop := stopper.New(ctx)
	runErr := p.supervisor.Run(stop, p.source)
	stop.Stop()

	progress := p.scanner.Progress()
	if saveErr := p.store.UpdateBackfillProgress(
		ctx, p.mapping.Name, progress.LastId, progress.EstimatedTotal, progress.ProcessedRows, progress.Status,
	); saveErr != nil {
		log.WithError(saveErr).WithField("mapping", p.mapping.Name).Error("failed to persist final backfill progress")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return errors.Wrapf(runErr, "backfill of mapping %q", p.mapping.Name)
	}
	return nil
}
