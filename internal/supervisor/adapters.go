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
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/puffgres/core/internal/backfill"
	"github.com/puffgres/core/internal/metrics"
	"github.com/puffgres/core/internal/replicator"
	"github.com/puffgres/core/internal/util/stopper"
)

// Reconnect backoff bounds for the replication connection. Startup
// failures are surfaced by Connect before this adapter is ever built,
// so every error seen here is a steady-state wire or I/O failure and
// is always worth retrying.
const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// replicatorAdapter lifts *replicator.Replicator to the narrower
// Source and Acknowledger interfaces this package depends on, and owns
// the reconnect-with-backoff policy: a decode or I/O failure tears the
// connection down and streaming resumes from the last acknowledged
// LSN, discarding any partial transaction.
type replicatorAdapter struct {
	r       *replicator.Replicator
	backoff time.Duration
}

// NewReplicatorSource wraps an open Replicator so it can drive a
// Supervisor's Run loop and receive its acknowledgements.
func NewReplicatorSource(r *replicator.Replicator) (Source, Acknowledger) {
	a := &replicatorAdapter{r: r}
	return a, a
}

func (a *replicatorAdapter) RecvBatch(ctx context.Context) (*Batch, error) {
	for {
		b, err := a.r.RecvBatch(ctx)
		if err == nil {
			a.backoff = 0
			return &Batch{Events: b.Events, AckLSN: b.AckLSN, TruncatedTables: b.TruncatedTables}, nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, err
		}
		log.WithError(err).Warn("replication stream failed, reconnecting")
		if err := a.reconnect(ctx); err != nil {
			return nil, err
		}
	}
}

// reconnect retries until a connection is reestablished or ctx is
// done, growing the backoff across consecutive failures.
func (a *replicatorAdapter) reconnect(ctx context.Context) error {
	for {
		if a.backoff == 0 {
			a.backoff = reconnectBaseDelay
		} else if a.backoff < reconnectMaxDelay {
			a.backoff *= 2
			if a.backoff > reconnectMaxDelay {
				a.backoff = reconnectMaxDelay
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.backoff):
		}
		err := a.r.Reconnect(ctx)
		if err == nil {
			return nil
		}
		log.WithError(err).WithField("backoff", a.backoff).Warn("replication reconnect failed, will retry")
	}
}

func (a *replicatorAdapter) Acknowledge(ctx context.Context, ackLSN uint64) error {
	return a.r.Acknowledge(ctx, ackLSN)
}

// backfillSource lifts a *backfill.Scanner to Source, synthesizing one
// supervisor Batch per scanned page with AckLSN left at zero (there is
// no upstream slot position for a backfill run to advance). Neither
// this adapter nor pipeline.Backfill persists progress between pages:
// pipeline.Backfill saves the Scanner's progress once, after the run
// ends.
type backfillSource struct {
	scanner *backfill.Scanner
	mapping string
}

// NewBackfillSource wraps scanner so it can drive a Supervisor's Run
// loop; mapping names the BackfillRowsProcessed metric.
func NewBackfillSource(scanner *backfill.Scanner, mapping string) Source {
	return &backfillSource{scanner: scanner, mapping: mapping}
}

func (b *backfillSource) RecvBatch(ctx context.Context) (*Batch, error) {
	if b.scanner.IsComplete() {
		return nil, context.Canceled
	}
	events, err := b.scanner.NextBatch(ctx)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, context.Canceled
	}
	metrics.BackfillRowsProcessed.WithLabelValues(b.mapping).Add(float64(len(events)))
	return &Batch{Events: events}, nil
}

// DefaultQueueDepth bounds the decoded-batch queue between the
// replication task and the supervisor task.
const DefaultQueueDepth = 8192

type queuedItem struct {
	b   *Batch
	err error
}

// QueuedSource decouples replication I/O from batch processing: a
// Pump goroutine drains the inner Source into a bounded channel and
// suspends when it fills, providing backpressure up to the network
// layer while the supervisor works through a slow write.
type QueuedSource struct {
	inner Source
	ch    chan queuedItem
}

// NewQueuedSource wraps inner with a bounded queue of depth batches.
// A non-positive depth uses DefaultQueueDepth.
func NewQueuedSource(inner Source, depth int) *QueuedSource {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &QueuedSource{inner: inner, ch: make(chan queuedItem, depth)}
}

// Pump runs on the replication task: it receives batches from the
// inner Source until ctx stops or the source fails, forwarding each
// result (including the terminal error) to the consumer side.
func (q *QueuedSource) Pump(ctx *stopper.Context) error {
	defer close(q.ch)
	for {
		b, err := q.inner.RecvBatch(ctx)
		select {
		case q.ch <- queuedItem{b: b, err: err}:
		case <-ctx.Stopping():
			return nil
		}
		if err != nil {
			return nil
		}
	}
}

// RecvBatch implements Source for the supervisor side of the queue.
func (q *QueuedSource) RecvBatch(ctx context.Context) (*Batch, error) {
	select {
	case item, ok := <-q.ch:
		if !ok {
			return nil, context.Canceled
		}
		return item.b, item.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
