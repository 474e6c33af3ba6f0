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

// Package metrics holds the pipeline's package-level Prometheus
// collectors: promauto-registered counters, histograms and gauges
// labeled by mapping or target namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets bounds the histogram buckets used for every duration
// metric in this package, from 1ms to ~16s.
var LatencyBuckets = prometheus.ExponentialBuckets(0.001, 2, 15)

// Batches are keyed by target namespace; DLQ entries are keyed by
// mapping name; replication lag is keyed by slot name.
var (
	namespaceLabels = []string{"namespace"}
	mappingLabels   = []string{"mapping"}
)

var (
	// BatchFlushes counts batches handed to the index writer.
	BatchFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puffgres_batch_flushes_total",
		Help: "the number of batches flushed to the index writer",
	}, namespaceLabels)

	// BatchFlushDurations times how long a batch spent accumulating
	// before it was flushed.
	BatchFlushDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "puffgres_batch_flush_duration_seconds",
		Help:    "the length of time a batch accumulated before being flushed",
		Buckets: LatencyBuckets,
	}, namespaceLabels)

	// IndexWrites counts successful index-service writes.
	IndexWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puffgres_index_writes_total",
		Help: "the number of successful writes to the index service",
	}, namespaceLabels)

	// IndexWriteDurations times index-service write calls, including
	// retries.
	IndexWriteDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "puffgres_index_write_duration_seconds",
		Help:    "the length of time an index write took, including retries",
		Buckets: LatencyBuckets,
	}, namespaceLabels)

	// IndexWriteErrors counts permanent (DLQ-diverting) index write
	// failures.
	IndexWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puffgres_index_write_errors_total",
		Help: "the number of permanent index write failures diverted to the DLQ",
	}, namespaceLabels)

	// DlqInserts counts entries appended to the dead-letter queue, for
	// any reason (missing id, transform failure, permanent downstream
	// failure).
	DlqInserts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puffgres_dlq_inserts_total",
		Help: "the number of entries appended to the dead-letter queue",
	}, mappingLabels)

	// ReplicationLagBytes reports, per slot, the gap between the
	// newest WAL position the server has reported and the position the
	// pipeline has acknowledged as durably handled.
	ReplicationLagBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "puffgres_replication_lag_bytes",
		Help: "bytes between the server's reported WAL end and the acknowledged position",
	}, []string{"slot"})

	// BackfillRowsProcessed counts rows read by the backfill scanner,
	// labeled by mapping.
	BackfillRowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puffgres_backfill_rows_processed_total",
		Help: "the number of rows read by the backfill scanner",
	}, []string{"mapping"})
)
