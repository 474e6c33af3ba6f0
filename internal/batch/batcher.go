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

// Package batch accumulates per-namespace Actions under row-count and
// byte-size caps, producing WriteRequests for the index writer on
// cap overflow, on timer, or on commit boundary.
package batch

import (
	"encoding/json"
	"time"

	"github.com/puffgres/core/internal/types"
)

// deleteSizeEstimate is the fixed byte-size estimate for a Delete
// action, which carries only an id on the wire.
const deleteSizeEstimate = 50

// Batch is a per-namespace group of Actions assembled under the caps
// in a Mapping's BatchConfig.
type Batch struct {
	Namespace     string
	Actions       []types.Action
	EstimatedSize int
	LSN           uint64
	firstActionAt time.Time
}

func newBatch(namespace string) *Batch {
	return &Batch{Namespace: namespace, firstActionAt: time.Now()}
}

// IsEmpty reports whether the batch has no actions.
func (b *Batch) IsEmpty() bool { return len(b.Actions) == 0 }

// Age reports how long the batch has been accumulating since its
// first action.
func (b *Batch) Age() time.Duration { return time.Since(b.firstActionAt) }

// Len returns the number of actions in the batch.
func (b *Batch) Len() int { return len(b.Actions) }

func (b *Batch) add(action types.Action, lsn uint64) {
	b.Actions = append(b.Actions, action)
	b.EstimatedSize += estimateActionSize(action)
	if lsn > b.LSN {
		b.LSN = lsn
	}
}

// estimateActionSize approximates an Upsert by its JSON-serialized
// document size; Delete is a flat estimate, Skip and Error contribute
// nothing.
func estimateActionSize(a types.Action) int {
	switch a.Kind {
	case types.ActionUpsert:
		b, err := json.Marshal(a.Document.ToJSONMap())
		if err != nil {
			return 0
		}
		return len(b)
	case types.ActionDelete:
		return deleteSizeEstimate
	default:
		// Skip and Error produce no wire traffic.
		return 0
	}
}

// Batcher is per-supervisor, keyed by target namespace.
type Batcher struct {
	slots map[string]*Batch
}

// NewBatcher returns an empty Batcher.
func NewBatcher() *Batcher {
	return &Batcher{slots: make(map[string]*Batch)}
}

// Add appends action to namespace's slot under cfg's caps. If the slot
// already meets or exceeds max_rows, or adding action's estimated size
// would push a non-empty slot over max_bytes, the existing slot is
// flushed and returned (with action starting a fresh slot); otherwise
// action is appended and nil is returned.
func (b *Batcher) Add(namespace string, action types.Action, lsn uint64, cfg types.BatchConfig) *Batch {
	cfg = cfg.WithDefaults()
	slot, ok := b.slots[namespace]
	if !ok {
		slot = newBatch(namespace)
		b.slots[namespace] = slot
	}

	newSize := estimateActionSize(action)
	var flushed *Batch
	if !slot.IsEmpty() && (slot.Len() >= cfg.MaxRows || slot.EstimatedSize+newSize > cfg.MaxBytes) {
		flushed = slot
		slot = newBatch(namespace)
		b.slots[namespace] = slot
	}

	slot.add(action, lsn)
	return flushed
}

// Flush returns namespace's slot contents if non-empty, and clears the
// slot. Returns nil if the slot is empty or absent.
func (b *Batcher) Flush(namespace string) *Batch {
	slot, ok := b.slots[namespace]
	if !ok || slot.IsEmpty() {
		return nil
	}
	delete(b.slots, namespace)
	return slot
}

// FlushAll returns every currently non-empty slot and clears them.
func (b *Batcher) FlushAll() []*Batch {
	var out []*Batch
	for ns, slot := range b.slots {
		if !slot.IsEmpty() {
			out = append(out, slot)
		}
		delete(b.slots, ns)
	}
	return out
}

// FlushExpired returns every slot whose first action was added more
// than its flush interval ago, keyed by the per-namespace interval the
// caller supplies via cfgFor. The supervisor calls this independently
// of commit boundaries so a slot is never retained past its interval.
func (b *Batcher) FlushExpired(now time.Time, cfgFor func(namespace string) types.BatchConfig) []*Batch {
	var out []*Batch
	for ns, slot := range b.slots {
		if slot.IsEmpty() {
			continue
		}
		cfg := cfgFor(ns).WithDefaults()
		if now.Sub(slot.firstActionAt) >= time.Duration(cfg.FlushIntervalMs)*time.Millisecond {
			out = append(out, slot)
			delete(b.slots, ns)
		}
	}
	return out
}

// PendingCount reports how many actions are currently buffered across
// all namespace slots.
func (b *Batcher) PendingCount() int {
	n := 0
	for _, slot := range b.slots {
		n += slot.Len()
	}
	return n
}
