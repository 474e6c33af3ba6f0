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

package types

import "time"

// Checkpoint is the per-mapping durable record of replication
// progress. Initial state is LSN zero; the store never enforces
// monotonicity (callers must not regress LSN, per the supervisor's
// contract).
type Checkpoint struct {
	MappingName     string
	LSN             uint64
	EventsProcessed uint64
	UpdatedAt       time.Time
}

// BackfillStatus is the lifecycle state of one mapping's backfill.
type BackfillStatus uint8

// The recognized BackfillStatuses.
const (
	BackfillPending BackfillStatus = iota
	BackfillInProgress
	BackfillCompleted
	BackfillFailed
)

// String implements fmt.Stringer.
func (s BackfillStatus) String() string {
	switch s {
	case BackfillPending:
		return "pending"
	case BackfillInProgress:
		return "in_progress"
	case BackfillCompleted:
		return "completed"
	case BackfillFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BackfillProgress is the per-mapping resumable cursor position and
// rate/ETA bookkeeping for the backfill scanner.
type BackfillProgress struct {
	MappingName    string
	LastId         string
	EstimatedTotal *int64 // nil when the source's statistics estimate is unavailable
	ProcessedRows  int64
	Status         BackfillStatus
	StartedAt      time.Time
}

// DlqEntry is an append-only record of an event that could not be
// delivered, created on permanent failure and retained until cleared.
type DlqEntry struct {
	Id           int64
	MappingName  string
	LSN          uint64
	EventJSON    string
	ErrorKind    ErrorKind
	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
}

// ReplicaIdentity controls which columns appear in a table's
// Update/Delete "old" tuples on the wire.
type ReplicaIdentity uint8

// The recognized ReplicaIdentity settings, matching pgoutput's single
// byte encoding ('d'/'n'/'f'/'i').
const (
	ReplicaDefault ReplicaIdentity = iota
	ReplicaNothing
	ReplicaFull
	ReplicaIndex
)

// ParseReplicaIdentity maps the wire byte to a ReplicaIdentity.
func ParseReplicaIdentity(b byte) ReplicaIdentity {
	switch b {
	case 'n':
		return ReplicaNothing
	case 'f':
		return ReplicaFull
	case 'i':
		return ReplicaIndex
	default:
		return ReplicaDefault
	}
}

// ColumnInfo describes one column of a relation, as delivered by a
// Relation wire message.
type ColumnInfo struct {
	IsKey        bool // flags bit 0
	Name         string
	TypeOid      uint32
	TypeModifier int32
}

// RelationInfo is the decoded shape of one source relation, keyed by
// OID in the relation cache. The cache is cleared on every new
// replication connection.
type RelationInfo struct {
	Oid             uint32
	Schema          string
	Name            string
	ReplicaIdentity ReplicaIdentity
	Columns         []ColumnInfo
}
