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

import "fmt"

// ConfigError wraps a malformed mapping, a missing required field, an
// invalid predicate, or an invalid id-type declaration. Config errors
// are fatal at startup.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return "config: " + e.Message }

// SourceSetupError wraps slot/publication/table-readiness failures.
// SourceSetup errors are fatal at startup.
type SourceSetupError struct {
	Message string
}

func (e *SourceSetupError) Error() string { return "source setup: " + e.Message }

// WireError wraps a decode-time protocol violation: unknown message
// tag, malformed payload, truncated tuple, or unexpected tuple marker.
// Wire errors terminate the replication connection; the replicator
// reconnects from the last acknowledged LSN after backoff.
type WireError struct {
	Message string
}

func (e *WireError) Error() string { return "wire: " + e.Message }

// RuntimeError wraps a per-(event×mapping) failure: relation-id not
// found in cache, id extraction failure, or transform failure. Runtime
// errors are converted to a DLQ entry; the pipeline continues.
type RuntimeError struct {
	Kind    ErrorKind
	Message string
}

func (e *RuntimeError) Error() string { return fmt.Sprintf("runtime(%s): %s", e.Kind, e.Message) }

// DownstreamError wraps an index-write failure, classified as
// Retryable or not. Permanent downstream errors divert the whole batch
// to the DLQ; retryable ones re-attempt with backoff.
type DownstreamError struct {
	Retryable bool
	Message   string
}

func (e *DownstreamError) Error() string { return "downstream: " + e.Message }

// StateError wraps a state-store unavailability. State errors are
// fatal to the current batch: ProcessBatch returns them and the
// supervisor's Run loop stops. They are not retried.
type StateError struct {
	Message string
}

func (e *StateError) Error() string { return "state: " + e.Message }

// Sentinel errors for the specific SourceSetup failure modes. They are
// returned as-is rather than inside a *SourceSetupError, so callers
// classify them with errors.As.
type (
	// ErrSlotNotFound indicates ensure_slot was called with
	// create_if_missing=false and no matching slot exists.
	ErrSlotNotFound struct{ Name string }
	// ErrPublicationNotFound indicates ensure_publication was called
	// with create_if_missing=false and no matching publication exists.
	ErrPublicationNotFound struct{ Name string }
	// ErrTableNotFound indicates validate_tables_readable failed to
	// find or read a required table.
	ErrTableNotFound struct{ Schema, Table string }
)

func (e *ErrSlotNotFound) Error() string {
	return fmt.Sprintf("replication slot %q not found", e.Name)
}

func (e *ErrPublicationNotFound) Error() string {
	return fmt.Sprintf("publication %q not found", e.Name)
}

func (e *ErrTableNotFound) Error() string {
	return fmt.Sprintf("table %s.%s not found or not readable", e.Schema, e.Table)
}

// ErrInvalidLsn indicates a malformed "HIGH/LOW" LSN string.
type ErrInvalidLsn struct{ Input string }

func (e *ErrInvalidLsn) Error() string { return fmt.Sprintf("invalid LSN %q", e.Input) }

// ErrInvalidPredicate indicates a DSL parse failure.
type ErrInvalidPredicate struct{ Message string }

func (e *ErrInvalidPredicate) Error() string { return "invalid predicate: " + e.Message }

// ErrMissingField indicates a mapping file record is missing a
// required field.
type ErrMissingField struct{ Field string }

func (e *ErrMissingField) Error() string { return fmt.Sprintf("missing required field %q", e.Field) }

// ErrMigrationHashMismatch indicates a later apply of (version,
// mapping_name) whose canonical-content hash differs from the stored
// record. The pipeline must not start.
type ErrMigrationHashMismatch struct {
	Version     int
	MappingName string
}

func (e *ErrMigrationHashMismatch) Error() string {
	return fmt.Sprintf("mapping %q version %d has been tampered with since it was applied",
		e.MappingName, e.Version)
}

// ErrRelationNotFound indicates a DML wire message referenced an OID
// absent from the relation cache: a protocol-bug-level fatal error,
// never a silent drop.
type ErrRelationNotFound struct{ Oid uint32 }

func (e *ErrRelationNotFound) Error() string {
	return fmt.Sprintf("relation oid %d not found in cache", e.Oid)
}
