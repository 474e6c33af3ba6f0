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

// MembershipMode selects how a Mapping decides whether a RowEvent is a
// member of its target set.
type MembershipMode uint8

// The recognized MembershipModes. Lookup is reserved by the mapping
// file format and is treated identically to All.
const (
	MembershipAll MembershipMode = iota
	MembershipView
	MembershipDsl
	MembershipLookup
)

// VersioningMode selects how conflicting writes are resolved
// downstream. Column is accepted and schema-validated but is
// currently evaluated identically to SourceLsn; see DESIGN.md.
type VersioningMode uint8

// The recognized VersioningModes.
const (
	VersioningSourceLsn VersioningMode = iota
	VersioningColumn
	VersioningNone
)

// Default batching caps, used when a Mapping's BatchConfig fields are
// left at their zero value.
const (
	DefaultMaxRows         = 1000
	DefaultMaxBytes        = 4 * 1024 * 1024
	DefaultFlushIntervalMs = 100
)

// BatchConfig bounds how many Actions accumulate in one namespace's
// batch slot before it must be flushed.
type BatchConfig struct {
	MaxRows         int
	MaxBytes        int
	FlushIntervalMs int
}

// WithDefaults returns c with zero fields replaced by the documented
// defaults (1000 rows, 4 MiB, 100 ms).
func (c BatchConfig) WithDefaults() BatchConfig {
	if c.MaxRows <= 0 {
		c.MaxRows = DefaultMaxRows
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.FlushIntervalMs <= 0 {
		c.FlushIntervalMs = DefaultFlushIntervalMs
	}
	return c
}

// Source identifies a source relation.
type Source struct {
	Schema string
	Table  string
}

// IdConfig declares which source column carries the document id and
// how to narrow it.
type IdConfig struct {
	Column string
	Type   IdType
}

// MembershipConfig declares how a Mapping decides RowEvent membership.
type MembershipConfig struct {
	Mode      MembershipMode
	Predicate string // raw DSL source text, non-empty iff Mode == MembershipDsl
}

// VersioningConfig declares conflict-resolution behavior.
type VersioningConfig struct {
	Mode   VersioningMode
	Column string // non-empty iff Mode == VersioningColumn
}

// Mapping is a durable description of one source-to-target
// projection. Mappings are created by applying a migration and are
// immutable thereafter: re-applying a changed declaration for the
// same (version, name) is rejected as tampering.
type Mapping struct {
	Name      string
	Version   int
	Namespace string
	Source    Source
	Id        IdConfig
	// Columns is the ordered projection; empty means "all columns".
	Columns    []string
	Membership MembershipConfig
	Versioning VersioningConfig
	Batching   BatchConfig
}
