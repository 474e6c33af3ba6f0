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

// Package lsn parses and formats the source's 64-bit log sequence
// numbers in their canonical "HIGH/LOW" hexadecimal textual form, and
// bridges that representation to github.com/jackc/pglogrepl's LSN
// type used by the streaming replicator.
package lsn

import (
	"strconv"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/puffgres/core/internal/types"
)

// LSN is a 64-bit monotonic position in the source's write-ahead log.
type LSN uint64

// Parse decodes the canonical "HIGH/LOW" textual form, where both
// halves are unsigned hexadecimal with no required leading zeros. The
// result is (HIGH<<32)|LOW.
func Parse(s string) (LSN, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, &types.ErrInvalidLsn{Input: s}
	}
	high, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, &types.ErrInvalidLsn{Input: s}
	}
	low, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, &types.ErrInvalidLsn{Input: s}
	}
	return LSN(high<<32 | low), nil
}

// Format renders v as "HIGH/LOW", lowercase hexadecimal, no leading
// zeros (beyond a single required digit).
func Format(v LSN) string {
	high := uint32(v >> 32)
	low := uint32(v)
	return strconv.FormatUint(uint64(high), 16) + "/" + strconv.FormatUint(uint64(low), 16)
}

// FromPglogrepl converts a pglogrepl.LSN, as received from the wire
// library, into our LSN type.
func FromPglogrepl(v pglogrepl.LSN) LSN { return LSN(v) }

// ToPglogrepl converts our LSN into the pglogrepl.LSN type required by
// replication-protocol calls (START_REPLICATION, standby status
// updates).
func ToPglogrepl(v LSN) pglogrepl.LSN { return pglogrepl.LSN(v) }
