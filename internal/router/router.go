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

// Package router selects, for a RowEvent, every Mapping whose source
// relation and membership predicate match. The router is a pure
// function: no caching, no hidden state, so the same event always
// yields the same mapping set regardless of process restarts.
package router

import (
	"github.com/puffgres/core/internal/predicate"
	"github.com/puffgres/core/internal/types"
)

// Route returns every mapping in mappings whose source (schema,table)
// equals event's and whose membership accepts event's visible row.
func Route(mappings []types.Mapping, event types.RowEvent) []types.Mapping {
	var matched []types.Mapping
	for _, m := range mappings {
		if m.Source.Schema != event.Schema || m.Source.Table != event.Table {
			continue
		}
		if matches(m, event) {
			matched = append(matched, m)
		}
	}
	return matched
}

func matches(m types.Mapping, event types.RowEvent) bool {
	switch m.Membership.Mode {
	case types.MembershipAll, types.MembershipView, types.MembershipLookup:
		// Lookup is reserved by the mapping file format and is treated
		// identically to All until its semantics are defined.
		return true
	case types.MembershipDsl:
		pred, err := predicate.Parse(m.Membership.Predicate)
		if err != nil {
			// A mapping with an unparseable predicate was already
			// rejected at apply time; reaching this state at route
			// time is a configuration bug,
			// and the safest behavior is to exclude the event rather
			// than to route on an undefined predicate.
			return false
		}
		return pred.Evaluate(event.Row())
	default:
		return false
	}
}
