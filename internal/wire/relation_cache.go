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

// Package wire decodes the pgoutput logical-replication message
// stream and maintains the per-connection relation cache that the
// decoder depends on to interpret Insert/Update/Delete payloads.
package wire

import "github.com/puffgres/core/internal/types"

// RelationCache maps relation OID to the RelationInfo last announced
// by a Relation message. It is owned exclusively by the streaming
// replicator's receive loop and is never shared across goroutines; it
// is cleared on every new replication connection because OIDs are
// conceptually refreshed per session.
type RelationCache struct {
	byOid map[uint32]types.RelationInfo
}

// NewRelationCache returns an empty cache.
func NewRelationCache() *RelationCache {
	return &RelationCache{byOid: make(map[uint32]types.RelationInfo)}
}

// Update inserts or replaces the cached entry for rel.Oid.
func (c *RelationCache) Update(rel types.RelationInfo) {
	c.byOid[rel.Oid] = rel
}

// Get returns the cached entry for oid, if any.
func (c *RelationCache) Get(oid uint32) (types.RelationInfo, bool) {
	rel, ok := c.byOid[oid]
	return rel, ok
}

// Clear empties the cache. Called on every reconnect.
func (c *RelationCache) Clear() {
	c.byOid = make(map[uint32]types.RelationInfo)
}

// Len reports how many relations are currently cached.
func (c *RelationCache) Len() int { return len(c.byOid) }
