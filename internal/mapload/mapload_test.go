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

package mapload

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puffgres/core/internal/types"
)

func validRecord() map[string]interface{} {
	return map[string]interface{}{
		"version":      1,
		"mapping_name": "users",
		"namespace":    "users_v1",
		"source":       map[string]interface{}{"schema": "public", "table": "users"},
		"id":           map[string]interface{}{"column": "id", "type": "uint"},
	}
}

func TestLoadMinimalRecord(t *testing.T) {
	m, tr, err := Load(validRecord())
	require.NoError(t, err)
	assert.Equal(t, "users", m.Name)
	assert.Equal(t, 1, m.Version)
	assert.Equal(t, "users_v1", m.Namespace)
	assert.Equal(t, types.Source{Schema: "public", Table: "users"}, m.Source)
	assert.Equal(t, types.IdConfig{Column: "id", Type: types.IdUint}, m.Id)
	assert.Equal(t, types.MembershipAll, m.Membership.Mode)
	assert.Equal(t, types.VersioningSourceLsn, m.Versioning.Mode)
	assert.Equal(t, types.DefaultMaxRows, m.Batching.MaxRows)
	assert.Equal(t, "identity", tr.Type)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	raw := validRecord()
	raw["namespce"] = "typo"
	_, _, err := Load(raw)
	var cfgErr *types.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "namespce")
}

func TestLoadRejectsUnknownNestedKey(t *testing.T) {
	raw := validRecord()
	raw["id"] = map[string]interface{}{"column": "id", "type": "uint", "colmun": "oops"}
	_, _, err := Load(raw)
	var cfgErr *types.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadMissingRequiredFields(t *testing.T) {
	for _, missing := range []string{"version", "mapping_name", "namespace", "source", "id"} {
		raw := validRecord()
		delete(raw, missing)
		_, _, err := Load(raw)
		var missingErr *types.ErrMissingField
		require.ErrorAs(t, err, &missingErr, missing)
		assert.Equal(t, missing, missingErr.Field)
	}
}

func TestLoadRejectsInvalidIdType(t *testing.T) {
	raw := validRecord()
	raw["id"] = map[string]interface{}{"column": "id", "type": "guid"}
	_, _, err := Load(raw)
	var cfgErr *types.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadDslMembershipValidatesPredicate(t *testing.T) {
	raw := validRecord()
	raw["membership"] = map[string]interface{}{"mode": "dsl", "predicate": "status = 'active'"}
	m, _, err := Load(raw)
	require.NoError(t, err)
	assert.Equal(t, types.MembershipDsl, m.Membership.Mode)
	assert.Equal(t, "status = 'active'", m.Membership.Predicate)

	raw["membership"] = map[string]interface{}{"mode": "dsl", "predicate": "status = = 'active'"}
	_, _, err = Load(raw)
	var predErr *types.ErrInvalidPredicate
	require.ErrorAs(t, err, &predErr)
}

func TestLoadDslMembershipRequiresPredicate(t *testing.T) {
	raw := validRecord()
	raw["membership"] = map[string]interface{}{"mode": "dsl"}
	_, _, err := Load(raw)
	var missingErr *types.ErrMissingField
	require.ErrorAs(t, err, &missingErr)
}

func TestLoadLookupMembershipIsAccepted(t *testing.T) {
	raw := validRecord()
	raw["membership"] = map[string]interface{}{"mode": "lookup"}
	m, _, err := Load(raw)
	require.NoError(t, err)
	assert.Equal(t, types.MembershipLookup, m.Membership.Mode)
}

func TestLoadVersioningColumnRequiresColumn(t *testing.T) {
	raw := validRecord()
	raw["versioning"] = map[string]interface{}{"mode": "column"}
	_, _, err := Load(raw)
	var missingErr *types.ErrMissingField
	require.ErrorAs(t, err, &missingErr)

	raw["versioning"] = map[string]interface{}{"mode": "column", "column": "updated_at"}
	m, _, err := Load(raw)
	require.NoError(t, err)
	assert.Equal(t, types.VersioningColumn, m.Versioning.Mode)
	assert.Equal(t, "updated_at", m.Versioning.Column)
}

func TestLoadBatchingOverrides(t *testing.T) {
	raw := validRecord()
	raw["batching"] = map[string]interface{}{"batch_max_rows": 10, "batch_max_bytes": 1024}
	m, _, err := Load(raw)
	require.NoError(t, err)
	assert.Equal(t, 10, m.Batching.MaxRows)
	assert.Equal(t, 1024, m.Batching.MaxBytes)
	assert.Equal(t, types.DefaultFlushIntervalMs, m.Batching.FlushIntervalMs)
}

func TestLoadExternalTransformRequiresPath(t *testing.T) {
	raw := validRecord()
	raw["transform"] = map[string]interface{}{"type": "js"}
	_, _, err := Load(raw)
	var missingErr *types.ErrMissingField
	require.ErrorAs(t, err, &missingErr)

	raw["transform"] = map[string]interface{}{"type": "js", "path": "transforms/users.js", "entry": "main"}
	_, tr, err := Load(raw)
	require.NoError(t, err)
	assert.Equal(t, "js", tr.Type)
	assert.Equal(t, "transforms/users.js", tr.Path)
	assert.Equal(t, "main", tr.Entry)
}

func TestLoadSourceViewAlias(t *testing.T) {
	raw := validRecord()
	raw["source"] = map[string]interface{}{"schema": "public", "view": "active_users"}
	m, _, err := Load(raw)
	require.NoError(t, err)
	assert.Equal(t, "active_users", m.Source.Table)
}

func TestLoadFloatVersionFromGenericDecoder(t *testing.T) {
	raw := validRecord()
	raw["version"] = float64(3)
	m, _, err := Load(raw)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Version)
}

func TestHashNormalizesLineEndings(t *testing.T) {
	crlf := "version = 1\r\nmapping_name = \"users\"\r\n"
	lf := strings.ReplaceAll(crlf, "\r\n", "\n")
	assert.Equal(t, Hash([]byte(lf)), Hash([]byte(crlf)))
	assert.NotEqual(t, Hash([]byte(lf)), Hash([]byte(lf+"namespace = \"x\"\n")))
}

func TestCanonicalizePreservesBareCR(t *testing.T) {
	in := []byte("a\rb\r\nc")
	assert.Equal(t, []byte("a\rb\nc"), Canonicalize(in))
}

type recordingStore struct {
	hashes     map[string]string // "name/version" -> hash
	transforms map[string]string // name -> type
}

func (r *recordingStore) RecordMigration(_ context.Context, version int, name, hash, canonical string) error {
	key := fmt.Sprintf("%s/%d", name, version)
	if existing, ok := r.hashes[key]; ok && existing != hash {
		return &types.ErrMigrationHashMismatch{Version: version, MappingName: name}
	}
	r.hashes[key] = hash
	return nil
}

func (r *recordingStore) RecordTransform(_ context.Context, name, transformType, path, entry string) error {
	r.transforms[name] = transformType
	return nil
}

func TestApplyRecordsHashAndTransform(t *testing.T) {
	store := &recordingStore{hashes: map[string]string{}, transforms: map[string]string{}}
	m, tr, err := Load(validRecord())
	require.NoError(t, err)

	content := []byte("version = 1\nmapping_name = \"users\"\n")
	require.NoError(t, Apply(context.Background(), store, m, tr, content))
	assert.Equal(t, "identity", store.transforms["users"])

	// The same bytes re-apply cleanly, CRLF variants included.
	crlf := []byte(strings.ReplaceAll(string(content), "\n", "\r\n"))
	require.NoError(t, Apply(context.Background(), store, m, tr, crlf))

	// Changed content for the same (version, name) is tampering.
	err = Apply(context.Background(), store, m, tr, append(content, []byte("namespace = \"z\"\n")...))
	var mismatch *types.ErrMigrationHashMismatch
	require.ErrorAs(t, err, &mismatch)
}
