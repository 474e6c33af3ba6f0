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

// Package mapload validates the declarative mapping record the outer
// migration tooling decodes from disk and turns it into a
// types.Mapping plus its transform binding. Unknown keys are rejected
// so a typo in a declaration fails loudly instead of silently changing
// behavior.
package mapload

import (
	"context"
	"fmt"

	"github.com/puffgres/core/internal/predicate"
	"github.com/puffgres/core/internal/types"
)

// Transform is the declared transform binding for one mapping. Only
// the identity type is executed in-core; js and rust bindings are
// handed to the external runner.
type Transform struct {
	Type  string // "identity", "js" or "rust"
	Path  string
	Entry string
}

var recognizedKeys = map[string]bool{
	"version": true, "mapping_name": true, "namespace": true,
	"source": true, "id": true, "columns": true, "membership": true,
	"versioning": true, "batching": true, "transform": true,
}

// Load validates raw and builds the Mapping and Transform it declares.
// Missing required keys yield *types.ErrMissingField; unrecognized
// keys, malformed values and unparseable predicates yield
// *types.ConfigError or *types.ErrInvalidPredicate.
func Load(raw map[string]interface{}) (types.Mapping, Transform, error) {
	var m types.Mapping
	tr := Transform{Type: "identity"}

	for k := range raw {
		if !recognizedKeys[k] {
			return m, tr, &types.ConfigError{Message: fmt.Sprintf("unrecognized key %q", k)}
		}
	}

	version, err := requiredInt(raw, "version")
	if err != nil {
		return m, tr, err
	}
	if version <= 0 {
		return m, tr, &types.ConfigError{Message: "version must be a positive integer"}
	}
	m.Version = int(version)

	if m.Name, err = requiredString(raw, "mapping_name"); err != nil {
		return m, tr, err
	}
	if m.Namespace, err = requiredString(raw, "namespace"); err != nil {
		return m, tr, err
	}

	if m.Source, err = loadSource(raw); err != nil {
		return m, tr, err
	}
	if m.Id, err = loadId(raw); err != nil {
		return m, tr, err
	}
	if m.Columns, err = loadColumns(raw); err != nil {
		return m, tr, err
	}
	if m.Membership, err = loadMembership(raw); err != nil {
		return m, tr, err
	}
	if m.Versioning, err = loadVersioning(raw); err != nil {
		return m, tr, err
	}
	if m.Batching, err = loadBatching(raw); err != nil {
		return m, tr, err
	}
	if tr, err = loadTransform(raw); err != nil {
		return m, tr, err
	}
	return m, tr, nil
}

func loadSource(raw map[string]interface{}) (types.Source, error) {
	sub, err := requiredTable(raw, "source")
	if err != nil {
		return types.Source{}, err
	}
	if err := checkKeys("source", sub, "schema", "table", "view"); err != nil {
		return types.Source{}, err
	}
	schema := optionalString(sub, "schema", "public")
	table := optionalString(sub, "table", "")
	if table == "" {
		table = optionalString(sub, "view", "")
	}
	if table == "" {
		return types.Source{}, &types.ErrMissingField{Field: "source.table"}
	}
	return types.Source{Schema: schema, Table: table}, nil
}

func loadId(raw map[string]interface{}) (types.IdConfig, error) {
	sub, err := requiredTable(raw, "id")
	if err != nil {
		return types.IdConfig{}, err
	}
	if err := checkKeys("id", sub, "column", "type"); err != nil {
		return types.IdConfig{}, err
	}
	column := optionalString(sub, "column", "")
	if column == "" {
		return types.IdConfig{}, &types.ErrMissingField{Field: "id.column"}
	}
	var idType types.IdType
	switch t := optionalString(sub, "type", ""); t {
	case "uint":
		idType = types.IdUint
	case "int":
		idType = types.IdInt
	case "uuid":
		idType = types.IdUuid
	case "string":
		idType = types.IdString
	case "":
		return types.IdConfig{}, &types.ErrMissingField{Field: "id.type"}
	default:
		return types.IdConfig{}, &types.ConfigError{Message: fmt.Sprintf("invalid id type %q", t)}
	}
	return types.IdConfig{Column: column, Type: idType}, nil
}

func loadColumns(raw map[string]interface{}) ([]string, error) {
	v, ok := raw["columns"]
	if !ok {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, &types.ConfigError{Message: "columns must be a list of strings"}
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, &types.ConfigError{Message: "columns must be a list of strings"}
		}
		out = append(out, s)
	}
	return out, nil
}

func loadMembership(raw map[string]interface{}) (types.MembershipConfig, error) {
	v, ok := raw["membership"]
	if !ok {
		return types.MembershipConfig{Mode: types.MembershipAll}, nil
	}
	sub, ok := v.(map[string]interface{})
	if !ok {
		return types.MembershipConfig{}, &types.ConfigError{Message: "membership must be a table"}
	}
	if err := checkKeys("membership", sub, "mode", "predicate"); err != nil {
		return types.MembershipConfig{}, err
	}
	cfg := types.MembershipConfig{}
	switch mode := optionalString(sub, "mode", "all"); mode {
	case "all":
		cfg.Mode = types.MembershipAll
	case "view":
		cfg.Mode = types.MembershipView
	case "lookup":
		// Reserved; behaves as all.
		cfg.Mode = types.MembershipLookup
	case "dsl":
		cfg.Mode = types.MembershipDsl
		cfg.Predicate = optionalString(sub, "predicate", "")
		if cfg.Predicate == "" {
			return cfg, &types.ErrMissingField{Field: "membership.predicate"}
		}
		if _, err := predicate.Parse(cfg.Predicate); err != nil {
			return cfg, err
		}
	default:
		return cfg, &types.ConfigError{Message: fmt.Sprintf("invalid membership mode %q", mode)}
	}
	return cfg, nil
}

func loadVersioning(raw map[string]interface{}) (types.VersioningConfig, error) {
	v, ok := raw["versioning"]
	if !ok {
		return types.VersioningConfig{Mode: types.VersioningSourceLsn}, nil
	}
	sub, ok := v.(map[string]interface{})
	if !ok {
		return types.VersioningConfig{}, &types.ConfigError{Message: "versioning must be a table"}
	}
	if err := checkKeys("versioning", sub, "mode", "column"); err != nil {
		return types.VersioningConfig{}, err
	}
	cfg := types.VersioningConfig{}
	switch mode := optionalString(sub, "mode", "source_lsn"); mode {
	case "source_lsn":
		cfg.Mode = types.VersioningSourceLsn
	case "none":
		cfg.Mode = types.VersioningNone
	case "column":
		cfg.Mode = types.VersioningColumn
		cfg.Column = optionalString(sub, "column", "")
		if cfg.Column == "" {
			return cfg, &types.ErrMissingField{Field: "versioning.column"}
		}
	default:
		return cfg, &types.ConfigError{Message: fmt.Sprintf("invalid versioning mode %q", mode)}
	}
	return cfg, nil
}

func loadBatching(raw map[string]interface{}) (types.BatchConfig, error) {
	v, ok := raw["batching"]
	if !ok {
		return types.BatchConfig{}.WithDefaults(), nil
	}
	sub, ok := v.(map[string]interface{})
	if !ok {
		return types.BatchConfig{}, &types.ConfigError{Message: "batching must be a table"}
	}
	if err := checkKeys("batching", sub, "batch_max_rows", "batch_max_bytes", "flush_interval_ms"); err != nil {
		return types.BatchConfig{}, err
	}
	cfg := types.BatchConfig{}
	var err error
	if cfg.MaxRows, err = optionalInt(sub, "batch_max_rows"); err != nil {
		return cfg, err
	}
	if cfg.MaxBytes, err = optionalInt(sub, "batch_max_bytes"); err != nil {
		return cfg, err
	}
	if cfg.FlushIntervalMs, err = optionalInt(sub, "flush_interval_ms"); err != nil {
		return cfg, err
	}
	return cfg.WithDefaults(), nil
}

func loadTransform(raw map[string]interface{}) (Transform, error) {
	tr := Transform{Type: "identity"}
	v, ok := raw["transform"]
	if !ok {
		return tr, nil
	}
	sub, ok := v.(map[string]interface{})
	if !ok {
		return tr, &types.ConfigError{Message: "transform must be a table"}
	}
	if err := checkKeys("transform", sub, "type", "path", "entry"); err != nil {
		return tr, err
	}
	switch t := optionalString(sub, "type", "identity"); t {
	case "identity":
		tr.Type = "identity"
	case "js", "rust":
		tr.Type = t
		tr.Path = optionalString(sub, "path", "")
		tr.Entry = optionalString(sub, "entry", "")
		if tr.Path == "" {
			return tr, &types.ErrMissingField{Field: "transform.path"}
		}
	default:
		return tr, &types.ConfigError{Message: fmt.Sprintf("invalid transform type %q", t)}
	}
	return tr, nil
}

func checkKeys(section string, sub map[string]interface{}, allowed ...string) error {
	ok := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		ok[k] = true
	}
	for k := range sub {
		if !ok[k] {
			return &types.ConfigError{Message: fmt.Sprintf("unrecognized key %q in %s", k, section)}
		}
	}
	return nil
}

func requiredTable(raw map[string]interface{}, key string) (map[string]interface{}, error) {
	v, ok := raw[key]
	if !ok {
		return nil, &types.ErrMissingField{Field: key}
	}
	sub, ok := v.(map[string]interface{})
	if !ok {
		return nil, &types.ConfigError{Message: key + " must be a table"}
	}
	return sub, nil
}

func requiredString(raw map[string]interface{}, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", &types.ErrMissingField{Field: key}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", &types.ConfigError{Message: key + " must be a non-empty string"}
	}
	return s, nil
}

func requiredInt(raw map[string]interface{}, key string) (int64, error) {
	v, ok := raw[key]
	if !ok {
		return 0, &types.ErrMissingField{Field: key}
	}
	i, ok := asInt(v)
	if !ok {
		return 0, &types.ConfigError{Message: key + " must be an integer"}
	}
	return i, nil
}

func optionalString(sub map[string]interface{}, key, fallback string) string {
	if v, ok := sub[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func optionalInt(sub map[string]interface{}, key string) (int, error) {
	v, ok := sub[key]
	if !ok {
		return 0, nil
	}
	i, isInt := asInt(v)
	if !isInt {
		return 0, &types.ConfigError{Message: key + " must be an integer"}
	}
	return int(i), nil
}

// asInt accepts the integer shapes generic decoders produce.
func asInt(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		if x == float64(int64(x)) {
			return int64(x), true
		}
	}
	return 0, false
}

// MigrationStore is the slice of *checkpoint.Store that Apply records
// through.
type MigrationStore interface {
	RecordMigration(ctx context.Context, version int, mappingName, contentHash, canonicalBytes string) error
	RecordTransform(ctx context.Context, mappingName, transformType, path, entry string) error
}

// Apply records a loaded mapping's canonical content hash and its
// transform binding. A re-application of the same (version, name) with
// different content fails with *types.ErrMigrationHashMismatch; the
// caller must treat that as fatal to startup.
func Apply(ctx context.Context, store MigrationStore, m types.Mapping, tr Transform, content []byte) error {
	canonical := Canonicalize(content)
	if err := store.RecordMigration(ctx, m.Version, m.Name, Hash(content), string(canonical)); err != nil {
		return err
	}
	return store.RecordTransform(ctx, m.Name, tr.Type, tr.Path, tr.Entry)
}
