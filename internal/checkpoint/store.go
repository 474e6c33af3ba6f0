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

// Package checkpoint persists replication checkpoints, the
// dead-letter queue, backfill progress, and migration/transform
// provenance under a reserved __puffgres_ table prefix in the source
// database itself. Every operation here is a single statement;
// there are no multi-statement transactions across component
// boundaries.
package checkpoint

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/puffgres/core/internal/types"
)

// Store is the Postgres-backed checkpoint/DLQ/backfill-progress store.
// It owns no connection lifecycle of its own: callers provide a pool
// (or anything satisfying the narrower pgxQuerier interface) sized for
// the control-plane traffic the state tables see.
type Store struct {
	pool pgxQuerier
}

// pgxQuerier is the subset of *pgxpool.Pool this package depends on,
// so tests can substitute a single *pgx.Conn or a fake.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconnCommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// pgconnCommandTag mirrors pgconn.CommandTag's RowsAffected method, the
// only part of it this package reads.
type pgconnCommandTag interface {
	RowsAffected() int64
}

// poolAdapter adapts *pgxpool.Pool (whose Exec returns a concrete
// pgconn.CommandTag) to pgxQuerier.
type poolAdapter struct{ pool *pgxpool.Pool }

func (p poolAdapter) Exec(ctx context.Context, sql string, args ...interface{}) (pgconnCommandTag, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	return tag, err
}
func (p poolAdapter) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}
func (p poolAdapter) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}

// New wraps an already-open pool. Call EnsureSchema before using the
// store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: poolAdapter{pool}}
}

// Connect opens a pool against connString and ensures the state
// schema exists.
func Connect(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, &types.StateError{Message: "connecting to state store: " + err.Error()}
	}
	s := New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS __puffgres_migrations (
	id SERIAL PRIMARY KEY,
	version INTEGER NOT NULL,
	mapping_name TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(version, mapping_name)
);

CREATE TABLE IF NOT EXISTS __puffgres_migration_content (
	id SERIAL PRIMARY KEY,
	version INTEGER NOT NULL,
	mapping_name TEXT NOT NULL,
	canonical_bytes TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(version, mapping_name)
);

CREATE TABLE IF NOT EXISTS __puffgres_checkpoints (
	mapping_name TEXT PRIMARY KEY,
	lsn BIGINT NOT NULL,
	events_processed BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS __puffgres_dlq (
	id SERIAL PRIMARY KEY,
	mapping_name TEXT NOT NULL,
	lsn BIGINT NOT NULL,
	event_json JSONB NOT NULL,
	error_kind TEXT NOT NULL,
	error_message TEXT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS __puffgres_backfill (
	mapping_name TEXT PRIMARY KEY,
	last_id TEXT,
	total_rows BIGINT,
	processed_rows BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS __puffgres_transforms (
	id SERIAL PRIMARY KEY,
	mapping_name TEXT NOT NULL,
	transform_type TEXT NOT NULL,
	path TEXT,
	entry TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(mapping_name)
);
`

// EnsureSchema creates every reserved table if absent. It is
// idempotent and safe to call on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return &types.StateError{Message: "ensure_schema: " + err.Error()}
	}
	log.Debug("puffgres state schema ensured")
	return nil
}

// GetCheckpoint returns mapping's checkpoint, or nil if none has been
// saved yet (the initial state is LSN zero).
func (s *Store) GetCheckpoint(ctx context.Context, mapping string) (*types.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT mapping_name, lsn, events_processed, updated_at FROM __puffgres_checkpoints WHERE mapping_name = $1`,
		mapping)
	var cp types.Checkpoint
	var lsn, processed int64
	if err := row.Scan(&cp.MappingName, &lsn, &processed, &cp.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, &types.StateError{Message: "get_checkpoint: " + err.Error()}
	}
	cp.LSN = uint64(lsn)
	cp.EventsProcessed = uint64(processed)
	return &cp, nil
}

// SaveCheckpoint upserts mapping's checkpoint by primary key. The
// store does not enforce LSN monotonicity; callers must not regress
// it.
func (s *Store) SaveCheckpoint(ctx context.Context, mapping string, lsn, eventsProcessed uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO __puffgres_checkpoints (mapping_name, lsn, events_processed, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (mapping_name)
		DO UPDATE SET lsn = $2, events_processed = $3, updated_at = NOW()
	`, mapping, int64(lsn), int64(eventsProcessed))
	if err != nil {
		return &types.StateError{Message: "save_checkpoint: " + err.Error()}
	}
	return nil
}

// GetAllCheckpoints returns every mapping's saved checkpoint, for the
// status surface.
func (s *Store) GetAllCheckpoints(ctx context.Context) ([]types.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT mapping_name, lsn, events_processed, updated_at FROM __puffgres_checkpoints ORDER BY mapping_name`)
	if err != nil {
		return nil, &types.StateError{Message: "get_all_checkpoints: " + err.Error()}
	}
	defer rows.Close()
	var out []types.Checkpoint
	for rows.Next() {
		var cp types.Checkpoint
		var lsn, processed int64
		if err := rows.Scan(&cp.MappingName, &lsn, &processed, &cp.UpdatedAt); err != nil {
			return nil, &types.StateError{Message: "get_all_checkpoints: " + err.Error()}
		}
		cp.LSN = uint64(lsn)
		cp.EventsProcessed = uint64(processed)
		out = append(out, cp)
	}
	return out, errors.WithStack(rows.Err())
}

// GetMinLSN returns the minimum checkpoint LSN across every mapping,
// used to compute a safe slot-advance position when several mappings
// share one replication slot. The second return is false if no
// checkpoint has ever been saved.
func (s *Store) GetMinLSN(ctx context.Context) (uint64, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT MIN(lsn) FROM __puffgres_checkpoints`)
	var lsn *int64
	if err := row.Scan(&lsn); err != nil {
		return 0, false, &types.StateError{Message: "get_min_lsn: " + err.Error()}
	}
	if lsn == nil {
		return 0, false, nil
	}
	return uint64(*lsn), true, nil
}

// AddDLQ appends a failure record and returns its id.
func (s *Store) AddDLQ(
	ctx context.Context, mapping string, lsn uint64, eventJSON string, kind types.ErrorKind, message string,
) (int64, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO __puffgres_dlq (mapping_name, lsn, event_json, error_kind, error_message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, mapping, int64(lsn), eventJSON, kind.String(), message)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, &types.StateError{Message: "add_dlq: " + err.Error()}
	}
	return id, nil
}

// GetDlq returns up to limit DLQ entries, most recent first, optionally
// filtered to one mapping.
func (s *Store) GetDlq(ctx context.Context, mapping string, limit int64) ([]types.DlqEntry, error) {
	var rows pgx.Rows
	var err error
	if mapping != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, mapping_name, lsn, event_json::text, error_kind, error_message, retry_count, created_at
			FROM __puffgres_dlq WHERE mapping_name = $1 ORDER BY created_at DESC LIMIT $2
		`, mapping, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, mapping_name, lsn, event_json::text, error_kind, error_message, retry_count, created_at
			FROM __puffgres_dlq ORDER BY created_at DESC LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, &types.StateError{Message: "get_dlq: " + err.Error()}
	}
	defer rows.Close()
	var out []types.DlqEntry
	for rows.Next() {
		var e types.DlqEntry
		var lsn int64
		var kind string
		if err := rows.Scan(&e.Id, &e.MappingName, &lsn, &e.EventJSON, &kind, &e.ErrorMessage, &e.RetryCount, &e.CreatedAt); err != nil {
			return nil, &types.StateError{Message: "get_dlq: " + err.Error()}
		}
		e.LSN = uint64(lsn)
		e.ErrorKind = parseErrorKind(kind)
		out = append(out, e)
	}
	return out, errors.WithStack(rows.Err())
}

func parseErrorKind(s string) types.ErrorKind {
	for k := types.ErrMissingColumn; k <= types.ErrUnknown; k++ {
		if k.String() == s {
			return k
		}
	}
	return types.ErrUnknown
}

// IncrementRetry bumps a DLQ entry's retry count by one.
func (s *Store) IncrementRetry(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE __puffgres_dlq SET retry_count = retry_count + 1 WHERE id = $1`, id)
	if err != nil {
		return &types.StateError{Message: "increment_retry: " + err.Error()}
	}
	return nil
}

// DeleteDlq removes one DLQ entry by id.
func (s *Store) DeleteDlq(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM __puffgres_dlq WHERE id = $1`, id)
	if err != nil {
		return &types.StateError{Message: "delete_dlq: " + err.Error()}
	}
	return nil
}

// ClearDlq removes every DLQ entry, optionally scoped to one mapping,
// and reports how many rows were removed.
func (s *Store) ClearDlq(ctx context.Context, mapping string) (int64, error) {
	var tag pgconnCommandTag
	var err error
	if mapping != "" {
		tag, err = s.pool.Exec(ctx, `DELETE FROM __puffgres_dlq WHERE mapping_name = $1`, mapping)
	} else {
		tag, err = s.pool.Exec(ctx, `DELETE FROM __puffgres_dlq`)
	}
	if err != nil {
		return 0, &types.StateError{Message: "clear_dlq: " + err.Error()}
	}
	return tag.RowsAffected(), nil
}

// GetBackfillProgress returns mapping's saved backfill cursor, or nil
// if backfill has never run (or was cleared).
func (s *Store) GetBackfillProgress(ctx context.Context, mapping string) (*types.BackfillProgress, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT mapping_name, last_id, total_rows, processed_rows, status
		FROM __puffgres_backfill WHERE mapping_name = $1
	`, mapping)
	var p types.BackfillProgress
	var lastID *string
	var total *int64
	var status string
	if err := row.Scan(&p.MappingName, &lastID, &total, &p.ProcessedRows, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, &types.StateError{Message: "get_backfill_progress: " + err.Error()}
	}
	if lastID != nil {
		p.LastId = *lastID
	}
	p.EstimatedTotal = total
	p.Status = parseBackfillStatus(status)
	return &p, nil
}

func parseBackfillStatus(s string) types.BackfillStatus {
	switch s {
	case "in_progress":
		return types.BackfillInProgress
	case "completed":
		return types.BackfillCompleted
	case "failed":
		return types.BackfillFailed
	default:
		return types.BackfillPending
	}
}

// UpdateBackfillProgress upserts mapping's backfill cursor.
func (s *Store) UpdateBackfillProgress(
	ctx context.Context, mapping string, lastID string, total *int64, processed int64, status types.BackfillStatus,
) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO __puffgres_backfill (mapping_name, last_id, total_rows, processed_rows, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (mapping_name)
		DO UPDATE SET last_id = $2, total_rows = $3, processed_rows = $4, status = $5, updated_at = NOW()
	`, mapping, nullIfEmpty(lastID), total, processed, status.String())
	if err != nil {
		return &types.StateError{Message: "update_backfill_progress: " + err.Error()}
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// ClearBackfillProgress removes mapping's saved backfill cursor.
func (s *Store) ClearBackfillProgress(ctx context.Context, mapping string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM __puffgres_backfill WHERE mapping_name = $1`, mapping)
	if err != nil {
		return &types.StateError{Message: "clear_backfill_progress: " + err.Error()}
	}
	return nil
}

// RecordMigration records a mapping version's canonical content and
// hash, rejecting a mismatched re-application.
//
// A caller applying (version, mappingName) again must supply the same
// contentHash as the one already on file; MigrationHashMismatch
// indicates tampering and must be fatal to the caller's startup.
func (s *Store) RecordMigration(
	ctx context.Context, version int, mappingName, contentHash, canonicalBytes string,
) error {
	row := s.pool.QueryRow(ctx,
		`SELECT content_hash FROM __puffgres_migrations WHERE version = $1 AND mapping_name = $2`,
		version, mappingName)
	var existing string
	err := row.Scan(&existing)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to insert
	case err != nil:
		return &types.StateError{Message: "record_migration: " + err.Error()}
	case existing != contentHash:
		return &types.ErrMigrationHashMismatch{Version: version, MappingName: mappingName}
	default:
		return nil // identical re-application, already recorded
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO __puffgres_migrations (version, mapping_name, content_hash) VALUES ($1, $2, $3)
	`, version, mappingName, contentHash)
	if err != nil {
		return &types.StateError{Message: "record_migration: " + err.Error()}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO __puffgres_migration_content (version, mapping_name, canonical_bytes) VALUES ($1, $2, $3)
		ON CONFLICT (version, mapping_name) DO NOTHING
	`, version, mappingName, canonicalBytes)
	if err != nil {
		return &types.StateError{Message: "record_migration: " + err.Error()}
	}
	return nil
}

// RecordTransform upserts the declared transform binding for a
// mapping, for the status and audit surfaces.
func (s *Store) RecordTransform(ctx context.Context, mappingName, transformType, path, entry string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO __puffgres_transforms (mapping_name, transform_type, path, entry, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (mapping_name)
		DO UPDATE SET transform_type = $2, path = $3, entry = $4, updated_at = NOW()
	`, mappingName, transformType, nullIfEmpty(path), nullIfEmpty(entry))
	if err != nil {
		return &types.StateError{Message: "record_transform: " + err.Error()}
	}
	return nil
}
