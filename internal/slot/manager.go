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

// Package slot ensures a logical replication slot and the publication
// it streams through exist before the replicator opens its dedicated
// connection, and validates that every mapped table is readable.
// Every operation here is idempotent.
package slot

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/puffgres/core/internal/lsn"
	"github.com/puffgres/core/internal/types"
)

// outputPlugin is the only logical-decoding plugin this pipeline
// negotiates. A slot found using any other plugin is stale and is
// dropped and recreated.
const outputPlugin = "pgoutput"

// QuoteIdent doubles embedded `"` and wraps s in double quotes, so it
// can be safely interpolated into DDL that has no parameter-binding
// form for identifiers.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// QuoteTableName quotes a possibly schema-qualified "schema.table"
// reference as `"schema"."table"`.
func QuoteTableName(schema, table string) string {
	return QuoteIdent(schema) + "." + QuoteIdent(table)
}

// ParseTableRef splits "schema.table" into its parts; a bare name
// defaults to the "public" schema.
func ParseTableRef(ref string) (schema, table string) {
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "public", ref
}

// SlotExists reports whether a replication slot named name exists.
func SlotExists(ctx context.Context, conn *pgx.Conn, name string) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`, name,
	).Scan(&exists)
	return exists, errors.WithStack(err)
}

// getSlotPlugin returns the output plugin a slot is using, or "" if
// the slot does not exist.
func getSlotPlugin(ctx context.Context, conn *pgx.Conn, name string) (string, error) {
	var plugin string
	err := conn.QueryRow(ctx,
		`SELECT plugin FROM pg_replication_slots WHERE slot_name = $1`, name,
	).Scan(&plugin)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return plugin, errors.WithStack(err)
}

func createSlot(ctx context.Context, conn *pgx.Conn, name string) error {
	log.WithField("slot", name).Info("creating replication slot")
	_, err := conn.Exec(ctx, `SELECT pg_create_logical_replication_slot($1, $2)`, name, outputPlugin)
	if err != nil {
		return &types.SourceSetupError{Message: "create slot " + name + ": " + err.Error()}
	}
	return nil
}

func dropSlot(ctx context.Context, conn *pgx.Conn, name string) error {
	log.WithField("slot", name).Info("dropping replication slot")
	_, err := conn.Exec(ctx, `SELECT pg_drop_replication_slot($1)`, name)
	if err != nil {
		return &types.SourceSetupError{Message: "drop slot " + name + ": " + err.Error()}
	}
	return nil
}

// EnsureSlot makes sure a slot named name exists and uses pgoutput. If
// it exists under a different plugin it is dropped and recreated; if
// it is absent and createIfMissing is false, *types.ErrSlotNotFound is
// returned directly, not wrapped in a *types.SourceSetupError.
func EnsureSlot(ctx context.Context, conn *pgx.Conn, name string, createIfMissing bool) error {
	plugin, err := getSlotPlugin(ctx, conn, name)
	if err != nil {
		return err
	}
	switch {
	case plugin == outputPlugin:
		log.WithField("slot", name).Info("using existing replication slot")
		return nil
	case plugin != "":
		log.WithFields(log.Fields{"slot": name, "plugin": plugin}).
			Warn("existing slot uses wrong plugin, dropping and recreating")
		if err := dropSlot(ctx, conn, name); err != nil {
			return err
		}
		return createSlot(ctx, conn, name)
	case createIfMissing:
		return createSlot(ctx, conn, name)
	default:
		return &types.ErrSlotNotFound{Name: name}
	}
}

// GetConfirmedLSN returns the slot's recorded confirmed-flush
// position, if the slot exists and has one.
func GetConfirmedLSN(ctx context.Context, conn *pgx.Conn, name string) (lsn.LSN, bool, error) {
	var text *string
	err := conn.QueryRow(ctx,
		`SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1`, name,
	).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) || text == nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.WithStack(err)
	}
	parsed, err := lsn.Parse(*text)
	if err != nil {
		return 0, false, err
	}
	return parsed, true, nil
}

// publicationExists reports whether a publication named name exists.
func publicationExists(ctx context.Context, conn *pgx.Conn, name string) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_publication WHERE pubname = $1)`, name,
	).Scan(&exists)
	return exists, errors.WithStack(err)
}

// publicationTables returns the set of "schema.table" currently
// covered by a publication.
func publicationTables(ctx context.Context, conn *pgx.Conn, name string) (map[string]bool, error) {
	rows, err := conn.Query(ctx,
		`SELECT schemaname, tablename FROM pg_publication_tables WHERE pubname = $1`, name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var schema, table string
		if err := rows.Scan(&schema, &table); err != nil {
			return nil, errors.WithStack(err)
		}
		out[schema+"."+table] = true
	}
	return out, errors.WithStack(rows.Err())
}

func createPublication(ctx context.Context, conn *pgx.Conn, name string, tables []types.Source) error {
	stmt := "CREATE PUBLICATION " + QuoteIdent(name)
	if len(tables) == 0 {
		stmt += " FOR ALL TABLES"
	} else {
		stmt += " FOR TABLE " + quotedTableList(tables)
	}
	log.WithFields(log.Fields{"publication": name, "tables": tables}).Info("creating publication")
	_, err := conn.Exec(ctx, stmt)
	if err != nil {
		return &types.SourceSetupError{Message: "create publication " + name + ": " + err.Error()}
	}
	return nil
}

func addTablesToPublication(ctx context.Context, conn *pgx.Conn, name string, tables []types.Source) error {
	if len(tables) == 0 {
		return nil
	}
	stmt := "ALTER PUBLICATION " + QuoteIdent(name) + " ADD TABLE " + quotedTableList(tables)
	log.WithFields(log.Fields{"publication": name, "tables": tables}).Info("adding tables to publication")
	_, err := conn.Exec(ctx, stmt)
	if err != nil {
		return &types.SourceSetupError{Message: "alter publication " + name + ": " + err.Error()}
	}
	return nil
}

func quotedTableList(tables []types.Source) string {
	parts := make([]string, len(tables))
	for i, t := range tables {
		parts[i] = QuoteTableName(t.Schema, t.Table)
	}
	return strings.Join(parts, ", ")
}

// EnsurePublication makes sure a publication named name exists and
// covers every table in tables, creating or extending it as needed.
func EnsurePublication(
	ctx context.Context, conn *pgx.Conn, name string, tables []types.Source, createIfMissing bool,
) error {
	exists, err := publicationExists(ctx, conn, name)
	if err != nil {
		return err
	}
	if exists {
		if len(tables) == 0 {
			return nil
		}
		current, err := publicationTables(ctx, conn, name)
		if err != nil {
			return err
		}
		var missing []types.Source
		for _, t := range tables {
			if !current[t.Schema+"."+t.Table] {
				missing = append(missing, t)
			}
		}
		if len(missing) == 0 {
			log.WithField("publication", name).Info("publication has all required tables")
			return nil
		}
		return addTablesToPublication(ctx, conn, name, missing)
	}
	if !createIfMissing {
		return &types.ErrPublicationNotFound{Name: name}
	}
	return createPublication(ctx, conn, name, tables)
}

// tableExists reports whether schema.table is a known relation.
func tableExists(ctx context.Context, conn *pgx.Conn, schema, table string) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		schema, table,
	).Scan(&exists)
	return exists, errors.WithStack(err)
}

// ValidateTablesReadable issues a zero-row projection against every
// table in tables to confirm existence and read permission.
func ValidateTablesReadable(ctx context.Context, conn *pgx.Conn, tables []types.Source) error {
	for _, t := range tables {
		exists, err := tableExists(ctx, conn, t.Schema, t.Table)
		if err != nil {
			return err
		}
		if !exists {
			return &types.ErrTableNotFound{Schema: t.Schema, Table: t.Table}
		}
		_, err = conn.Exec(ctx, "SELECT 1 FROM "+QuoteTableName(t.Schema, t.Table)+" LIMIT 0")
		if err != nil {
			return &types.SourceSetupError{
				Message: "table " + t.Schema + "." + t.Table + " is not readable: " + err.Error(),
			}
		}
	}
	return nil
}
