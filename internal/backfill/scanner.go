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

// Package backfill implements the cursor-paginated table scan that
// seeds a mapping's target namespace from existing rows before
// streaming replication takes over.
package backfill

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/puffgres/core/internal/slot"
	"github.com/puffgres/core/internal/types"
)

// Config describes one backfill run. Columns empty means "all
// columns" (matching Mapping.Columns); when Columns is non-empty and
// lacks IdColumn, New appends IdColumn to the projection.
type Config struct {
	Schema    string
	Table     string
	IdColumn  string
	Columns   []string
	BatchSize int
}

// DefaultBatchSize is used when Config.BatchSize is zero or negative.
const DefaultBatchSize = 1000

// spinnerFrames is the braille spinner cycle used by Format, matching
// the presentation the scanner's progress line historically used.
var spinnerFrames = []rune{'⠋', '⠙', '⠹', '⠸', '⠼', '⠴', '⠦', '⠧', '⠇', '⠏'}

// Scanner drives one mapping's backfill: it issues successive
// cursor-paginated pages against conn and reports resumable progress
// after each one.
type Scanner struct {
	conn   *pgx.Conn
	cfg    Config
	cols   []string // resolved column list including IdColumn
	start  time.Time
	lastID string
	total  *int64
	upsert int64
	done   bool
}

// New opens a Scanner for cfg against conn, estimating the table's row
// count from pg_class statistics. The estimate is nil if the relation
// is not found in pg_class; a relation that has never been analyzed
// reports a negative reltuples, which is clamped to zero.
func New(ctx context.Context, conn *pgx.Conn, cfg Config) (*Scanner, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	cols := cfg.Columns
	if len(cols) == 0 {
		var err error
		cols, err = allColumns(ctx, conn, cfg.Schema, cfg.Table)
		if err != nil {
			return nil, err
		}
	} else if !containsString(cols, cfg.IdColumn) {
		cols = append(append([]string{}, cols...), cfg.IdColumn)
	}

	total, err := estimateTotalRows(ctx, conn, cfg.Schema, cfg.Table)
	if err != nil {
		return nil, err
	}

	return &Scanner{conn: conn, cfg: cfg, cols: cols, start: time.Now(), total: total}, nil
}

// ResumeFrom seeds the scanner's cursor from a previously saved
// position, so the next NextBatch picks up where a prior run left off.
func (s *Scanner) ResumeFrom(lastID string, processedRows int64) {
	s.lastID = lastID
	s.upsert = processedRows
}

func allColumns(ctx context.Context, conn *pgx.Conn, schema, table string) ([]string, error) {
	rows, err := conn.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, schema, table)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, name)
	}
	return out, errors.WithStack(rows.Err())
}

func containsString(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}

// estimateTotalRows reads pg_class.reltuples for (schema, table),
// truncating it to a non-negative integer. It returns nil
// (rather than an error) when the relation has no row yet, since
// reltuples is a planner statistic, not an authoritative count.
func estimateTotalRows(ctx context.Context, conn *pgx.Conn, schema, table string) (*int64, error) {
	var reltuples float64
	err := conn.QueryRow(ctx, `
		SELECT c.reltuples FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2
	`, schema, table).Scan(&reltuples)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if reltuples < 0 {
		reltuples = 0
	}
	n := int64(reltuples)
	return &n, nil
}

// Progress returns the scanner's current resumable position and
// rate/ETA bookkeeping as a types.BackfillProgress.
func (s *Scanner) Progress() types.BackfillProgress {
	status := types.BackfillInProgress
	if s.IsComplete() {
		status = types.BackfillCompleted
	}
	return types.BackfillProgress{
		LastId:         s.lastID,
		EstimatedTotal: s.total,
		ProcessedRows:  s.upsert,
		Status:         status,
		StartedAt:      s.start,
	}
}

// IsComplete reports whether a NextBatch call has observed the end of
// the table. The statistics estimate is never consulted here: it can
// undercount, and stopping short of an exhausted cursor would silently
// drop rows.
func (s *Scanner) IsComplete() bool {
	return s.done
}

// NextBatch fetches up to Config.BatchSize rows with an id greater
// than the scanner's cursor, advances the cursor, and returns the
// decoded RowEvents (always Insert, LSN zero). A zero-length, nil-error
// result means the table is exhausted.
func (s *Scanner) NextBatch(ctx context.Context) ([]types.RowEvent, error) {
	query, args := s.buildQuery()
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	var events []types.RowEvent
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		row := make(types.RowMap, len(vals))
		var idVal interface{}
		for i, v := range vals {
			name := string(fds[i].Name)
			row[name] = rowToValue(v)
			if name == s.cfg.IdColumn {
				idVal = v
			}
		}
		events = append(events, types.RowEvent{
			Op:     types.OpInsert,
			Schema: s.cfg.Schema,
			Table:  s.cfg.Table,
			New:    row,
		})
		s.lastID = valueToString(idVal)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if len(events) == 0 {
		s.done = true
	}
	s.upsert += int64(len(events))
	return events, nil
}

func (s *Scanner) buildQuery() (string, []interface{}) {
	quotedCols := make([]string, len(s.cols))
	for i, c := range s.cols {
		quotedCols[i] = slot.QuoteIdent(c)
	}
	table := slot.QuoteTableName(s.cfg.Schema, s.cfg.Table)
	idCol := slot.QuoteIdent(s.cfg.IdColumn)

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(quotedCols, ", "))
	b.WriteString(" FROM ")
	b.WriteString(table)
	var args []interface{}
	if s.lastID != "" {
		b.WriteString(" WHERE ")
		b.WriteString(idCol)
		b.WriteString("::text > $1")
		args = append(args, s.lastID)
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(idCol)
	b.WriteString(" LIMIT ")
	b.WriteString(strconv.Itoa(s.cfg.BatchSize))
	return b.String(), args
}

// rowToValue lifts a value decoded by pgx's default type mapping into
// a types.Value. pgx already resolves Postgres types to their closest
// Go equivalent, so this is a narrower dispatch than a raw-wire
// decoder needs.
func rowToValue(v interface{}) types.Value {
	switch x := v.(type) {
	case nil:
		return types.Null
	case bool:
		return types.NewBool(x)
	case int16:
		return types.NewInt(int64(x))
	case int32:
		return types.NewInt(int64(x))
	case int64:
		return types.NewInt(x)
	case float32:
		return types.NewFloat(float64(x))
	case float64:
		return types.NewFloat(x)
	case string:
		return types.NewString(x)
	case []byte:
		return types.NewString(string(x))
	case time.Time:
		return types.NewString(x.Format(time.RFC3339Nano))
	case fmt.Stringer:
		return types.NewString(x.String())
	default:
		return types.NewString(fmt.Sprintf("%v", x))
	}
}

// valueToString renders v as the text used for the next page's cursor
// predicate, matching the ::text cast applied in buildQuery.
func valueToString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}

// FormatDuration renders a duration the way the scanner's progress
// line does: "1h2m3s", "2m3s", or "3s" depending on magnitude.
func FormatDuration(d time.Duration) string {
	secs := int64(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// Format renders a single-line human progress report for frame (the
// caller advances frame to animate the spinner between calls).
func (s *Scanner) Format(frame int) string {
	glyph := spinnerFrames[frame%len(spinnerFrames)]
	elapsed := time.Since(s.start)
	rate := float64(0)
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(s.upsert) / secs
	}

	if s.total == nil {
		return fmt.Sprintf("%c %d rows (%.1f rows/s, %s elapsed)",
			glyph, s.upsert, rate, FormatDuration(elapsed))
	}

	total := *s.total
	var percent float64
	if total > 0 {
		percent = float64(s.upsert) / float64(total) * 100
	}
	var eta string
	if rate > 0 && total > s.upsert {
		remaining := float64(total-s.upsert) / rate
		eta = FormatDuration(time.Duration(remaining) * time.Second)
	} else {
		eta = "?"
	}
	return fmt.Sprintf("%c %d/%d rows (%.1f%%, %.1f rows/s, %s elapsed, %s remaining)",
		glyph, s.upsert, total, percent, rate, FormatDuration(elapsed), eta)
}
