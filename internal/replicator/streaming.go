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

// Package replicator owns the dedicated logical-replication
// connection: it negotiates START_REPLICATION, decodes the pgoutput
// stream via internal/wire, assembles commit-delimited batches of
// RowEvents, and tracks the position the source may safely forget.
package replicator

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/puffgres/core/internal/lsn"
	"github.com/puffgres/core/internal/metrics"
	"github.com/puffgres/core/internal/slot"
	"github.com/puffgres/core/internal/types"
	"github.com/puffgres/core/internal/wire"
)

// Config describes one replication connection's identity: the slot
// and publication it binds to, the tables that publication must
// cover, and an optional override for the starting position.
type Config struct {
	ConnString      string
	SlotName        string
	PublicationName string
	Tables          []types.Source
	CreateIfMissing bool
	StartLSN        *lsn.LSN

	// StandbyStatusInterval is the receive timeout: when no message
	// arrives for this long, the replicator sends a standby status
	// update unprompted. While messages keep arriving, updates are sent
	// only when a keepalive requests a reply. Zero uses a 10s default.
	StandbyStatusInterval time.Duration
}

// Batch is one commit-delimited group of RowEvents, returned by
// RecvBatch. AckLSN is the commit's end_lsn: the position the caller
// should acknowledge once every event has been durably handled.
type Batch struct {
	Events          []types.RowEvent
	AckLSN          uint64
	TruncatedTables []types.Source
}

// Replicator owns a relation cache and the current connection.
// RecvBatch and Acknowledge are its only caller-facing operations
// besides Close and Reconnect.
type Replicator struct {
	cfg  Config
	conn *pgconn.PgConn
	rel  *wire.RelationCache

	txBuf       []types.RowEvent
	txTruncated []types.Source
	txLSN       uint64
	txXid       uint32
	txTime      time.Time

	// ackedLSN is the last position the caller confirmed as durably
	// handled; it is never exceeded by a standby status update, which
	// is the acknowledgement-safety invariant this type exists to
	// enforce. appliedLSN is the last WAL position actually received,
	// reported to the server for monitoring only.
	ackedLSN   lsn.LSN
	appliedLSN lsn.LSN

	lastStatusAt time.Time
}

// looksLikePooler reports whether connString's host carries a
// "-pooler." or "-pooler:" marker, which logical replication cannot
// use directly.
func looksLikePooler(connString string) bool {
	return strings.Contains(connString, "-pooler.") || strings.Contains(connString, "-pooler:")
}

// Connect runs the slot and publication setup on a control
// connection, opens the dedicated replication connection, and issues
// START_REPLICATION at the resolved start position.
func Connect(ctx context.Context, cfg Config) (*Replicator, error) {
	r := &Replicator{cfg: cfg, rel: wire.NewRelationCache()}
	if err := r.open(ctx, cfg.StartLSN); err != nil {
		return nil, err
	}
	return r, nil
}

// open performs the startup sequence: the slot, publication and
// table-readability checks on a short-lived control connection, then
// opens the replication connection and starts streaming at
// startOverride, or the slot's confirmed flush position, or zero.
func (r *Replicator) open(ctx context.Context, startOverride *lsn.LSN) error {
	if looksLikePooler(r.cfg.ConnString) {
		log.Warn("replication connection string looks like a connection pooler; logical replication requires a direct connection")
	}

	control, err := pgx.Connect(ctx, r.cfg.ConnString)
	if err != nil {
		return &types.SourceSetupError{Message: "control connection: " + err.Error()}
	}
	defer control.Close(ctx)

	if err := slot.EnsureSlot(ctx, control, r.cfg.SlotName, r.cfg.CreateIfMissing); err != nil {
		return err
	}
	if err := slot.EnsurePublication(ctx, control, r.cfg.PublicationName, r.cfg.Tables, r.cfg.CreateIfMissing); err != nil {
		return err
	}
	if err := slot.ValidateTablesReadable(ctx, control, r.cfg.Tables); err != nil {
		return err
	}

	start := startOverride
	if start == nil {
		confirmed, has, err := slot.GetConfirmedLSN(ctx, control, r.cfg.SlotName)
		if err != nil {
			return err
		}
		if has {
			start = &confirmed
		}
	}
	if start != nil {
		r.ackedLSN = *start
	} else {
		r.ackedLSN = 0
	}
	r.appliedLSN = r.ackedLSN

	pgConnConfig, err := pgconn.ParseConfig(r.cfg.ConnString)
	if err != nil {
		return &types.SourceSetupError{Message: "parsing replication connection string: " + err.Error()}
	}
	if pgConnConfig.RuntimeParams == nil {
		pgConnConfig.RuntimeParams = map[string]string{}
	}
	pgConnConfig.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, pgConnConfig)
	if err != nil {
		return &types.SourceSetupError{Message: "replication connection: " + err.Error()}
	}

	pubArgs := []string{"proto_version '1'", "publication_names '" + r.cfg.PublicationName + "'"}
	if err := pglogrepl.StartReplication(ctx, conn, r.cfg.SlotName, lsn.ToPglogrepl(r.ackedLSN),
		pglogrepl.StartReplicationOptions{PluginArgs: pubArgs}); err != nil {
		conn.Close(ctx)
		return &types.SourceSetupError{Message: "START_REPLICATION: " + err.Error()}
	}

	r.conn = conn
	r.rel.Clear()
	r.txBuf = nil
	r.txTruncated = nil
	r.txLSN = 0
	r.lastStatusAt = time.Now()
	return nil
}

// Reconnect closes the current connection (if any) and reopens it,
// resuming from the last acknowledged LSN: buffered, uncommitted
// events are discarded and the relation cache is cleared.
func (r *Replicator) Reconnect(ctx context.Context) error {
	if r.conn != nil {
		_ = r.conn.Close(ctx)
		r.conn = nil
	}
	start := r.ackedLSN
	return r.open(ctx, &start)
}

// Close terminates the replication connection.
func (r *Replicator) Close(ctx context.Context) error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close(ctx)
	r.conn = nil
	return errors.WithStack(err)
}

func (r *Replicator) statusInterval() time.Duration {
	if r.cfg.StandbyStatusInterval > 0 {
		return r.cfg.StandbyStatusInterval
	}
	return 10 * time.Second
}

// RecvBatch blocks until a full transaction has been received,
// decoding each message via internal/wire and appending RowEvents to
// an in-flight transaction buffer keyed by the current Begin. A
// decode error or relation-cache miss is returned as-is: it is fatal
// to the connection, never a silent drop, and the caller is
// expected to call Reconnect.
func (r *Replicator) RecvBatch(ctx context.Context) (*Batch, error) {
	for {
		rcvCtx := ctx
		var cancel context.CancelFunc
		if d := r.statusInterval(); d > 0 {
			rcvCtx, cancel = context.WithTimeout(ctx, d)
		}
		msg, err := r.conn.ReceiveMessage(rcvCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				if sendErr := r.sendStandbyStatus(ctx); sendErr != nil {
					return nil, sendErr
				}
				continue
			}
			return nil, errors.WithStack(err)
		}

		cd, ok := msg.(*pgproto3.CopyData)
		if !ok {
			if errResp, ok := msg.(*pgproto3.ErrorResponse); ok {
				return nil, &types.WireError{Message: "server error: " + errResp.Message}
			}
			continue
		}
		if len(cd.Data) == 0 {
			continue
		}

		switch cd.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
			if err != nil {
				return nil, &types.WireError{Message: "keepalive: " + err.Error()}
			}
			if v := lsn.FromPglogrepl(pkm.ServerWALEnd); v > r.appliedLSN {
				r.appliedLSN = v
			}
			if pkm.ReplyRequested {
				if err := r.sendStandbyStatus(ctx); err != nil {
					return nil, err
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
			if err != nil {
				return nil, &types.WireError{Message: "xlogdata: " + err.Error()}
			}
			if v := lsn.FromPglogrepl(xld.ServerWALEnd); v > r.appliedLSN {
				r.appliedLSN = v
			}
			batch, err := r.applyWAL(xld.WALData)
			if err != nil {
				return nil, err
			}
			if batch != nil {
				return batch, nil
			}

		default:
			log.WithField("byte", cd.Data[0]).Warn("unrecognized replication protocol message, ignoring")
		}
	}
}

// applyWAL decodes one pgoutput message and folds it into the current
// transaction buffer, returning a Batch only once a Commit closes the
// transaction.
func (r *Replicator) applyWAL(payload []byte) (*Batch, error) {
	if len(payload) > 0 && !strings.ContainsRune("BCRYIUDTOM", rune(payload[0])) {
		log.WithField("tag", string(payload[0])).Warn("ignoring pgoutput message with unknown tag")
		return nil, nil
	}
	msg, err := wire.Decode(payload)
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case wire.Begin:
		r.txBuf = nil
		r.txTruncated = nil
		r.txLSN = m.FinalLSN
		r.txXid = m.Xid
		r.txTime = wire.DecodeTimestamp(m.Timestamp)
		return nil, nil

	case wire.Relation:
		r.rel.Update(types.RelationInfo{
			Oid:             m.Oid,
			Schema:          m.Namespace,
			Name:            m.Name,
			ReplicaIdentity: types.ParseReplicaIdentity(m.ReplicaIdentity),
			Columns:         m.Columns,
		})
		return nil, nil

	case wire.Insert:
		rel, ok := r.rel.Get(m.RelationOid)
		if !ok {
			return nil, &types.ErrRelationNotFound{Oid: m.RelationOid}
		}
		row := wire.TupleToRow(m.New, rel, nil)
		r.txBuf = append(r.txBuf, types.RowEvent{
			Op: types.OpInsert, Schema: rel.Schema, Table: rel.Name,
			New: row, LSN: r.txLSN, Xid: r.txXid, CommitTime: r.txTime,
		})
		return nil, nil

	case wire.Update:
		rel, ok := r.rel.Get(m.RelationOid)
		if !ok {
			return nil, &types.ErrRelationNotFound{Oid: m.RelationOid}
		}
		newRow := wire.TupleToRow(m.New, rel, nil)
		var oldRow types.RowMap
		if m.OldKind != 0 {
			oldRow = wire.TupleToRow(m.Old, rel, nil)
		}
		r.txBuf = append(r.txBuf, types.RowEvent{
			Op: types.OpUpdate, Schema: rel.Schema, Table: rel.Name,
			New: newRow, Old: oldRow, LSN: r.txLSN, Xid: r.txXid, CommitTime: r.txTime,
		})
		return nil, nil

	case wire.Delete:
		rel, ok := r.rel.Get(m.RelationOid)
		if !ok {
			return nil, &types.ErrRelationNotFound{Oid: m.RelationOid}
		}
		oldRow := wire.TupleToRow(m.Old, rel, nil)
		r.txBuf = append(r.txBuf, types.RowEvent{
			Op: types.OpDelete, Schema: rel.Schema, Table: rel.Name,
			Old: oldRow, LSN: r.txLSN, Xid: r.txXid, CommitTime: r.txTime,
		})
		return nil, nil

	case wire.Truncate:
		for _, oid := range m.RelationOids {
			if rel, ok := r.rel.Get(oid); ok {
				r.txTruncated = append(r.txTruncated, types.Source{Schema: rel.Schema, Table: rel.Name})
			}
		}
		return nil, nil

	case wire.Commit:
		batch := &Batch{Events: r.txBuf, AckLSN: m.EndLSN, TruncatedTables: r.txTruncated}
		r.txBuf = nil
		r.txTruncated = nil
		return batch, nil

	case wire.Origin, wire.Type, wire.LogicalMessage:
		return nil, nil

	default:
		log.Warn("decoded an unrecognized wire message kind, ignoring")
		return nil, nil
	}
}

// Acknowledge records that every event up to and including ackLSN has
// been durably handled downstream, and relays that position to the
// server as the new flush/apply position. It never reports a position
// past what the caller supplies, which is what bounds the upstream
// slot from advancing past unacknowledged writes.
func (r *Replicator) Acknowledge(ctx context.Context, ackLSN uint64) error {
	if lsn.LSN(ackLSN) > r.ackedLSN {
		r.ackedLSN = lsn.LSN(ackLSN)
	}
	return r.sendStandbyStatus(ctx)
}

func (r *Replicator) sendStandbyStatus(ctx context.Context) error {
	r.lastStatusAt = time.Now()
	metrics.ReplicationLagBytes.WithLabelValues(r.cfg.SlotName).Set(float64(r.appliedLSN - r.ackedLSN))
	return errors.WithStack(pglogrepl.SendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn.ToPglogrepl(r.appliedLSN),
		WALFlushPosition: lsn.ToPglogrepl(r.ackedLSN),
		WALApplyPosition: lsn.ToPglogrepl(r.ackedLSN),
		ClientTime:       time.Now(),
	}))
}

// AckedLSN reports the last position Acknowledge recorded, used by
// Reconnect to resume streaming without re-querying the slot.
func (r *Replicator) AckedLSN() lsn.LSN { return r.ackedLSN }
