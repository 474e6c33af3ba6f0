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

package wire

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/puffgres/core/internal/types"
)

// Message is the decoded form of one pgoutput wire message. Concrete
// types below each implement it as a marker; callers type-switch on
// the concrete value.
type Message interface {
	isMessage()
}

// Begin announces the start of a transaction.
type Begin struct {
	FinalLSN  uint64
	Timestamp int64 // microseconds since 2000-01-01, the source's epoch reference
	Xid       uint32
}

// Commit announces the end of a transaction. EndLSN is the position
// the caller should acknowledge once the transaction's effects are
// durable downstream.
type Commit struct {
	Flags     uint8
	CommitLSN uint64
	EndLSN    uint64
	Timestamp int64
}

// Relation announces or re-announces a table's shape.
type Relation struct {
	Oid             uint32
	Namespace       string
	Name            string
	ReplicaIdentity byte
	Columns         []types.ColumnInfo
}

// Insert carries one new-row tuple.
type Insert struct {
	RelationOid uint32
	New         Tuple
}

// Update carries an optional old-row tuple (key-only or full,
// depending on replica identity) and the new-row tuple.
type Update struct {
	RelationOid uint32
	OldKind     byte // 0 if absent, else 'K' or 'O'
	Old         Tuple
	New         Tuple
}

// Delete carries the old-row tuple (key-only or full).
type Delete struct {
	RelationOid uint32
	OldKind     byte // 'K' or 'O'
	Old         Tuple
}

// Truncate announces that one or more relations were truncated. The
// supervisor fans it out to a wholesale delete of every affected
// mapping's namespace.
type Truncate struct {
	Options      uint8
	RelationOids []uint32
}

// Origin, Type and Message are decoded but not required to drive the
// pipeline.
type Origin struct {
	CommitLSN uint64
	Name      string
}

// Type announces a composite/enum/domain type's name; unused by the
// core but decoded so the stream never desyncs on an unrecognized tag.
type Type struct {
	Oid       uint32
	Namespace string
	Name      string
}

// LogicalMessage is the pgoutput generic "Message" wire entry, used by
// upstream tools for application-defined markers.
type LogicalMessage struct {
	Transactional bool
	LSN           uint64
	Prefix        string
	Content       []byte
}

func (Begin) isMessage()          {}
func (Commit) isMessage()         {}
func (Relation) isMessage()       {}
func (Insert) isMessage()         {}
func (Update) isMessage()         {}
func (Delete) isMessage()         {}
func (Truncate) isMessage()       {}
func (Origin) isMessage()         {}
func (Type) isMessage()           {}
func (LogicalMessage) isMessage() {}

// ColumnValueKind tags one column value within a Tuple.
type ColumnValueKind uint8

// The recognized ColumnValueKinds, one per pgoutput tuple tag byte.
const (
	ColNull ColumnValueKind = iota
	ColUnchangedToast
	ColText
	ColBinary
)

// ColumnValue is one column's wire-level value, still in its raw
// typed-text or binary form; TypeValue (in text_typing.go) interprets
// it by type OID.
type ColumnValue struct {
	Kind ColumnValueKind
	Data []byte // meaningful for ColText and ColBinary
}

// Tuple is a row's worth of ColumnValues, in relation-column order.
type Tuple struct {
	Columns []ColumnValue
}

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }

func (r *byteReader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, errors.New("unexpected end of message")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) readUint8() (uint8, error) { return r.readByte() }

func (r *byteReader) readUint16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, errors.New("unexpected end of message")
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *byteReader) readInt16() (int16, error) {
	v, err := r.readUint16()
	return int16(v), err
}

func (r *byteReader) readUint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, errors.New("unexpected end of message")
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) readInt32() (int32, error) {
	v, err := r.readUint32()
	return int32(v), err
}

func (r *byteReader) readUint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, errors.New("unexpected end of message")
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *byteReader) readInt64() (int64, error) {
	v, err := r.readUint64()
	return int64(v), err
}

func (r *byteReader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errors.New("unexpected end of message")
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// readCString reads a zero-terminated UTF-8 string.
func (r *byteReader) readCString() (string, error) {
	start := r.pos
	for r.pos < len(r.buf) {
		if r.buf[r.pos] == 0 {
			s := string(r.buf[start:r.pos])
			r.pos++
			return s, nil
		}
		r.pos++
	}
	return "", errors.New("unterminated cstring")
}

// Decode parses one pgoutput message payload (tag byte plus body) into
// a Message. Unknown tags are reported as a *types.WireError so the
// caller can log and ignore.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, &types.WireError{Message: "empty message payload"}
	}
	r := &byteReader{buf: payload[1:]}
	switch payload[0] {
	case 'B':
		return decodeBegin(r)
	case 'C':
		return decodeCommit(r)
	case 'R':
		return decodeRelation(r)
	case 'Y':
		return decodeType(r)
	case 'I':
		return decodeInsert(r)
	case 'U':
		return decodeUpdate(r)
	case 'D':
		return decodeDelete(r)
	case 'T':
		return decodeTruncate(r)
	case 'O':
		return decodeOrigin(r)
	case 'M':
		return decodeLogicalMessage(r)
	default:
		return nil, &types.WireError{Message: "unknown message tag " + string(payload[0])}
	}
}

func decodeBegin(r *byteReader) (Message, error) {
	lsn, err := r.readUint64()
	if err != nil {
		return nil, &types.WireError{Message: "begin: " + err.Error()}
	}
	ts, err := r.readInt64()
	if err != nil {
		return nil, &types.WireError{Message: "begin: " + err.Error()}
	}
	xid, err := r.readUint32()
	if err != nil {
		return nil, &types.WireError{Message: "begin: " + err.Error()}
	}
	return Begin{FinalLSN: lsn, Timestamp: ts, Xid: xid}, nil
}

func decodeCommit(r *byteReader) (Message, error) {
	flags, err := r.readUint8()
	if err != nil {
		return nil, &types.WireError{Message: "commit: " + err.Error()}
	}
	commitLSN, err := r.readUint64()
	if err != nil {
		return nil, &types.WireError{Message: "commit: " + err.Error()}
	}
	endLSN, err := r.readUint64()
	if err != nil {
		return nil, &types.WireError{Message: "commit: " + err.Error()}
	}
	ts, err := r.readInt64()
	if err != nil {
		return nil, &types.WireError{Message: "commit: " + err.Error()}
	}
	return Commit{Flags: flags, CommitLSN: commitLSN, EndLSN: endLSN, Timestamp: ts}, nil
}

func decodeRelation(r *byteReader) (Message, error) {
	oid, err := r.readUint32()
	if err != nil {
		return nil, &types.WireError{Message: "relation: " + err.Error()}
	}
	ns, err := r.readCString()
	if err != nil {
		return nil, &types.WireError{Message: "relation: " + err.Error()}
	}
	name, err := r.readCString()
	if err != nil {
		return nil, &types.WireError{Message: "relation: " + err.Error()}
	}
	identity, err := r.readUint8()
	if err != nil {
		return nil, &types.WireError{Message: "relation: " + err.Error()}
	}
	nCols, err := r.readUint16()
	if err != nil {
		return nil, &types.WireError{Message: "relation: " + err.Error()}
	}
	cols := make([]types.ColumnInfo, 0, nCols)
	for i := 0; i < int(nCols); i++ {
		flags, err := r.readUint8()
		if err != nil {
			return nil, &types.WireError{Message: "relation column: " + err.Error()}
		}
		cname, err := r.readCString()
		if err != nil {
			return nil, &types.WireError{Message: "relation column: " + err.Error()}
		}
		typeOid, err := r.readUint32()
		if err != nil {
			return nil, &types.WireError{Message: "relation column: " + err.Error()}
		}
		typeMod, err := r.readInt32()
		if err != nil {
			return nil, &types.WireError{Message: "relation column: " + err.Error()}
		}
		cols = append(cols, types.ColumnInfo{
			IsKey:        flags&0x1 != 0,
			Name:         cname,
			TypeOid:      typeOid,
			TypeModifier: typeMod,
		})
	}
	return Relation{Oid: oid, Namespace: ns, Name: name, ReplicaIdentity: identity, Columns: cols}, nil
}

func decodeType(r *byteReader) (Message, error) {
	oid, err := r.readUint32()
	if err != nil {
		return nil, &types.WireError{Message: "type: " + err.Error()}
	}
	ns, err := r.readCString()
	if err != nil {
		return nil, &types.WireError{Message: "type: " + err.Error()}
	}
	name, err := r.readCString()
	if err != nil {
		return nil, &types.WireError{Message: "type: " + err.Error()}
	}
	return Type{Oid: oid, Namespace: ns, Name: name}, nil
}

func decodeTuple(r *byteReader) (Tuple, error) {
	n, err := r.readInt16()
	if err != nil {
		return Tuple{}, errors.Wrap(err, "tuple column count")
	}
	cols := make([]ColumnValue, 0, n)
	for i := 0; i < int(n); i++ {
		tag, err := r.readByte()
		if err != nil {
			return Tuple{}, errors.Wrap(err, "tuple column tag")
		}
		switch tag {
		case 'n':
			cols = append(cols, ColumnValue{Kind: ColNull})
		case 'u':
			cols = append(cols, ColumnValue{Kind: ColUnchangedToast})
		case 't', 'b':
			length, err := r.readInt32()
			if err != nil {
				return Tuple{}, errors.Wrap(err, "tuple column length")
			}
			data, err := r.readBytes(int(length))
			if err != nil {
				return Tuple{}, errors.Wrap(err, "tuple column data")
			}
			kind := ColText
			if tag == 'b' {
				kind = ColBinary
			}
			cols = append(cols, ColumnValue{Kind: kind, Data: data})
		default:
			return Tuple{}, errors.Errorf("unexpected tuple marker %q", tag)
		}
	}
	return Tuple{Columns: cols}, nil
}

func decodeInsert(r *byteReader) (Message, error) {
	oid, err := r.readUint32()
	if err != nil {
		return nil, &types.WireError{Message: "insert: " + err.Error()}
	}
	marker, err := r.readByte()
	if err != nil || marker != 'N' {
		return nil, &types.WireError{Message: "insert: expected 'N' tuple marker"}
	}
	tup, err := decodeTuple(r)
	if err != nil {
		return nil, &types.WireError{Message: "insert: " + err.Error()}
	}
	return Insert{RelationOid: oid, New: tup}, nil
}

func decodeUpdate(r *byteReader) (Message, error) {
	oid, err := r.readUint32()
	if err != nil {
		return nil, &types.WireError{Message: "update: " + err.Error()}
	}
	marker, err := r.readByte()
	if err != nil {
		return nil, &types.WireError{Message: "update: " + err.Error()}
	}
	var old Tuple
	oldKind := byte(0)
	if marker == 'K' || marker == 'O' {
		oldKind = marker
		old, err = decodeTuple(r)
		if err != nil {
			return nil, &types.WireError{Message: "update old tuple: " + err.Error()}
		}
		marker, err = r.readByte()
		if err != nil {
			return nil, &types.WireError{Message: "update: " + err.Error()}
		}
	}
	if marker != 'N' {
		return nil, &types.WireError{Message: "update: expected 'N' tuple marker"}
	}
	newTup, err := decodeTuple(r)
	if err != nil {
		return nil, &types.WireError{Message: "update new tuple: " + err.Error()}
	}
	return Update{RelationOid: oid, OldKind: oldKind, Old: old, New: newTup}, nil
}

func decodeDelete(r *byteReader) (Message, error) {
	oid, err := r.readUint32()
	if err != nil {
		return nil, &types.WireError{Message: "delete: " + err.Error()}
	}
	marker, err := r.readByte()
	if err != nil || (marker != 'K' && marker != 'O') {
		return nil, &types.WireError{Message: "delete: expected 'K' or 'O' tuple marker"}
	}
	old, err := decodeTuple(r)
	if err != nil {
		return nil, &types.WireError{Message: "delete: " + err.Error()}
	}
	return Delete{RelationOid: oid, OldKind: marker, Old: old}, nil
}

func decodeTruncate(r *byteReader) (Message, error) {
	n, err := r.readUint32()
	if err != nil {
		return nil, &types.WireError{Message: "truncate: " + err.Error()}
	}
	opts, err := r.readUint8()
	if err != nil {
		return nil, &types.WireError{Message: "truncate: " + err.Error()}
	}
	oids := make([]uint32, 0, n)
	for i := 0; i < int(n); i++ {
		oid, err := r.readUint32()
		if err != nil {
			return nil, &types.WireError{Message: "truncate oid: " + err.Error()}
		}
		oids = append(oids, oid)
	}
	return Truncate{Options: opts, RelationOids: oids}, nil
}

func decodeOrigin(r *byteReader) (Message, error) {
	lsn, err := r.readUint64()
	if err != nil {
		return nil, &types.WireError{Message: "origin: " + err.Error()}
	}
	name, err := r.readCString()
	if err != nil {
		return nil, &types.WireError{Message: "origin: " + err.Error()}
	}
	return Origin{CommitLSN: lsn, Name: name}, nil
}

func decodeLogicalMessage(r *byteReader) (Message, error) {
	flags, err := r.readUint8()
	if err != nil {
		return nil, &types.WireError{Message: "message: " + err.Error()}
	}
	lsn, err := r.readUint64()
	if err != nil {
		return nil, &types.WireError{Message: "message: " + err.Error()}
	}
	prefix, err := r.readCString()
	if err != nil {
		return nil, &types.WireError{Message: "message: " + err.Error()}
	}
	length, err := r.readUint32()
	if err != nil {
		return nil, &types.WireError{Message: "message: " + err.Error()}
	}
	content, err := r.readBytes(int(length))
	if err != nil {
		return nil, &types.WireError{Message: "message: " + err.Error()}
	}
	return LogicalMessage{
		Transactional: flags&0x1 != 0,
		LSN:           lsn,
		Prefix:        prefix,
		Content:       content,
	}, nil
}

// pgEpoch is 2000-01-01 00:00:00 UTC, the reference point for
// pgoutput's microsecond timestamps.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// DecodeTimestamp converts a pgoutput microseconds-since-epoch
// timestamp into a time.Time.
func DecodeTimestamp(microsSinceEpoch int64) time.Time {
	return pgEpoch.Add(time.Duration(microsSinceEpoch) * time.Microsecond)
}
