// Package wal implements the write-ahead log manager and crash recovery:
// a single append-only log of typed BEGIN/COMMIT/ABORT/INSERT/DELETE/
// UPDATE records, double-buffered appends drained by a background flusher,
// and redo-then-undo recovery on startup.
package wal

import (
	"encoding/binary"

	"emberdb/internal/dberr"
	"emberdb/internal/types"
)

// RecordType tags the payload that follows a log record's header.
type RecordType byte

const (
	RecordBegin RecordType = iota
	RecordCommit
	RecordAbort
	RecordInsert
	RecordDelete
	RecordUpdate
)

// headerSize is {type(1), total-length(4), LSN(4), txn-id(4), prev-LSN(4)},
// the fixed prefix of every on-disk log record.
const headerSize = 1 + 4 + 4 + 4 + 4

// Record is one write-ahead log entry.
type Record struct {
	Type    RecordType
	LSN     uint64
	TxnID   uint64
	PrevLSN uint64

	// Payload, populated per Type.
	Table  string
	RID    types.RID
	Before []byte // UPDATE before-image
	After  []byte // INSERT/UPDATE after-image, or the deleted record for DELETE
}

// Encode serialises r into its on-disk representation.
func (r Record) Encode() []byte {
	payload := r.encodePayload()
	total := headerSize + len(payload)
	buf := make([]byte, total)
	buf[0] = byte(r.Type)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(total))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(r.LSN))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(r.TxnID))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(r.PrevLSN))
	copy(buf[headerSize:], payload)
	return buf
}

func (r Record) encodePayload() []byte {
	switch r.Type {
	case RecordBegin, RecordCommit, RecordAbort:
		return nil
	case RecordInsert, RecordDelete:
		return encodeTableRIDBytes(r.Table, r.RID, r.After)
	case RecordUpdate:
		return encodeUpdatePayload(r.Table, r.RID, r.Before, r.After)
	default:
		return nil
	}
}

func encodeTableRIDBytes(table string, rid types.RID, data []byte) []byte {
	buf := make([]byte, 2+len(table)+8+4+len(data))
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(table)))
	off += 2
	off += copy(buf[off:], table)
	binary.LittleEndian.PutUint32(buf[off:], uint32(rid.PageNo))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(rid.Slot))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(data)))
	off += 4
	copy(buf[off:], data)
	return buf
}

func encodeUpdatePayload(table string, rid types.RID, before, after []byte) []byte {
	buf := make([]byte, 2+len(table)+8+4+len(before)+4+len(after))
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(table)))
	off += 2
	off += copy(buf[off:], table)
	binary.LittleEndian.PutUint32(buf[off:], uint32(rid.PageNo))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(rid.Slot))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(before)))
	off += 4
	off += copy(buf[off:], before)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(after)))
	off += 4
	copy(buf[off:], after)
	return buf
}

// Decode parses a serialised record out of buf (exactly one record's
// bytes, as sized by its own total-length field).
func Decode(buf []byte) (Record, error) {
	if len(buf) < headerSize {
		return Record{}, dberr.New(dberr.UnixError, "log record truncated: %d bytes", len(buf))
	}
	r := Record{
		Type:    RecordType(buf[0]),
		LSN:     uint64(binary.LittleEndian.Uint32(buf[5:9])),
		TxnID:   uint64(binary.LittleEndian.Uint32(buf[9:13])),
		PrevLSN: uint64(binary.LittleEndian.Uint32(buf[13:17])),
	}
	payload := buf[headerSize:]
	switch r.Type {
	case RecordBegin, RecordCommit, RecordAbort:
		return r, nil
	case RecordInsert, RecordDelete:
		table, rid, data, err := decodeTableRIDBytes(payload)
		if err != nil {
			return Record{}, err
		}
		r.Table, r.RID, r.After = table, rid, data
		return r, nil
	case RecordUpdate:
		table, rid, before, after, err := decodeUpdatePayload(payload)
		if err != nil {
			return Record{}, err
		}
		r.Table, r.RID, r.Before, r.After = table, rid, before, after
		return r, nil
	default:
		return Record{}, dberr.New(dberr.UnixError, "unknown log record type %d", r.Type)
	}
}

func decodeTableRIDBytes(buf []byte) (string, types.RID, []byte, error) {
	if len(buf) < 2 {
		return "", types.RID{}, nil, dberr.New(dberr.UnixError, "truncated log payload")
	}
	nameLen := int(binary.LittleEndian.Uint16(buf))
	off := 2
	table := string(buf[off : off+nameLen])
	off += nameLen
	rid := types.RID{
		PageNo: int32(binary.LittleEndian.Uint32(buf[off:])),
		Slot:   int32(binary.LittleEndian.Uint32(buf[off+4:])),
	}
	off += 8
	dataLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	data := append([]byte(nil), buf[off:off+dataLen]...)
	return table, rid, data, nil
}

func decodeUpdatePayload(buf []byte) (string, types.RID, []byte, []byte, error) {
	if len(buf) < 2 {
		return "", types.RID{}, nil, nil, dberr.New(dberr.UnixError, "truncated log payload")
	}
	nameLen := int(binary.LittleEndian.Uint16(buf))
	off := 2
	table := string(buf[off : off+nameLen])
	off += nameLen
	rid := types.RID{
		PageNo: int32(binary.LittleEndian.Uint32(buf[off:])),
		Slot:   int32(binary.LittleEndian.Uint32(buf[off+4:])),
	}
	off += 8
	beforeLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	before := append([]byte(nil), buf[off:off+beforeLen]...)
	off += beforeLen
	afterLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	after := append([]byte(nil), buf[off:off+afterLen]...)
	return table, rid, before, after, nil
}

// Invert returns the compensation record that reverses r's effect:
// INSERT -> DELETE undo, DELETE -> INSERT undo, UPDATE -> inverse UPDATE. The returned record carries no LSN or
// PrevLSN; the caller assigns those via the log manager.
func (r Record) Invert() Record {
	switch r.Type {
	case RecordInsert:
		return Record{Type: RecordDelete, TxnID: r.TxnID, Table: r.Table, RID: r.RID, After: r.After}
	case RecordDelete:
		return Record{Type: RecordInsert, TxnID: r.TxnID, Table: r.Table, RID: r.RID, After: r.After}
	case RecordUpdate:
		return Record{Type: RecordUpdate, TxnID: r.TxnID, Table: r.Table, RID: r.RID, Before: r.After, After: r.Before}
	default:
		return r
	}
}
