package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberdb/internal/types"
)

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Record{
		{Type: RecordBegin, TxnID: 1},
		{Type: RecordCommit, TxnID: 1},
		{Type: RecordAbort, TxnID: 1},
		{Type: RecordInsert, TxnID: 2, Table: "t", RID: types.RID{PageNo: 3, Slot: 4}, After: []byte("row-bytes")},
		{Type: RecordDelete, TxnID: 2, Table: "t", RID: types.RID{PageNo: 3, Slot: 4}, After: []byte("row-bytes")},
		{Type: RecordUpdate, TxnID: 2, Table: "t", RID: types.RID{PageNo: 3, Slot: 4}, Before: []byte("old"), After: []byte("new-value")},
	}
	for _, rec := range cases {
		rec.LSN = 42
		rec.PrevLSN = 7
		buf := rec.Encode()
		got, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, rec.Type, got.Type)
		assert.Equal(t, rec.TxnID, got.TxnID)
		assert.Equal(t, rec.LSN, got.LSN)
		assert.Equal(t, rec.PrevLSN, got.PrevLSN)
		assert.Equal(t, rec.Table, got.Table)
		assert.Equal(t, rec.RID, got.RID)
		assert.Equal(t, rec.Before, got.Before)
		assert.Equal(t, rec.After, got.After)
	}
}

func TestInvert(t *testing.T) {
	ins := Record{Type: RecordInsert, Table: "t", RID: types.RID{PageNo: 1}, After: []byte("a")}
	assert.Equal(t, RecordDelete, ins.Invert().Type)

	del := Record{Type: RecordDelete, Table: "t", RID: types.RID{PageNo: 1}, After: []byte("a")}
	assert.Equal(t, RecordInsert, del.Invert().Type)

	upd := Record{Type: RecordUpdate, Table: "t", RID: types.RID{PageNo: 1}, Before: []byte("a"), After: []byte("b")}
	inv := upd.Invert()
	assert.Equal(t, RecordUpdate, inv.Type)
	assert.Equal(t, []byte("b"), inv.Before)
	assert.Equal(t, []byte("a"), inv.After)
}
