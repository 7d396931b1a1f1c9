package manager

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberdb/internal/catalog"
	"emberdb/internal/dberr"
	"emberdb/internal/storage/buffer"
	"emberdb/internal/storage/disk"
	"emberdb/internal/txn/lock"
	"emberdb/internal/types"
	"emberdb/internal/wal"
)

const testPageSize = 256

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	dm := disk.NewManager(testPageSize)
	logFD, err := dm.CreateFile(filepath.Join(dir, "wal.log"))
	require.NoError(t, err)
	lm := wal.NewLogManager(dm, logFD, 4096, 1, 0)
	t.Cleanup(func() { lm.Close() })

	pool := buffer.NewPool(dm, lm, 64, testPageSize)
	cat, err := catalog.New(dir, "testdb", dm, pool, testPageSize)
	require.NoError(t, err)

	columns := []types.Column{
		{Name: "id", Kind: types.KindInt},
		{Name: "amount", Kind: types.KindBigInt},
		{Name: "note", Kind: types.KindChar, Length: 16},
	}
	require.NoError(t, cat.CreateTable("orders", columns))
	require.NoError(t, cat.CreateIndex("orders", []string{"id"}))

	locks := lock.NewManager(20, time.Millisecond)
	return NewManager(lm, locks, cat)
}

func orderValues(id int32, amount int64, note string) []types.Value {
	return []types.Value{types.NewInt(id), types.NewBigInt(amount), types.NewChar(note)}
}

func TestInsertCommitVisible(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin()
	require.NoError(t, err)

	rid, err := tx.Insert("orders", orderValues(1, 100, "first"))
	require.NoError(t, err)
	require.NoError(t, m.Commit(tx))

	tx2, err := m.Begin()
	require.NoError(t, err)
	row, err := tx2.Get("orders", rid)
	require.NoError(t, err)
	v, err := row.Get("note")
	require.NoError(t, err)
	assert.Equal(t, "first", v.AsChar)
	require.NoError(t, m.Commit(tx2))
}

func TestInsertDuplicateIndexKeyRejected(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin()
	require.NoError(t, err)
	_, err = tx.Insert("orders", orderValues(1, 100, "a"))
	require.NoError(t, err)
	_, err = tx.Insert("orders", orderValues(1, 200, "b"))
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.DuplicateKey))
	require.NoError(t, m.Commit(tx))
}

func TestAbortUndoesInsert(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin()
	require.NoError(t, err)
	rid, err := tx.Insert("orders", orderValues(5, 500, "undo-me"))
	require.NoError(t, err)
	require.NoError(t, m.Abort(tx))

	th, err := m.cat.Table("orders")
	require.NoError(t, err)
	_, err = th.Heap.Get(rid)
	require.Error(t, err)

	ih := th.Indexes["orders_id"]
	key, err := ih.Mgr.EncodeKey([]types.Value{types.NewInt(5)})
	require.NoError(t, err)
	rids, err := ih.Mgr.GetValue(key)
	require.NoError(t, err)
	assert.Empty(t, rids)
}

func TestDeleteThenAbortRestoresRow(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin()
	require.NoError(t, err)
	rid, err := tx.Insert("orders", orderValues(7, 700, "keep"))
	require.NoError(t, err)
	require.NoError(t, m.Commit(tx))

	tx2, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, tx2.Delete("orders", rid))
	require.NoError(t, m.Abort(tx2))

	tx3, err := m.Begin()
	require.NoError(t, err)
	row, err := tx3.Get("orders", rid)
	require.NoError(t, err)
	v, err := row.Get("note")
	require.NoError(t, err)
	assert.Equal(t, "keep", v.AsChar)
	require.NoError(t, m.Commit(tx3))
}

func TestUpdateChangesIndexedKey(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin()
	require.NoError(t, err)
	rid, err := tx.Insert("orders", orderValues(10, 1000, "v1"))
	require.NoError(t, err)
	require.NoError(t, m.Commit(tx))

	tx2, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, tx2.Update("orders", rid, orderValues(11, 1000, "v2")))
	require.NoError(t, m.Commit(tx2))

	th, err := m.cat.Table("orders")
	require.NoError(t, err)
	ih := th.Indexes["orders_id"]

	oldKey, err := ih.Mgr.EncodeKey([]types.Value{types.NewInt(10)})
	require.NoError(t, err)
	rids, err := ih.Mgr.GetValue(oldKey)
	require.NoError(t, err)
	assert.Empty(t, rids)

	newKey, err := ih.Mgr.EncodeKey([]types.Value{types.NewInt(11)})
	require.NoError(t, err)
	rids, err = ih.Mgr.GetValue(newKey)
	require.NoError(t, err)
	assert.Equal(t, []types.RID{rid}, rids)
}

func TestUpdateAbortRestoresOldImage(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin()
	require.NoError(t, err)
	rid, err := tx.Insert("orders", orderValues(20, 2000, "before"))
	require.NoError(t, err)
	require.NoError(t, m.Commit(tx))

	tx2, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, tx2.Update("orders", rid, orderValues(21, 2000, "after")))
	require.NoError(t, m.Abort(tx2))

	tx3, err := m.Begin()
	require.NoError(t, err)
	row, err := tx3.Get("orders", rid)
	require.NoError(t, err)
	idv, err := row.Get("id")
	require.NoError(t, err)
	assert.Equal(t, int32(20), idv.AsInt)
	require.NoError(t, m.Commit(tx3))

	th, err := m.cat.Table("orders")
	require.NoError(t, err)
	ih := th.Indexes["orders_id"]
	newKey, err := ih.Mgr.EncodeKey([]types.Value{types.NewInt(21)})
	require.NoError(t, err)
	rids, err := ih.Mgr.GetValue(newKey)
	require.NoError(t, err)
	assert.Empty(t, rids)
}
