package exec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberdb/internal/catalog"
	"emberdb/internal/storage/buffer"
	"emberdb/internal/storage/disk"
	"emberdb/internal/txn/lock"
	"emberdb/internal/txn/manager"
	"emberdb/internal/types"
	"emberdb/internal/wal"
)

const testPageSize = 256

type testEnv struct {
	mgr *manager.Manager
	cat *catalog.Catalog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	dm := disk.NewManager(testPageSize)
	logFD, err := dm.CreateFile(filepath.Join(dir, "wal.log"))
	require.NoError(t, err)
	lm := wal.NewLogManager(dm, logFD, 1<<16, 1, 0)
	t.Cleanup(func() { lm.Close() })

	pool := buffer.NewPool(dm, lm, 128, testPageSize)
	cat, err := catalog.New(dir, "testdb", dm, pool, testPageSize)
	require.NoError(t, err)

	locks := lock.NewManager(200, time.Millisecond)
	return &testEnv{mgr: manager.NewManager(lm, locks, cat), cat: cat}
}

func (e *testEnv) createOrders(t *testing.T) {
	t.Helper()
	columns := []types.Column{
		{Name: "id", Kind: types.KindInt},
		{Name: "amount", Kind: types.KindBigInt},
		{Name: "note", Kind: types.KindChar, Length: 16},
	}
	require.NoError(t, e.cat.CreateTable("orders", columns))
	require.NoError(t, e.cat.CreateIndex("orders", []string{"id"}))
}

func orderValues(id int32, amount int64, note string) []types.Value {
	return []types.Value{types.NewInt(id), types.NewBigInt(amount), types.NewChar(note)}
}

func (e *testEnv) seedOrders(t *testing.T, n int) {
	t.Helper()
	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		_, err := tx.Insert("orders", orderValues(int32(i), int64(i)*10, "row"))
		require.NoError(t, err)
	}
	require.NoError(t, e.mgr.Commit(tx))
}

// drain pulls every tuple out of op, beginning and closing it.
func drain(t *testing.T, op Operator) []types.Row {
	t.Helper()
	require.NoError(t, op.Begin())
	var rows []types.Row
	for !op.IsEnd() {
		row, err := op.Current()
		require.NoError(t, err)
		rows = append(rows, row)
		require.NoError(t, op.Next())
	}
	require.NoError(t, op.Close())
	return rows
}

func intOf(t *testing.T, row types.Row, col string) int32 {
	t.Helper()
	v, err := row.Get(col)
	require.NoError(t, err)
	return v.AsInt
}

func TestSeqScanAppliesPredicates(t *testing.T) {
	e := newTestEnv(t)
	e.createOrders(t)
	e.seedOrders(t, 10)

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	scan := NewSeqScan(tx, "orders", []Predicate{
		{Column: "id", Op: OpGt, Value: types.NewInt(3)},
		{Column: "id", Op: OpLe, Value: types.NewInt(7)},
	})
	rows := drain(t, scan)
	require.NoError(t, e.mgr.Commit(tx))

	require.Len(t, rows, 4)
	for _, row := range rows {
		id := intOf(t, row, "id")
		assert.Greater(t, id, int32(3))
		assert.LessOrEqual(t, id, int32(7))
	}
}

func TestIndexScanRangeSortedAndResidual(t *testing.T) {
	e := newTestEnv(t)
	e.createOrders(t)
	e.seedOrders(t, 50)

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	scan := NewIndexScan(tx, "orders", []string{"id"}, []Predicate{
		{Column: "id", Op: OpGe, Value: types.NewInt(10)},
		{Column: "id", Op: OpLe, Value: types.NewInt(20)},
		{Column: "amount", Op: OpNe, Value: types.NewBigInt(150)},
	})
	rows := drain(t, scan)
	require.NoError(t, e.mgr.Commit(tx))

	// 10..20 minus the residual-filtered id=15.
	require.Len(t, rows, 10)
	prev := int32(0)
	for _, row := range rows {
		id := intOf(t, row, "id")
		assert.Greater(t, id, prev)
		assert.NotEqual(t, int32(15), id)
		prev = id
	}
}

func TestIndexScanEqualityPoint(t *testing.T) {
	e := newTestEnv(t)
	e.createOrders(t)
	e.seedOrders(t, 30)

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	scan := NewIndexScan(tx, "orders", []string{"id"}, []Predicate{
		{Column: "id", Op: OpEq, Value: types.NewInt(17)},
	})
	rows := drain(t, scan)
	require.NoError(t, e.mgr.Commit(tx))

	require.Len(t, rows, 1)
	assert.Equal(t, int32(17), intOf(t, rows[0], "id"))
}

func TestInsertDuplicateKeyIsUserVisibleFailure(t *testing.T) {
	e := newTestEnv(t)
	e.createOrders(t)

	tx, err := e.mgr.Begin()
	require.NoError(t, err)

	first := NewInsert(tx, "orders", orderValues(5, 50, "first"))
	require.NoError(t, first.Begin())
	assert.False(t, first.Failed())

	second := NewInsert(tx, "orders", orderValues(5, 99, "second"))
	require.NoError(t, second.Begin())
	assert.True(t, second.Failed())

	count := NewAggregate(NewSeqScan(tx, "orders", nil), AggCount, "", "cnt")
	rows := drain(t, count)
	require.NoError(t, e.mgr.Commit(tx))

	require.Len(t, rows, 1)
	assert.Equal(t, int32(1), rows[0].Values[0].AsInt)
}

func TestDeleteRemovesMatchingRows(t *testing.T) {
	e := newTestEnv(t)
	e.createOrders(t)
	e.seedOrders(t, 10)

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	del := NewDelete(tx, "orders", NewSeqScan(tx, "orders", []Predicate{
		{Column: "id", Op: OpLe, Value: types.NewInt(4)},
	}))
	require.NoError(t, del.Begin())
	assert.Equal(t, 4, del.Count())
	require.NoError(t, e.mgr.Commit(tx))

	tx2, err := e.mgr.Begin()
	require.NoError(t, err)
	rows := drain(t, NewSeqScan(tx2, "orders", nil))
	require.NoError(t, e.mgr.Commit(tx2))
	require.Len(t, rows, 6)
	for _, row := range rows {
		assert.Greater(t, intOf(t, row, "id"), int32(4))
	}
}

func TestUpdateAssignAndIncrement(t *testing.T) {
	e := newTestEnv(t)
	e.createOrders(t)
	e.seedOrders(t, 3)

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	up := NewUpdate(tx, "orders", []SetClause{
		{Column: "amount", Add: true, Value: types.NewBigInt(5)},
		{Column: "note", Value: types.NewChar("bumped")},
	}, NewSeqScan(tx, "orders", []Predicate{
		{Column: "id", Op: OpEq, Value: types.NewInt(2)},
	}))
	require.NoError(t, up.Begin())
	assert.False(t, up.Failed())
	assert.Equal(t, 1, up.Count())
	require.NoError(t, e.mgr.Commit(tx))

	tx2, err := e.mgr.Begin()
	require.NoError(t, err)
	rows := drain(t, NewSeqScan(tx2, "orders", []Predicate{
		{Column: "id", Op: OpEq, Value: types.NewInt(2)},
	}))
	require.NoError(t, e.mgr.Commit(tx2))

	require.Len(t, rows, 1)
	amount, err := rows[0].Get("amount")
	require.NoError(t, err)
	assert.Equal(t, int64(25), amount.AsBigInt)
	note, err := rows[0].Get("note")
	require.NoError(t, err)
	assert.Equal(t, "bumped", note.AsChar)
}

func TestUpdateDuplicateKeyIsUserVisibleFailure(t *testing.T) {
	e := newTestEnv(t)
	e.createOrders(t)
	e.seedOrders(t, 2)

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	up := NewUpdate(tx, "orders", []SetClause{
		{Column: "id", Value: types.NewInt(1)},
	}, NewSeqScan(tx, "orders", []Predicate{
		{Column: "id", Op: OpEq, Value: types.NewInt(2)},
	}))
	require.NoError(t, up.Begin())
	assert.True(t, up.Failed())
	require.NoError(t, e.mgr.Commit(tx))
}

// Shifting every key by one moves each row onto the key its neighbour
// just vacated; the batch removes all old entries first, so this is not a
// conflict.
func TestUpdateShiftsKeysThroughBatch(t *testing.T) {
	e := newTestEnv(t)
	e.createOrders(t)
	e.seedOrders(t, 5)

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	up := NewUpdate(tx, "orders", []SetClause{
		{Column: "id", Add: true, Value: types.NewInt(1)},
	}, NewSeqScan(tx, "orders", nil))
	require.NoError(t, up.Begin())
	assert.False(t, up.Failed())
	assert.Equal(t, 5, up.Count())
	require.NoError(t, e.mgr.Commit(tx))

	tx2, err := e.mgr.Begin()
	require.NoError(t, err)
	rows := drain(t, NewIndexScan(tx2, "orders", []string{"id"}, nil))
	require.NoError(t, e.mgr.Commit(tx2))
	require.Len(t, rows, 5)
	for i, row := range rows {
		assert.Equal(t, int32(i+2), intOf(t, row, "id"))
	}
}

// A conflict anywhere in the matched set leaves every row and index entry
// untouched, not just the rows after the collision.
func TestUpdateBatchConflictLeavesNothingApplied(t *testing.T) {
	e := newTestEnv(t)
	e.createOrders(t)
	e.seedOrders(t, 5)

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	up := NewUpdate(tx, "orders", []SetClause{
		{Column: "id", Value: types.NewInt(100)},
		{Column: "note", Value: types.NewChar("clobbered")},
	}, NewSeqScan(tx, "orders", []Predicate{
		{Column: "id", Op: OpLe, Value: types.NewInt(3)},
	}))
	require.NoError(t, up.Begin())
	assert.True(t, up.Failed())
	assert.Equal(t, 0, up.Count())
	require.NoError(t, e.mgr.Commit(tx))

	tx2, err := e.mgr.Begin()
	require.NoError(t, err)
	rows := drain(t, NewIndexScan(tx2, "orders", []string{"id"}, nil))
	require.NoError(t, e.mgr.Commit(tx2))
	require.Len(t, rows, 5)
	for i, row := range rows {
		assert.Equal(t, int32(i+1), intOf(t, row, "id"))
		note, err := rows[i].Get("note")
		require.NoError(t, err)
		assert.Equal(t, "row", note.AsChar)
	}
}

func TestLoadStreamsCSVThroughBulkPath(t *testing.T) {
	e := newTestEnv(t)
	e.createOrders(t)

	path := filepath.Join(t.TempDir(), "orders.csv")
	csv := "id,amount,note\n1,10,alpha\n2,20,beta\n3,30,gamma\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	load := NewLoad(tx, "orders", path, 8)
	require.NoError(t, load.Begin())
	assert.False(t, load.Failed())
	assert.Equal(t, 3, load.Count())
	require.NoError(t, e.mgr.Commit(tx))

	tx2, err := e.mgr.Begin()
	require.NoError(t, err)
	rows := drain(t, NewIndexScan(tx2, "orders", []string{"id"}, nil))
	require.NoError(t, e.mgr.Commit(tx2))

	require.Len(t, rows, 3)
	note, err := rows[1].Get("note")
	require.NoError(t, err)
	assert.Equal(t, "beta", note.AsChar)
}

func TestLoadRejectsShortRow(t *testing.T) {
	e := newTestEnv(t)
	e.createOrders(t)

	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,amount,note\n1,10\n"), 0o644))

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	load := NewLoad(tx, "orders", path, 8)
	err = load.Begin()
	require.Error(t, err)
	require.NoError(t, e.mgr.Abort(tx))
}
