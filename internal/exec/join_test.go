package exec

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberdb/internal/types"
)

func (e *testEnv) createJoinTables(t *testing.T) {
	t.Helper()
	require.NoError(t, e.cat.CreateTable("items", []types.Column{
		{Name: "item_id", Kind: types.KindInt},
		{Name: "price", Kind: types.KindInt},
	}))
	require.NoError(t, e.cat.CreateTable("sales", []types.Column{
		{Name: "sale_id", Kind: types.KindInt},
		{Name: "item_ref", Kind: types.KindInt},
	}))
}

func (e *testEnv) seedJoinTables(t *testing.T) {
	t.Helper()
	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	for i := 1; i <= 8; i++ {
		_, err := tx.Insert("items", []types.Value{types.NewInt(int32(i)), types.NewInt(int32(i) * 100)})
		require.NoError(t, err)
	}
	// Two sales per item for half the items, none for the rest.
	saleID := int32(1)
	for i := 1; i <= 4; i++ {
		for k := 0; k < 2; k++ {
			_, err := tx.Insert("sales", []types.Value{types.NewInt(saleID), types.NewInt(int32(i))})
			require.NoError(t, err)
			saleID++
		}
	}
	require.NoError(t, e.mgr.Commit(tx))
}

// joinSignature reduces a joined row to a comparable tuple for multiset
// equality checks.
func joinSignature(t *testing.T, rows []types.Row) [][2]int32 {
	t.Helper()
	out := make([][2]int32, len(rows))
	for i, row := range rows {
		out[i] = [2]int32{intOf(t, row, "item_id"), intOf(t, row, "sale_id")}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a][0] != out[b][0] {
			return out[a][0] < out[b][0]
		}
		return out[a][1] < out[b][1]
	})
	return out
}

func TestNestedLoopJoinEquiJoin(t *testing.T) {
	e := newTestEnv(t)
	e.createJoinTables(t)
	e.seedJoinTables(t)

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	join := NewNestedLoopJoin(
		NewSeqScan(tx, "items", nil),
		NewSeqScan(tx, "sales", nil),
		[]Predicate{{Column: "item_id", Op: OpEq, RightColumn: "item_ref"}},
		testPageSize,
	)
	rows := drain(t, join)
	require.NoError(t, e.mgr.Commit(tx))

	require.Len(t, rows, 8)
	for _, row := range rows {
		assert.Equal(t, intOf(t, row, "item_id"), intOf(t, row, "item_ref"))
	}
}

func TestHashJoinMatchesNestedLoop(t *testing.T) {
	e := newTestEnv(t)
	e.createJoinTables(t)
	e.seedJoinTables(t)

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	preds := []Predicate{{Column: "item_id", Op: OpEq, RightColumn: "item_ref"}}

	nlj := NewNestedLoopJoin(NewSeqScan(tx, "items", nil), NewSeqScan(tx, "sales", nil), preds, testPageSize)
	nljRows := drain(t, nlj)

	hj := NewHashJoin(NewSeqScan(tx, "items", nil), NewSeqScan(tx, "sales", nil), preds, testPageSize)
	hjRows := drain(t, hj)
	require.NoError(t, e.mgr.Commit(tx))

	assert.Equal(t, joinSignature(t, nljRows), joinSignature(t, hjRows))
}

func TestNestedLoopJoinInequalityPredicate(t *testing.T) {
	e := newTestEnv(t)
	e.createJoinTables(t)
	e.seedJoinTables(t)

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	join := NewNestedLoopJoin(
		NewSeqScan(tx, "items", []Predicate{{Column: "item_id", Op: OpLe, Value: types.NewInt(2)}}),
		NewSeqScan(tx, "sales", nil),
		[]Predicate{{Column: "item_id", Op: OpLt, RightColumn: "item_ref"}},
		testPageSize,
	)
	rows := drain(t, join)
	require.NoError(t, e.mgr.Commit(tx))

	// item 1 pairs with sales referencing items 2..4 (6 rows), item 2 with
	// sales referencing 3..4 (4 rows).
	require.Len(t, rows, 10)
	for _, row := range rows {
		assert.Less(t, intOf(t, row, "item_id"), intOf(t, row, "item_ref"))
	}
}

func TestHashJoinWidensBigIntKeys(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.cat.CreateTable("lhs", []types.Column{
		{Name: "k", Kind: types.KindInt},
	}))
	require.NoError(t, e.cat.CreateTable("rhs", []types.Column{
		{Name: "kk", Kind: types.KindBigInt},
	}))
	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := tx.Insert("lhs", []types.Value{types.NewInt(int32(i))})
		require.NoError(t, err)
		_, err = tx.Insert("rhs", []types.Value{types.NewBigInt(int64(i))})
		require.NoError(t, err)
	}
	join := NewHashJoin(
		NewSeqScan(tx, "lhs", nil),
		NewSeqScan(tx, "rhs", nil),
		[]Predicate{{Column: "k", Op: OpEq, RightColumn: "kk"}},
		testPageSize,
	)
	rows := drain(t, join)
	require.NoError(t, e.mgr.Commit(tx))
	assert.Len(t, rows, 3)
}
