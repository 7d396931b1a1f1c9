package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberdb/internal/dberr"
	"emberdb/internal/types"
)

func (e *testEnv) createPairs(t *testing.T, rows [][2]int32) {
	t.Helper()
	require.NoError(t, e.cat.CreateTable("pairs", []types.Column{
		{Name: "a", Kind: types.KindInt},
		{Name: "b", Kind: types.KindInt},
	}))
	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	for _, r := range rows {
		_, err := tx.Insert("pairs", []types.Value{types.NewInt(r[0]), types.NewInt(r[1])})
		require.NoError(t, err)
	}
	require.NoError(t, e.mgr.Commit(tx))
}

func TestSortMultiKeyWithTies(t *testing.T) {
	e := newTestEnv(t)
	e.createPairs(t, [][2]int32{{1, 2}, {1, 5}, {1, 2}, {2, 1}})

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	s := NewSort(NewSeqScan(tx, "pairs", nil), []SortKey{
		{Column: "a"},
		{Column: "b", Desc: true},
	})
	rows := drain(t, s)
	require.NoError(t, e.mgr.Commit(tx))

	got := make([][2]int32, len(rows))
	for i, row := range rows {
		got[i] = [2]int32{intOf(t, row, "a"), intOf(t, row, "b")}
	}
	assert.Equal(t, [][2]int32{{1, 5}, {1, 2}, {1, 2}, {2, 1}}, got)
}

func TestLimitCapsOutput(t *testing.T) {
	e := newTestEnv(t)
	e.createOrders(t)
	e.seedOrders(t, 10)

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	lim := NewLimit(NewSort(NewSeqScan(tx, "orders", nil), []SortKey{{Column: "id"}}), 3)
	rows := drain(t, lim)
	require.NoError(t, e.mgr.Commit(tx))

	require.Len(t, rows, 3)
	assert.Equal(t, int32(1), intOf(t, rows[0], "id"))
	assert.Equal(t, int32(3), intOf(t, rows[2], "id"))
}

func TestDistinctSuppressesDuplicates(t *testing.T) {
	e := newTestEnv(t)
	e.createPairs(t, [][2]int32{{1, 1}, {1, 1}, {2, 2}, {1, 1}, {2, 2}, {3, 3}})

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	d := NewDistinct(NewSeqScan(tx, "pairs", nil))
	rows := drain(t, d)
	require.NoError(t, e.mgr.Commit(tx))
	assert.Len(t, rows, 3)
}

func TestProjectionNarrowsSchema(t *testing.T) {
	e := newTestEnv(t)
	e.createOrders(t)
	e.seedOrders(t, 2)

	tx, err := e.mgr.Begin()
	require.NoError(t, err)
	p := NewProjection(NewSeqScan(tx, "orders", nil), []string{"note", "id"})
	rows := drain(t, p)
	require.NoError(t, e.mgr.Commit(tx))

	require.Len(t, rows, 2)
	require.Len(t, rows[0].Values, 2)
	assert.Equal(t, "note", rows[0].Schema.Columns[0].Name)
	assert.Equal(t, "id", rows[0].Schema.Columns[1].Name)
}

func TestAggregates(t *testing.T) {
	e := newTestEnv(t)
	e.createOrders(t)
	e.seedOrders(t, 5)

	tests := []struct {
		name string
		fn   AggFunc
		col  string
		want types.Value
	}{
		{"count", AggCount, "", types.NewInt(5)},
		{"sum", AggSum, "amount", types.NewBigInt(150)},
		{"min", AggMin, "id", types.NewInt(1)},
		{"max", AggMax, "id", types.NewInt(5)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tx, err := e.mgr.Begin()
			require.NoError(t, err)
			agg := NewAggregate(NewSeqScan(tx, "orders", nil), tc.fn, tc.col, "v")
			rows := drain(t, agg)
			require.NoError(t, e.mgr.Commit(tx))
			require.Len(t, rows, 1)
			assert.Equal(t, tc.want, rows[0].Values[0])
		})
	}
}

func TestAggregateEmptyInput(t *testing.T) {
	e := newTestEnv(t)
	e.createOrders(t)

	tx, err := e.mgr.Begin()
	require.NoError(t, err)

	count := NewAggregate(NewSeqScan(tx, "orders", nil), AggCount, "", "v")
	rows := drain(t, count)
	require.Len(t, rows, 1)
	assert.Equal(t, int32(0), rows[0].Values[0].AsInt)

	sum := NewAggregate(NewSeqScan(tx, "orders", nil), AggSum, "amount", "v")
	rows = drain(t, sum)
	require.Len(t, rows, 1)
	assert.Equal(t, int32(0), rows[0].Values[0].AsInt)

	min := NewAggregate(NewSeqScan(tx, "orders", nil), AggMin, "id", "v")
	err = min.Begin()
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.ColumnNotFound))

	require.NoError(t, e.mgr.Commit(tx))
}
