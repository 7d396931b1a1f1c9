package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberdb/internal/storage/buffer"
	"emberdb/internal/storage/disk"
	"emberdb/internal/types"
)

const testPageSize = 256

type noopFlusher struct{}

func (noopFlusher) ForceFlush(uint64) error { return nil }

func newTestCatalog(t *testing.T) (*Catalog, string) {
	t.Helper()
	dir := t.TempDir()
	dm := disk.NewManager(testPageSize)
	pool := buffer.NewPool(dm, noopFlusher{}, 64, testPageSize)
	c, err := New(dir, "testdb", dm, pool, testPageSize)
	require.NoError(t, err)
	return c, dir
}

func ordersColumns() []types.Column {
	return []types.Column{
		{Name: "id", Kind: types.KindInt},
		{Name: "amount", Kind: types.KindBigInt},
		{Name: "note", Kind: types.KindChar, Length: 16},
	}
}

func TestCreateTablePersistsAcrossReopen(t *testing.T) {
	c, dir := newTestCatalog(t)
	require.NoError(t, c.CreateTable("orders", ordersColumns()))
	require.NoError(t, c.CreateIndex("orders", []string{"id"}))

	dm2 := disk.NewManager(testPageSize)
	pool2 := buffer.NewPool(dm2, noopFlusher{}, 64, testPageSize)
	reopened, err := Open(dir, dm2, pool2, testPageSize)
	require.NoError(t, err)

	th, err := reopened.Table("orders")
	require.NoError(t, err)
	assert.Len(t, th.Meta.Columns, 3)
	assert.True(t, th.Meta.Columns[0].Indexed)
	assert.Contains(t, th.Indexes, "orders_id")
}

func TestCreateTableDuplicateRejected(t *testing.T) {
	c, _ := newTestCatalog(t)
	require.NoError(t, c.CreateTable("orders", ordersColumns()))
	err := c.CreateTable("orders", ordersColumns())
	require.Error(t, err)
}

func TestDropTableRemovesFiles(t *testing.T) {
	c, dir := newTestCatalog(t)
	require.NoError(t, c.CreateTable("orders", ordersColumns()))
	require.NoError(t, c.DropTable("orders"))

	_, err := c.Table("orders")
	require.Error(t, err)
	matches, statErr := filepath.Glob(filepath.Join(dir, "orders.heap"))
	require.NoError(t, statErr)
	require.Empty(t, matches)
}

func TestCreateIndexUnknownColumnRejected(t *testing.T) {
	c, _ := newTestCatalog(t)
	require.NoError(t, c.CreateTable("orders", ordersColumns()))
	err := c.CreateIndex("orders", []string{"missing"})
	require.Error(t, err)
}

func TestListTablesAndShowIndex(t *testing.T) {
	c, _ := newTestCatalog(t)
	require.NoError(t, c.CreateTable("orders", ordersColumns()))
	require.NoError(t, c.CreateTable("customers", ordersColumns()))
	require.NoError(t, c.CreateIndex("orders", []string{"id"}))

	assert.Equal(t, []string{"customers", "orders"}, c.ListTables())

	idx, err := c.ShowIndex("orders")
	require.NoError(t, err)
	require.Len(t, idx, 1)
	assert.Equal(t, "orders_id", idx[0].Name())
}

func TestResolveTableFD(t *testing.T) {
	c, _ := newTestCatalog(t)
	require.NoError(t, c.CreateTable("orders", ordersColumns()))
	th, err := c.Table("orders")
	require.NoError(t, err)

	fd, err := c.ResolveTableFD("orders")
	require.NoError(t, err)
	assert.Equal(t, th.FD, fd)
}
