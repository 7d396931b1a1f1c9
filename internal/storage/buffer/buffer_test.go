package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberdb/internal/dberr"
	"emberdb/internal/storage/disk"
)

const testPageSize = 64

type noopFlusher struct{}

func (noopFlusher) ForceFlush(uint64) error { return nil }

func newTestPool(t *testing.T, numFrames int) (*Pool, *disk.Manager, disk.FD) {
	t.Helper()
	dm := disk.NewManager(testPageSize)
	fd, err := dm.CreateFile(filepath.Join(t.TempDir(), "t.heap"))
	require.NoError(t, err)
	return NewPool(dm, noopFlusher{}, numFrames, testPageSize), dm, fd
}

func TestNewPageThenFetchReturnsSameBytes(t *testing.T) {
	pool, _, fd := newTestPool(t, 4)
	idx, pn, err := pool.NewPage(fd)
	require.NoError(t, err)
	copy(pool.Page(idx), []byte("payload"))
	require.NoError(t, pool.UnpinPage(PageID{FD: fd, PageNo: pn}, true))

	idx2, err := pool.FetchPage(PageID{FD: fd, PageNo: pn})
	require.NoError(t, err)
	assert.Equal(t, byte('p'), pool.Page(idx2)[0])
}

func TestEvictionFlushesDirtyPage(t *testing.T) {
	pool, dm, fd := newTestPool(t, 1)
	idx, pn, err := pool.NewPage(fd)
	require.NoError(t, err)
	copy(pool.Page(idx), []byte("dirty-data"))
	require.NoError(t, pool.UnpinPage(PageID{FD: fd, PageNo: pn}, true))

	// Forces eviction of the only frame since the pool has capacity 1.
	_, pn2, err := pool.NewPage(fd)
	require.NoError(t, err)
	require.NoError(t, pool.UnpinPage(PageID{FD: fd, PageNo: pn2}, false))

	raw := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(fd, pn, raw))
	assert.Equal(t, byte('d'), raw[0])
	assert.Equal(t, uint64(1), pool.Stats().Evictions)
}

func TestPageLSNSurvivesEvictionAndRefetch(t *testing.T) {
	pool, _, fd := newTestPool(t, 1)
	idx, pn, err := pool.NewPage(fd)
	require.NoError(t, err)
	pool.SetPageLSN(idx, 42)
	require.NoError(t, pool.UnpinPage(PageID{FD: fd, PageNo: pn}, true))

	// Evict, then reload from disk: the trailer carries the LSN back.
	_, pn2, err := pool.NewPage(fd)
	require.NoError(t, err)
	require.NoError(t, pool.UnpinPage(PageID{FD: fd, PageNo: pn2}, false))

	idx2, err := pool.FetchPage(PageID{FD: fd, PageNo: pn})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), pool.PageLSN(idx2))
}

func TestNewPageFailsWhenPoolFullAndAllPinned(t *testing.T) {
	pool, _, fd := newTestPool(t, 1)
	_, _, err := pool.NewPage(fd)
	require.NoError(t, err)

	_, _, err = pool.NewPage(fd)
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.BufferpoolFull))
}

func TestUnpinDecrementsPinCount(t *testing.T) {
	pool, _, fd := newTestPool(t, 2)
	idx, pn, err := pool.NewPage(fd)
	require.NoError(t, err)
	_ = idx
	id := PageID{FD: fd, PageNo: pn}
	require.NoError(t, pool.UnpinPage(id, false))

	err = pool.UnpinPage(id, false)
	require.Error(t, err)
}

func TestDeletePageFailsWhilePinned(t *testing.T) {
	pool, _, fd := newTestPool(t, 2)
	_, pn, err := pool.NewPage(fd)
	require.NoError(t, err)
	id := PageID{FD: fd, PageNo: pn}

	err = pool.DeletePage(id)
	require.Error(t, err)

	require.NoError(t, pool.UnpinPage(id, false))
	require.NoError(t, pool.DeletePage(id))
}
