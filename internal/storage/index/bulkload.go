package index

import (
	"emberdb/internal/storage/buffer"
	"emberdb/internal/types"
)

// BulkLoader is the LOAD bulk path: it speeds monotonic inserts with a
// cache of extra pins on recently touched leaf pages, keyed by
// page-number. The caller's exclusive table lock eliminates concurrent
// readers; pins are released in one batch when the cache exceeds its
// threshold, and always on Close, including error paths.
type BulkLoader struct {
	m         *Manager
	cacheSize int
	cached    map[int32]struct{}
}

// NewBulkLoader wraps m for a bulk load with the given pinned-leaf cache
// threshold (the configured load index page cache size).
func (m *Manager) NewBulkLoader(cacheSize int) *BulkLoader {
	if cacheSize < 1 {
		cacheSize = 1
	}
	return &BulkLoader{m: m, cacheSize: cacheSize, cached: make(map[int32]struct{})}
}

// Insert inserts (key, rid) through the ordinary split-cascading path and
// keeps the destination leaf pinned for the runs of adjacent keys a
// monotonic load produces. Duplicate keys report DuplicateLeaf, exactly as
// InsertEntry does.
func (b *BulkLoader) Insert(key Key, rid types.RID) (int32, error) {
	leaf, err := b.m.InsertEntry(key, rid)
	if err != nil || leaf == DuplicateLeaf {
		return leaf, err
	}
	if _, ok := b.cached[leaf]; !ok {
		if _, err := b.m.pool.FetchPage(buffer.PageID{FD: b.m.fd, PageNo: leaf}); err != nil {
			return 0, err
		}
		b.cached[leaf] = struct{}{}
		if len(b.cached) > b.cacheSize {
			if err := b.release(); err != nil {
				return 0, err
			}
		}
	}
	return leaf, nil
}

func (b *BulkLoader) release() error {
	for pn := range b.cached {
		if err := b.m.pool.UnpinPage(buffer.PageID{FD: b.m.fd, PageNo: pn}, false); err != nil {
			return err
		}
		delete(b.cached, pn)
	}
	return nil
}

// Close drops every cached pin. Safe to call more than once.
func (b *BulkLoader) Close() error {
	return b.release()
}
