package manager

import (
	"emberdb/internal/catalog"
	"emberdb/internal/dberr"
	"emberdb/internal/storage/heap"
	"emberdb/internal/storage/index"
	"emberdb/internal/txn/lock"
	"emberdb/internal/types"
	"emberdb/internal/wal"
)

// BulkInserter is the LOAD path: it holds an exclusive table lock instead
// of per-row locks, append-streams records through the heap's fill-page
// loader, and piggybacks index inserts on the bulk-load leaf cache. Close
// rewrites the heap header once and releases every cached index pin.
type BulkInserter struct {
	t      *Transaction
	th     *catalog.TableHandle
	loader *heap.Loader
	bulks  map[string]*index.BulkLoader
}

// NewBulkInserter acquires X on table and prepares the bulk heap and index
// paths. indexPageCache is the pinned-leaf cache threshold per index.
func (t *Transaction) NewBulkInserter(table string, indexPageCache int) (*BulkInserter, error) {
	th, err := t.mgr.cat.Table(table)
	if err != nil {
		return nil, err
	}
	if err := t.mgr.locks.Acquire(t.id, lock.DataID{FD: th.FD, Kind: lock.KindTable}, lock.X); err != nil {
		return nil, err
	}
	loader, err := th.Heap.NewLoader()
	if err != nil {
		return nil, err
	}
	bulks := make(map[string]*index.BulkLoader, len(th.Indexes))
	for name, ih := range th.Indexes {
		bulks[name] = ih.Mgr.NewBulkLoader(indexPageCache)
	}
	return &BulkInserter{t: t, th: th, loader: loader, bulks: bulks}, nil
}

// Insert validates and appends one row, maintaining every index through
// its bulk loader and logging an INSERT record. A unique-index collision
// returns a DuplicateKey error with nothing written.
func (b *BulkInserter) Insert(values []types.Value) (types.RID, error) {
	row, err := types.NewRow(b.th.Schema(), values)
	if err != nil {
		return types.RID{}, err
	}
	keys := make(map[string]index.Key, len(b.th.Indexes))
	for name, ih := range b.th.Indexes {
		vals, err := indexValues(ih, row)
		if err != nil {
			return types.RID{}, err
		}
		key, err := ih.Mgr.EncodeKey(vals)
		if err != nil {
			return types.RID{}, err
		}
		existing, err := ih.Mgr.GetValue(key)
		if err != nil {
			return types.RID{}, err
		}
		if len(existing) > 0 {
			return types.RID{}, dberr.New(dberr.DuplicateKey, "duplicate key for index %s", ih.Meta.Name())
		}
		keys[name] = key
	}

	record := make([]byte, b.th.Schema().RecordWidth())
	if err := row.Encode(record); err != nil {
		return types.RID{}, err
	}
	rid, err := b.loader.Append(record)
	if err != nil {
		return types.RID{}, err
	}
	for name, key := range keys {
		if _, err := b.bulks[name].Insert(key, rid); err != nil {
			return types.RID{}, err
		}
	}
	lsn, err := b.t.appendLog(wal.Record{Type: wal.RecordInsert, Table: b.th.Meta.Name, RID: rid, After: record})
	if err != nil {
		return types.RID{}, err
	}
	if err := b.th.Heap.StampPageLSN(rid.PageNo, lsn); err != nil {
		return types.RID{}, err
	}
	return rid, nil
}

// Close releases the fill-page pin, rewrites the heap header, and drops
// every cached index pin. Must run on error paths too, or the pool leaks
// pins.
func (b *BulkInserter) Close() error {
	var first error
	if err := b.loader.Close(); err != nil {
		first = err
	}
	for _, bl := range b.bulks {
		if err := bl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
