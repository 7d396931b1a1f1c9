package wal

import (
	"container/heap"
	"sync/atomic"

	"emberdb/internal/dberr"
	"emberdb/internal/storage/buffer"
	"emberdb/internal/storage/disk"
)

// TableResolver maps a log record's table name to the heap file handle it
// was logged against. Implemented by the catalog.
type TableResolver interface {
	ResolveTableFD(table string) (disk.FD, error)
}

// PageApplier mutates heap page bytes in place to reflect a log record's
// effect, without needing to know the log format. Implemented by the
// catalog, which dispatches on the table name to that table's heap layout,
// so wal never depends on heap's slot/bitmap geometry.
type PageApplier interface {
	ApplyPut(table string, page []byte, slot int32, record []byte) error
	ApplyClear(table string, page []byte, slot int32) error
}

// recordLoc remembers where a record's bytes live in the log file so undo
// can reread it.
type recordLoc struct {
	offset int64
	size   int64
}

// Recover performs redo-then-undo recovery over the log file fd and returns the set of transaction IDs that were rolled back.
// lm must already be constructed over fd with nextLSN/startOffset left at
// their post-construction defaults; Recover advances them past what it
// scans.
func Recover(lm *LogManager, dm *disk.Manager, fd disk.FD, pool *buffer.Pool, resolver TableResolver, applier PageApplier) ([]uint64, error) {
	size, err := dm.LogSize(fd)
	if err != nil {
		return nil, err
	}

	txnLastLSN := map[uint64]uint64{}
	active := map[uint64]bool{}
	locs := map[uint64]recordLoc{}
	var maxLSN uint64

	var offset int64
	for offset < size {
		rec, recSize, err := readRecordAt(dm, fd, offset)
		if err != nil {
			return nil, err
		}
		locs[rec.LSN] = recordLoc{offset: offset, size: recSize}
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		txnLastLSN[rec.TxnID] = rec.LSN

		switch rec.Type {
		case RecordBegin:
			active[rec.TxnID] = true
		case RecordCommit, RecordAbort:
			delete(active, rec.TxnID)
		case RecordInsert, RecordDelete, RecordUpdate:
			if err := redoApply(pool, resolver, applier, rec); err != nil {
				return nil, err
			}
		}
		offset += recSize
	}

	lm.mu.Lock()
	lm.nextLSN = maxLSN + 1
	lm.flushOff = size
	lm.mu.Unlock()
	if maxLSN > 0 {
		atomic.StoreUint64(&lm.persistent, maxLSN)
	}

	rolledBack, err := undoActive(lm, dm, fd, pool, resolver, applier, active, txnLastLSN, locs)
	if err != nil {
		return nil, err
	}
	return rolledBack, nil
}

func readRecordAt(dm *disk.Manager, fd disk.FD, offset int64) (Record, int64, error) {
	header := make([]byte, headerSize)
	if err := dm.ReadLog(fd, header, offset); err != nil {
		return Record{}, 0, err
	}
	total := int64(leUint32(header[1:5]))
	if total < headerSize {
		return Record{}, 0, dberr.New(dberr.UnixError, "corrupt log record at offset %d", offset)
	}
	buf := make([]byte, total)
	if err := dm.ReadLog(fd, buf, offset); err != nil {
		return Record{}, 0, err
	}
	rec, err := Decode(buf)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, total, nil
}

// redoApply re-applies rec's after-image if the target page's page-LSN
// has not already absorbed it.
func redoApply(pool *buffer.Pool, resolver TableResolver, applier PageApplier, rec Record) error {
	fd, err := resolver.ResolveTableFD(rec.Table)
	if err != nil {
		return err
	}
	id := buffer.PageID{FD: fd, PageNo: rec.RID.PageNo}
	idx, err := pool.FetchPage(id)
	if err != nil {
		return err
	}
	defer pool.UnpinPage(id, true)

	if pool.PageLSN(idx) >= rec.LSN {
		return nil
	}
	if err := applyRecordEffect(applier, pool.Page(idx), rec); err != nil {
		return err
	}
	pool.SetPageLSN(idx, rec.LSN)
	return nil
}

// applyCompensation unconditionally applies a compensation record's effect
// (undo never skips on an LSN check, unlike redo) and stamps the page with
// the compensation record's own LSN.
func applyCompensation(pool *buffer.Pool, resolver TableResolver, applier PageApplier, inv Record, lsn uint64) error {
	fd, err := resolver.ResolveTableFD(inv.Table)
	if err != nil {
		return err
	}
	id := buffer.PageID{FD: fd, PageNo: inv.RID.PageNo}
	idx, err := pool.FetchPage(id)
	if err != nil {
		return err
	}
	defer pool.UnpinPage(id, true)

	if err := applyRecordEffect(applier, pool.Page(idx), inv); err != nil {
		return err
	}
	pool.SetPageLSN(idx, lsn)
	return nil
}

func applyRecordEffect(applier PageApplier, page []byte, rec Record) error {
	switch rec.Type {
	case RecordInsert:
		return applier.ApplyPut(rec.Table, page, rec.RID.Slot, rec.After)
	case RecordDelete:
		return applier.ApplyClear(rec.Table, page, rec.RID.Slot)
	case RecordUpdate:
		return applier.ApplyPut(rec.Table, page, rec.RID.Slot, rec.After)
	default:
		return nil
	}
}

// lsnHeap is a max-heap of LSNs awaiting undo.
type lsnHeap []uint64

func (h lsnHeap) Len() int            { return len(h) }
func (h lsnHeap) Less(i, j int) bool  { return h[i] > h[j] }
func (h lsnHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *lsnHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *lsnHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

func undoActive(lm *LogManager, dm *disk.Manager, fd disk.FD, pool *buffer.Pool, resolver TableResolver, applier PageApplier, active map[uint64]bool, txnLastLSN map[uint64]uint64, locs map[uint64]recordLoc) ([]uint64, error) {
	h := &lsnHeap{}
	heap.Init(h)
	for txn := range active {
		if lsn := txnLastLSN[txn]; lsn > 0 {
			heap.Push(h, lsn)
		}
	}

	for h.Len() > 0 {
		lsn := heap.Pop(h).(uint64)
		loc, ok := locs[lsn]
		if !ok {
			continue
		}
		buf := make([]byte, loc.size)
		if err := dm.ReadLog(fd, buf, loc.offset); err != nil {
			return nil, err
		}
		rec, err := Decode(buf)
		if err != nil {
			return nil, err
		}

		if rec.Type == RecordInsert || rec.Type == RecordDelete || rec.Type == RecordUpdate {
			inv := rec.Invert()
			clrLSN, err := lm.Append(inv)
			if err != nil {
				return nil, err
			}
			if err := applyCompensation(pool, resolver, applier, inv, clrLSN); err != nil {
				return nil, err
			}
		}

		if rec.PrevLSN > 0 {
			heap.Push(h, rec.PrevLSN)
		}
	}

	rolledBack := make([]uint64, 0, len(active))
	for txn := range active {
		rolledBack = append(rolledBack, txn)
		if _, err := lm.Append(Record{Type: RecordAbort, TxnID: txn}); err != nil {
			return nil, err
		}
	}
	return rolledBack, nil
}
