package index

import (
	"emberdb/internal/storage/buffer"
	"emberdb/internal/storage/disk"
	"emberdb/internal/types"
)

// GapLocker is the lock manager's contract for serialisable range reads.
// Implemented by *lock.Manager; declared here so
// index never imports txn/lock. Record locks key on the table's fd, gap
// locks on the index's own fd.
type GapLocker interface {
	LockRecordShared(txnID uint64, tableFD disk.FD, rid types.RID) error
	LockGap(txnID uint64, indexFD disk.FD, boundRID types.RID) error
}

// GapLock walks the leaf range [min, max] while holding a brief tree
// read-latch, taking a shared lock on every key RID in the range plus a
// shared gap lock on every inter-key gap (including the final gap,
// represented by types.GapSentinel).
func (m *Manager) GapLock(min, max Key, txnID uint64, tableFD disk.FD, locker GapLocker) ([]types.RID, error) {
	m.rootLatch.RLock()
	defer m.rootLatch.RUnlock()

	pos, err := m.lowerBoundLocked(min)
	if err != nil {
		return nil, err
	}
	pn, slot := pos.PageNo, pos.Slot
	var rids []types.RID

	for {
		idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: pn})
		if err != nil {
			return nil, err
		}
		page := m.pool.Page(idx)
		count := nodeCount(page)
		if slot >= count {
			next := nodeNext(page)
			m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, false)
			if next < 0 {
				if err := locker.LockGap(txnID, m.fd, types.GapSentinel); err != nil {
					return nil, err
				}
				return rids, nil
			}
			pn, slot = next, 0
			continue
		}
		key := m.slotKey(page, slot)
		if m.compareKeys(key, max) > 0 {
			rid := m.slotRID(page, slot)
			m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, false)
			if err := locker.LockGap(txnID, m.fd, rid); err != nil {
				return nil, err
			}
			return rids, nil
		}
		rid := m.slotRID(page, slot)
		m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, false)

		if err := locker.LockRecordShared(txnID, tableFD, rid); err != nil {
			return nil, err
		}
		if err := locker.LockGap(txnID, m.fd, rid); err != nil {
			return nil, err
		}
		rids = append(rids, rid)
		slot++
	}
}
