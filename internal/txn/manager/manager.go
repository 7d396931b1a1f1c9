// Package manager implements the transaction manager: Begin/Commit/Abort
// lifecycle, the in-memory write set an abort replays in reverse, and the
// row-level mutation entry points (Insert/Delete/Update) that couple
// locking, WAL logging, and index maintenance. Isolation is strict 2PL
// through the lock manager; there are no MVCC snapshots.
package manager

import (
	"sync"
	"sync/atomic"

	"emberdb/internal/catalog"
	"emberdb/internal/dberr"
	"emberdb/internal/logging"
	"emberdb/internal/txn/lock"
	"emberdb/internal/wal"
)

var txnLog = logging.For("txn")

// Manager owns every active transaction and the shared log/lock/catalog
// handles they mutate through.
type Manager struct {
	log   *wal.LogManager
	locks *lock.Manager
	cat   *catalog.Catalog

	nextTxnID uint64

	mu     sync.Mutex
	active map[uint64]*Transaction
}

// NewManager wires the transaction manager to the already-open log, lock,
// and catalog handles a running database constructs at startup.
func NewManager(log *wal.LogManager, locks *lock.Manager, cat *catalog.Catalog) *Manager {
	return &Manager{
		log:    log,
		locks:  locks,
		cat:    cat,
		active: make(map[uint64]*Transaction),
	}
}

// Begin assigns a monotonic txn-id, registers it with the lock manager,
// appends a BEGIN record, and returns the new transaction handle.
func (m *Manager) Begin() (*Transaction, error) {
	id := atomic.AddUint64(&m.nextTxnID, 1)
	m.locks.Register(id)

	lsn, err := m.log.Append(wal.Record{Type: wal.RecordBegin, TxnID: id})
	if err != nil {
		return nil, err
	}

	t := &Transaction{id: id, mgr: m, lastLSN: lsn}
	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()
	txnLog.Debugf("txn %d began", id)
	return t, nil
}

// Commit appends a COMMIT record, force-flushes it, drops t's write set,
// releases its locks, and deregisters the transaction.
func (m *Manager) Commit(t *Transaction) error {
	lsn, err := m.log.Append(wal.Record{Type: wal.RecordCommit, TxnID: t.id, PrevLSN: t.lastLSN})
	if err != nil {
		return err
	}
	if err := m.log.ForceFlush(lsn); err != nil {
		return err
	}
	t.writeSet = nil
	m.locks.ReleaseAll(t.id)
	m.deregister(t.id)
	txnLog.Debugf("txn %d committed", t.id)
	return nil
}

// Abort walks t's write set in reverse, inverting and replaying each
// operation against the heap and its indexes, emitting the corresponding
// compensation log record, then appends an ABORT, force-flushes it, and
// releases locks.
func (m *Manager) Abort(t *Transaction) error {
	for i := len(t.writeSet) - 1; i >= 0; i-- {
		inv := t.writeSet[i].Invert()
		lsn, err := m.log.Append(inv)
		if err != nil {
			return err
		}
		if err := m.applyInverse(inv, lsn); err != nil {
			return err
		}
	}
	t.writeSet = nil

	lsn, err := m.log.Append(wal.Record{Type: wal.RecordAbort, TxnID: t.id})
	if err != nil {
		return err
	}
	if err := m.log.ForceFlush(lsn); err != nil {
		return err
	}
	m.locks.ReleaseAll(t.id)
	m.deregister(t.id)
	txnLog.Debugf("txn %d aborted", t.id)
	return nil
}

func (m *Manager) deregister(id uint64) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// applyInverse replays a compensation record's effect against the heap and
// every index over its table, mirroring wal.Recover's applyCompensation
// but routed through the catalog's live handles rather than a raw
// PageApplier, since indexes need maintaining too.
func (m *Manager) applyInverse(inv wal.Record, lsn uint64) error {
	th, err := m.cat.Table(inv.Table)
	if err != nil {
		return err
	}
	schema := th.Schema()

	switch inv.Type {
	case wal.RecordDelete:
		// Undoes an INSERT: inv.After is the originally inserted image.
		row, err := decodeRowFor(schema, inv.After, inv.RID)
		if err != nil {
			return err
		}
		if err := removeIndexEntries(th, row); err != nil {
			return err
		}
		if err := th.Heap.Delete(inv.RID); err != nil {
			return err
		}
	case wal.RecordInsert:
		// Undoes a DELETE: inv.After is the deleted image to reinstate.
		row, err := decodeRowFor(schema, inv.After, inv.RID)
		if err != nil {
			return err
		}
		if err := th.Heap.Restore(inv.RID, inv.After); err != nil {
			return err
		}
		if err := insertIndexEntries(th, row, inv.RID); err != nil {
			return err
		}
	case wal.RecordUpdate:
		// Undoes an UPDATE: inv.Before is the row currently on disk,
		// inv.After is the row to restore.
		curRow, err := decodeRowFor(schema, inv.Before, inv.RID)
		if err != nil {
			return err
		}
		restoreRow, err := decodeRowFor(schema, inv.After, inv.RID)
		if err != nil {
			return err
		}
		if err := swapIndexEntries(th, curRow, restoreRow, inv.RID); err != nil {
			return err
		}
		if err := th.Heap.Update(inv.RID, inv.After); err != nil {
			return err
		}
	default:
		return dberr.New(dberr.Unknown, "cannot replay compensation record of type %d", inv.Type)
	}
	return th.Heap.StampPageLSN(inv.RID.PageNo, lsn)
}
