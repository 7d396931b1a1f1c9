package manager

import (
	"bytes"
	"sort"

	"emberdb/internal/catalog"
	"emberdb/internal/dberr"
	"emberdb/internal/storage/index"
	"emberdb/internal/txn/lock"
	"emberdb/internal/types"
	"emberdb/internal/wal"
)

// Transaction is one client's unit of work: a txn-id, the LSN chain its
// own log records thread through PrevLSN, and the write set Abort replays.
type Transaction struct {
	id      uint64
	mgr     *Manager
	lastLSN uint64

	writeSet []wal.Record
}

// ID returns the transaction's monotonic identifier.
func (t *Transaction) ID() uint64 { return t.id }

// Locks exposes the shared lock manager so execution operators can take
// table/gap locks directly (e.g. IndexScan's range gap locks).
func (t *Transaction) Locks() *lock.Manager { return t.mgr.locks }

// Catalog exposes the shared catalog so execution operators can resolve
// table and index handles.
func (t *Transaction) Catalog() *catalog.Catalog { return t.mgr.cat }

// Get reads the record at rid under a shared row lock.
func (t *Transaction) Get(table string, rid types.RID) (types.Row, error) {
	th, err := t.mgr.cat.Table(table)
	if err != nil {
		return types.Row{}, err
	}
	if err := t.mgr.locks.Acquire(t.id, lock.DataID{FD: th.FD, RID: rid, Kind: lock.KindRecord}, lock.S); err != nil {
		return types.Row{}, err
	}
	record, err := th.Heap.Get(rid)
	if err != nil {
		return types.Row{}, err
	}
	return decodeRowFor(th.Schema(), record, rid)
}

// Insert validates and encodes values against table's schema, rejects
// unique-index conflicts, appends the row to the heap, maintains every
// index, and logs an INSERT record.
func (t *Transaction) Insert(table string, values []types.Value) (types.RID, error) {
	th, err := t.mgr.cat.Table(table)
	if err != nil {
		return types.RID{}, err
	}
	if err := t.mgr.locks.Acquire(t.id, lock.DataID{FD: th.FD, Kind: lock.KindTable}, lock.IX); err != nil {
		return types.RID{}, err
	}
	row, err := types.NewRow(th.Schema(), values)
	if err != nil {
		return types.RID{}, err
	}

	if err := checkNoDuplicates(th, row); err != nil {
		return types.RID{}, err
	}
	if err := t.lockInsertGaps(th, row); err != nil {
		return types.RID{}, err
	}

	record := make([]byte, th.Schema().RecordWidth())
	if err := row.Encode(record); err != nil {
		return types.RID{}, err
	}
	rid, err := th.Heap.Insert(record)
	if err != nil {
		return types.RID{}, err
	}

	if err := t.mgr.locks.Acquire(t.id, lock.DataID{FD: th.FD, RID: rid, Kind: lock.KindRecord}, lock.X); err != nil {
		return types.RID{}, err
	}
	if err := insertIndexEntries(th, row, rid); err != nil {
		return types.RID{}, err
	}

	lsn, err := t.appendLog(wal.Record{Type: wal.RecordInsert, Table: table, RID: rid, After: record})
	if err != nil {
		return types.RID{}, err
	}
	if err := th.Heap.StampPageLSN(rid.PageNo, lsn); err != nil {
		return types.RID{}, err
	}
	return rid, nil
}

// Delete removes rid from table's heap and every index over it, logging a
// DELETE record.
func (t *Transaction) Delete(table string, rid types.RID) error {
	th, err := t.mgr.cat.Table(table)
	if err != nil {
		return err
	}
	if err := t.mgr.locks.Acquire(t.id, lock.DataID{FD: th.FD, Kind: lock.KindTable}, lock.IX); err != nil {
		return err
	}
	if err := t.mgr.locks.Acquire(t.id, lock.DataID{FD: th.FD, RID: rid, Kind: lock.KindRecord}, lock.X); err != nil {
		return err
	}

	record, err := th.Heap.Get(rid)
	if err != nil {
		return err
	}
	row, err := decodeRowFor(th.Schema(), record, rid)
	if err != nil {
		return err
	}
	if err := removeIndexEntries(th, row); err != nil {
		return err
	}

	lsn, err := t.appendLog(wal.Record{Type: wal.RecordDelete, Table: table, RID: rid, After: record})
	if err != nil {
		return err
	}
	if err := th.Heap.Delete(rid); err != nil {
		return err
	}
	return th.Heap.StampPageLSN(rid.PageNo, lsn)
}

// Update applies newValues (already resolved from the SET clause's
// column=value and column+=value forms by the exec operator) to the single
// row at rid, with the same index-conflict handling as UpdateAll.
func (t *Transaction) Update(table string, rid types.RID, newValues []types.Value) error {
	return t.UpdateAll(table, []types.RID{rid}, [][]types.Value{newValues})
}

// UpdateAll applies one UPDATE statement's whole matched set as a unit.
// Every row's old index keys are removed first, then each new key is
// checked for duplicates both within the batch and against the remaining
// index entries; only when every key is clear are the new keys inserted
// and the heap images logged and rewritten. On any conflict all removed
// entries are reinserted and a DuplicateKey error reports the user-visible
// failure with no heap or log mutation. Removing the old keys up front is
// what lets a batch shift keys through each other (id = id+1 across a
// contiguous range) without false conflicts.
func (t *Transaction) UpdateAll(table string, rids []types.RID, newValues [][]types.Value) error {
	th, err := t.mgr.cat.Table(table)
	if err != nil {
		return err
	}
	if err := t.mgr.locks.Acquire(t.id, lock.DataID{FD: th.FD, Kind: lock.KindTable}, lock.IX); err != nil {
		return err
	}
	schema := th.Schema()

	names := make([]string, 0, len(th.Indexes))
	for name := range th.Indexes {
		names = append(names, name)
	}
	sort.Strings(names)

	oldRecords := make([][]byte, len(rids))
	newRecords := make([][]byte, len(rids))
	oldKeys := make(map[string][]index.Key, len(names))
	newKeys := make(map[string][]index.Key, len(names))

	// restore reinserts every old key removed so far, leaving the indexes
	// exactly as they were before the statement.
	restore := func() error {
		for _, name := range names {
			ih := th.Indexes[name]
			for j, key := range oldKeys[name] {
				if _, err := ih.Mgr.InsertEntry(key, rids[j]); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for j, rid := range rids {
		if err := t.mgr.locks.Acquire(t.id, lock.DataID{FD: th.FD, RID: rid, Kind: lock.KindRecord}, lock.X); err != nil {
			if rerr := restore(); rerr != nil {
				return rerr
			}
			return err
		}
		oldRecord, err := th.Heap.Get(rid)
		if err == nil {
			oldRecords[j] = oldRecord
			var oldRow, newRow types.Row
			if oldRow, err = decodeRowFor(schema, oldRecord, rid); err == nil {
				if newRow, err = types.NewRow(schema, newValues[j]); err == nil {
					newRecords[j] = make([]byte, schema.RecordWidth())
					if err = newRow.Encode(newRecords[j]); err == nil {
						err = removeOldKeys(th, names, oldRow, newRow, oldKeys, newKeys)
					}
				}
			}
		}
		if err != nil {
			if rerr := restore(); rerr != nil {
				return rerr
			}
			return err
		}
	}

	// Conflict check: first among the batch's own new keys, then against
	// what is left in each index now that the old keys are gone.
	for _, name := range names {
		ih := th.Indexes[name]
		keys := newKeys[name]
		for j := range keys {
			conflict := false
			for k := j + 1; k < len(keys); k++ {
				if bytes.Equal(keys[j], keys[k]) {
					conflict = true
					break
				}
			}
			if !conflict {
				bound, err := ih.Mgr.GapBound(keys[j])
				if err == nil {
					err = t.mgr.locks.TryLockInGap(t.id, ih.FD, bound)
				}
				if err != nil {
					if rerr := restore(); rerr != nil {
						return rerr
					}
					return err
				}
				existing, err := ih.Mgr.GetValue(keys[j])
				if err != nil {
					if rerr := restore(); rerr != nil {
						return rerr
					}
					return err
				}
				conflict = len(existing) > 0
			}
			if conflict {
				if err := restore(); err != nil {
					return err
				}
				return dberr.New(dberr.DuplicateKey, "duplicate key for index %s", ih.Meta.Name())
			}
		}
	}

	for _, name := range names {
		ih := th.Indexes[name]
		for j, key := range newKeys[name] {
			if _, err := ih.Mgr.InsertEntry(key, rids[j]); err != nil {
				return err
			}
		}
	}
	for j, rid := range rids {
		lsn, err := t.appendLog(wal.Record{Type: wal.RecordUpdate, Table: table, RID: rid, Before: oldRecords[j], After: newRecords[j]})
		if err != nil {
			return err
		}
		if err := th.Heap.Update(rid, newRecords[j]); err != nil {
			return err
		}
		if err := th.Heap.StampPageLSN(rid.PageNo, lsn); err != nil {
			return err
		}
	}
	return nil
}

// removeOldKeys records one row's old and new key per index and deletes
// the old entry from the tree.
func removeOldKeys(th *catalog.TableHandle, names []string, oldRow, newRow types.Row, oldKeys, newKeys map[string][]index.Key) error {
	for _, name := range names {
		ih := th.Indexes[name]
		oldVals, err := indexValues(ih, oldRow)
		if err != nil {
			return err
		}
		oldKey, err := ih.Mgr.EncodeKey(oldVals)
		if err != nil {
			return err
		}
		newVals, err := indexValues(ih, newRow)
		if err != nil {
			return err
		}
		newKey, err := ih.Mgr.EncodeKey(newVals)
		if err != nil {
			return err
		}
		if _, err := ih.Mgr.DeleteEntry(oldKey); err != nil {
			return err
		}
		oldKeys[name] = append(oldKeys[name], oldKey)
		newKeys[name] = append(newKeys[name], newKey)
	}
	return nil
}

// lockInsertGaps takes an IX lock on the gap each index key would land in,
// so a serialisable range reader holding that gap's S lock blocks the
// inserter (phantom protection).
func (t *Transaction) lockInsertGaps(th *catalog.TableHandle, row types.Row) error {
	for _, ih := range th.Indexes {
		vals, err := indexValues(ih, row)
		if err != nil {
			return err
		}
		key, err := ih.Mgr.EncodeKey(vals)
		if err != nil {
			return err
		}
		bound, err := ih.Mgr.GapBound(key)
		if err != nil {
			return err
		}
		if err := t.mgr.locks.TryLockInGap(t.id, ih.FD, bound); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) appendLog(rec wal.Record) (uint64, error) {
	rec.TxnID = t.id
	rec.PrevLSN = t.lastLSN
	lsn, err := t.mgr.log.Append(rec)
	if err != nil {
		return 0, err
	}
	t.lastLSN = lsn
	rec.LSN = lsn
	t.writeSet = append(t.writeSet, rec)
	return lsn, nil
}

func decodeRowFor(schema types.Schema, record []byte, rid types.RID) (types.Row, error) {
	return types.DecodeRow(schema, record, rid)
}

// indexValues extracts row's values in ih's column order, the key vector
// EncodeKey expects.
func indexValues(ih *catalog.IndexHandle, row types.Row) ([]types.Value, error) {
	out := make([]types.Value, len(ih.Meta.Columns))
	for i, name := range ih.Meta.Columns {
		v, err := row.Get(name)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func insertIndexEntries(th *catalog.TableHandle, row types.Row, rid types.RID) error {
	for _, ih := range th.Indexes {
		vals, err := indexValues(ih, row)
		if err != nil {
			return err
		}
		key, err := ih.Mgr.EncodeKey(vals)
		if err != nil {
			return err
		}
		if _, err := ih.Mgr.InsertEntry(key, rid); err != nil {
			return err
		}
	}
	return nil
}

func removeIndexEntries(th *catalog.TableHandle, row types.Row) error {
	for _, ih := range th.Indexes {
		vals, err := indexValues(ih, row)
		if err != nil {
			return err
		}
		key, err := ih.Mgr.EncodeKey(vals)
		if err != nil {
			return err
		}
		if _, err := ih.Mgr.DeleteEntry(key); err != nil {
			return err
		}
	}
	return nil
}

// swapIndexEntries moves every index whose key differs between oldRow and
// newRow from the old key to the new one at rid.
func swapIndexEntries(th *catalog.TableHandle, oldRow, newRow types.Row, rid types.RID) error {
	for _, ih := range th.Indexes {
		oldVals, err := indexValues(ih, oldRow)
		if err != nil {
			return err
		}
		newVals, err := indexValues(ih, newRow)
		if err != nil {
			return err
		}
		oldKey, err := ih.Mgr.EncodeKey(oldVals)
		if err != nil {
			return err
		}
		newKey, err := ih.Mgr.EncodeKey(newVals)
		if err != nil {
			return err
		}
		if bytes.Equal(oldKey, newKey) {
			continue
		}
		if _, err := ih.Mgr.DeleteEntry(oldKey); err != nil {
			return err
		}
		if _, err := ih.Mgr.InsertEntry(newKey, rid); err != nil {
			return err
		}
	}
	return nil
}

// checkNoDuplicates verifies row would not collide with an existing key in
// any index over th, before anything is mutated.
func checkNoDuplicates(th *catalog.TableHandle, row types.Row) error {
	for _, ih := range th.Indexes {
		vals, err := indexValues(ih, row)
		if err != nil {
			return err
		}
		key, err := ih.Mgr.EncodeKey(vals)
		if err != nil {
			return err
		}
		existing, err := ih.Mgr.GetValue(key)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return dberr.New(dberr.DuplicateKey, "duplicate key for index %s", ih.Meta.Name())
		}
	}
	return nil
}

