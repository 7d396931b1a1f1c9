package exec

import (
	"emberdb/internal/dberr"
	"emberdb/internal/txn/manager"
	"emberdb/internal/types"
)

// Delete drains its child scan, collects the matching RIDs, and removes
// each row from the heap and every index. Collecting
// first keeps the child's page cursor clear of the mutation.
type Delete struct {
	tx    *manager.Transaction
	table string
	child Operator

	count int
}

func NewDelete(tx *manager.Transaction, table string, child Operator) *Delete {
	return &Delete{tx: tx, table: table, child: child}
}

func (d *Delete) Begin() error {
	if err := d.child.Begin(); err != nil {
		return err
	}
	var rids []types.RID
	for !d.child.IsEnd() {
		rids = append(rids, d.child.RID())
		if err := d.child.Next(); err != nil {
			return err
		}
	}
	if err := d.child.Close(); err != nil {
		return err
	}
	for _, rid := range rids {
		if err := d.tx.Delete(d.table, rid); err != nil {
			return err
		}
		d.count++
	}
	return nil
}

// Count reports how many rows were deleted.
func (d *Delete) Count() int { return d.count }

func (d *Delete) IsEnd() bool { return true }
func (d *Delete) Next() error { return nil }
func (d *Delete) Current() (types.Row, error) {
	return types.Row{}, dberr.New(dberr.IndexEntryNotFound, "delete produces no tuples")
}
func (d *Delete) Cols() []types.Column { return nil }
func (d *Delete) Len() int             { return 0 }
func (d *Delete) RID() types.RID       { return types.RID{} }
func (d *Delete) Close() error         { return d.child.Close() }
