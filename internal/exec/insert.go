package exec

import (
	"emberdb/internal/dberr"
	"emberdb/internal/txn/manager"
	"emberdb/internal/types"
)

// Insert is the single-row INSERT operator. It produces no tuples; Begin
// performs the write. A unique-index conflict is a user-visible failure
// (Failed reports true, the driver emits "failure" to the result stream)
// without aborting the transaction.
type Insert struct {
	tx     *manager.Transaction
	table  string
	values []types.Value

	rid    types.RID
	failed bool
}

func NewInsert(tx *manager.Transaction, table string, values []types.Value) *Insert {
	return &Insert{tx: tx, table: table, values: values}
}

func (i *Insert) Begin() error {
	rid, err := i.tx.Insert(i.table, i.values)
	if err != nil {
		if dberr.Is(err, dberr.DuplicateKey) {
			i.failed = true
			return nil
		}
		return err
	}
	i.rid = rid
	return nil
}

// Failed reports whether the insert hit a unique-index conflict.
func (i *Insert) Failed() bool { return i.failed }

func (i *Insert) IsEnd() bool { return true }
func (i *Insert) Next() error { return nil }
func (i *Insert) Current() (types.Row, error) {
	return types.Row{}, dberr.New(dberr.IndexEntryNotFound, "insert produces no tuples")
}
func (i *Insert) Cols() []types.Column { return nil }
func (i *Insert) Len() int             { return 0 }
func (i *Insert) RID() types.RID       { return i.rid }
func (i *Insert) Close() error         { return nil }
