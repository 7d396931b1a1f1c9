package exec

import (
	"math"

	"emberdb/internal/dberr"
	"emberdb/internal/txn/manager"
	"emberdb/internal/types"
)

// Update drains its child scan, applies the SET clauses to every matched
// row (plain assignment or the arithmetic += form, with type coercion and
// overflow checks), and hands the whole batch to the transaction in one
// call: new index keys are checked for duplicates both within the batch
// and against the remaining index entries before anything is written, and
// a conflict leaves the table untouched, reported as a user-visible
// failure without aborting the transaction.
type Update struct {
	tx    *manager.Transaction
	table string
	sets  []SetClause
	child Operator

	count  int
	failed bool
}

func NewUpdate(tx *manager.Transaction, table string, sets []SetClause, child Operator) *Update {
	return &Update{tx: tx, table: table, sets: sets, child: child}
}

func (u *Update) Begin() error {
	if err := u.child.Begin(); err != nil {
		return err
	}
	var rows []types.Row
	for !u.child.IsEnd() {
		row, err := u.child.Current()
		if err != nil {
			return err
		}
		rows = append(rows, row)
		if err := u.child.Next(); err != nil {
			return err
		}
	}
	if err := u.child.Close(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	rids := make([]types.RID, len(rows))
	newValues := make([][]types.Value, len(rows))
	for i, row := range rows {
		values, err := applySets(row, u.sets)
		if err != nil {
			return err
		}
		rids[i] = row.RID
		newValues[i] = values
	}
	if err := u.tx.UpdateAll(u.table, rids, newValues); err != nil {
		if dberr.Is(err, dberr.DuplicateKey) {
			u.failed = true
			return nil
		}
		return err
	}
	u.count = len(rows)
	return nil
}

// applySets computes a row's new value vector from the SET clauses.
func applySets(row types.Row, sets []SetClause) ([]types.Value, error) {
	values := append([]types.Value(nil), row.Values...)
	for _, s := range sets {
		i := row.Schema.IndexOf(s.Column)
		if i < 0 {
			return nil, dberr.New(dberr.ColumnNotFound, "column %s not found in table %s", s.Column, row.Schema.Table)
		}
		col := row.Schema.Columns[i]
		v, err := s.Value.CoerceTo(col.Kind)
		if err != nil {
			return nil, err
		}
		if s.Add {
			sum, err := addValues(values[i], v)
			if err != nil {
				return nil, err
			}
			values[i] = sum
		} else {
			if col.Kind == types.KindChar && len(v.AsChar) > col.Length {
				return nil, dberr.New(dberr.StringOverflow, "value %q exceeds CHAR(%d) for column %s", v.AsChar, col.Length, col.Name)
			}
			values[i] = v
		}
	}
	return values, nil
}

// addValues is the += arithmetic: numeric kinds only, with overflow
// reported as ResultOutOfRange.
func addValues(a, b types.Value) (types.Value, error) {
	switch a.Kind {
	case types.KindInt:
		sum := int64(a.AsInt) + int64(b.AsInt)
		if sum > math.MaxInt32 || sum < math.MinInt32 {
			return types.Value{}, dberr.New(dberr.ResultOutOfRange, "INT addition overflows: %d + %d", a.AsInt, b.AsInt)
		}
		return types.NewInt(int32(sum)), nil
	case types.KindBigInt:
		sum := a.AsBigInt + b.AsBigInt
		if (b.AsBigInt > 0 && sum < a.AsBigInt) || (b.AsBigInt < 0 && sum > a.AsBigInt) {
			return types.Value{}, dberr.New(dberr.ResultOutOfRange, "BIGINT addition overflows: %d + %d", a.AsBigInt, b.AsBigInt)
		}
		return types.NewBigInt(sum), nil
	case types.KindFloat:
		return types.NewFloat(a.AsFloat + b.AsFloat), nil
	default:
		return types.Value{}, dberr.New(dberr.IncompatibleType, "cannot add to a %s column", a.Kind)
	}
}

// Failed reports whether the update hit a unique-index conflict.
func (u *Update) Failed() bool { return u.failed }

// Count reports how many rows were updated.
func (u *Update) Count() int { return u.count }

func (u *Update) IsEnd() bool { return true }
func (u *Update) Next() error { return nil }
func (u *Update) Current() (types.Row, error) {
	return types.Row{}, dberr.New(dberr.IndexEntryNotFound, "update produces no tuples")
}
func (u *Update) Cols() []types.Column { return nil }
func (u *Update) Len() int             { return 0 }
func (u *Update) RID() types.RID       { return types.RID{} }
func (u *Update) Close() error         { return u.child.Close() }
