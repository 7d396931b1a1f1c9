package exec

import (
	"math"
	"strings"
	"time"

	"emberdb/internal/catalog"
	"emberdb/internal/dberr"
	"emberdb/internal/storage/index"
	"emberdb/internal/txn/lock"
	"emberdb/internal/txn/manager"
	"emberdb/internal/types"
)

var (
	minDateTime, _ = time.Parse(types.DateTimeLayout, "1000-01-01 00:00:00")
	maxDateTime, _ = time.Parse(types.DateTimeLayout, "9999-12-31 23:59:59")
)

// IndexScan iterates a B+tree leaf range built from equality and range
// predicates in index-column order, re-checking residual predicates on
// the fetched rows. The whole range is protected by
// per-RID shared locks plus gap locks so phantom inserts block until the
// reader commits.
type IndexScan struct {
	tx        *manager.Transaction
	table     string
	indexCols []string
	preds     []Predicate

	th     *catalog.TableHandle
	ih     *catalog.IndexHandle
	maxKey index.Key
	cursor *index.Cursor
	cur    types.Row
	done   bool
}

func NewIndexScan(tx *manager.Transaction, table string, indexCols []string, preds []Predicate) *IndexScan {
	return &IndexScan{tx: tx, table: table, indexCols: indexCols, preds: preds}
}

func (s *IndexScan) Begin() error {
	th, err := s.tx.Catalog().Table(s.table)
	if err != nil {
		return err
	}
	s.th = th
	im := catalog.IndexMeta{Table: s.table, Columns: s.indexCols}
	ih, ok := th.Indexes[im.Name()]
	if !ok {
		return dberr.New(dberr.IndexNotFound, "index %s does not exist", im.Name())
	}
	s.ih = ih

	if err := s.tx.Locks().Acquire(s.tx.ID(), lock.DataID{FD: th.FD, Kind: lock.KindTable}, lock.S); err != nil {
		return err
	}

	minVals, maxVals, err := keyBounds(ih.Columns, s.preds)
	if err != nil {
		return err
	}
	minKey, err := ih.Mgr.EncodeKey(minVals)
	if err != nil {
		return err
	}
	maxKey, err := ih.Mgr.EncodeKey(maxVals)
	if err != nil {
		return err
	}
	s.maxKey = maxKey

	if _, err := ih.Mgr.GapLock(minKey, maxKey, s.tx.ID(), th.FD, s.tx.Locks()); err != nil {
		return err
	}

	pos, err := ih.Mgr.LowerBound(minKey)
	if err != nil {
		return err
	}
	s.cursor = ih.Mgr.NewCursor(pos)
	return s.settle()
}

// keyBounds builds the (min, max) key vectors: each index column picks at
// most one lower and one upper bound from the predicates; unconstrained
// columns widen to their type's extrema.
func keyBounds(cols []types.Column, preds []Predicate) ([]types.Value, []types.Value, error) {
	minVals := make([]types.Value, len(cols))
	maxVals := make([]types.Value, len(cols))
	for i, c := range cols {
		minVals[i] = minValue(c)
		maxVals[i] = maxValue(c)
		for _, p := range preds {
			if p.RightColumn != "" || p.Column != c.Name {
				continue
			}
			v, err := p.Value.CoerceTo(c.Kind)
			if err != nil {
				return nil, nil, err
			}
			switch p.Op {
			case OpEq:
				minVals[i] = v
				maxVals[i] = v
			case OpGt, OpGe:
				minVals[i] = v
			case OpLt, OpLe:
				maxVals[i] = v
			}
		}
	}
	return minVals, maxVals, nil
}

// minValue and maxValue are the per-type key extrema an unconstrained
// index column widens to.
func minValue(c types.Column) types.Value {
	switch c.Kind {
	case types.KindInt:
		return types.NewInt(math.MinInt32)
	case types.KindBigInt:
		return types.NewBigInt(math.MinInt64)
	case types.KindFloat:
		return types.NewFloat(-math.MaxFloat32)
	case types.KindChar:
		return types.NewChar("")
	case types.KindDateTime:
		return types.NewDateTime(minDateTime)
	default:
		return types.Value{}
	}
}

func maxValue(c types.Column) types.Value {
	switch c.Kind {
	case types.KindInt:
		return types.NewInt(math.MaxInt32)
	case types.KindBigInt:
		return types.NewBigInt(math.MaxInt64)
	case types.KindFloat:
		return types.NewFloat(math.MaxFloat32)
	case types.KindChar:
		return types.NewChar(strings.Repeat("\xff", c.Length))
	case types.KindDateTime:
		return types.NewDateTime(maxDateTime)
	default:
		return types.Value{}
	}
}

// settle advances until the cursor rests on an entry within the key range
// whose row passes the residual predicates.
func (s *IndexScan) settle() error {
	for !s.cursor.IsEnd() {
		key, rid, err := s.cursor.Current()
		if err != nil {
			if dberr.Is(err, dberr.IndexEntryNotFound) {
				break
			}
			return err
		}
		if s.ih.Mgr.CompareKeys(key, s.maxKey) > 0 {
			break
		}
		rec, err := s.th.Heap.Get(rid)
		if err != nil {
			return err
		}
		row, err := types.DecodeRow(s.th.Schema(), rec, rid)
		if err != nil {
			return err
		}
		ok, err := matchesAll(s.preds, row)
		if err != nil {
			return err
		}
		if ok {
			s.cur = row
			return nil
		}
		if err := s.cursor.Next(); err != nil {
			return err
		}
	}
	s.done = true
	return nil
}

func (s *IndexScan) IsEnd() bool { return s.done }

func (s *IndexScan) Next() error {
	if s.done {
		return nil
	}
	if err := s.cursor.Next(); err != nil {
		return err
	}
	return s.settle()
}

func (s *IndexScan) Current() (types.Row, error) {
	if s.done {
		return types.Row{}, dberr.New(dberr.IndexEntryNotFound, "scan exhausted")
	}
	return s.cur.Clone(), nil
}

func (s *IndexScan) Cols() []types.Column { return s.th.Meta.Columns }
func (s *IndexScan) Len() int             { return s.th.Schema().RecordWidth() }
func (s *IndexScan) RID() types.RID       { return s.cur.RID }
func (s *IndexScan) Close() error         { s.done = true; return nil }
