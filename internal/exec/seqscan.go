package exec

import (
	"emberdb/internal/catalog"
	"emberdb/internal/dberr"
	"emberdb/internal/storage/heap"
	"emberdb/internal/txn/lock"
	"emberdb/internal/txn/manager"
	"emberdb/internal/types"
)

// SeqScan walks a table's heap in page order under a shared table lock,
// evaluating predicates against each occupied slot.
type SeqScan struct {
	tx    *manager.Transaction
	table string
	preds []Predicate

	th      *catalog.TableHandle
	scanner *heap.Scanner
	cur     types.Row
	done    bool
}

func NewSeqScan(tx *manager.Transaction, table string, preds []Predicate) *SeqScan {
	return &SeqScan{tx: tx, table: table, preds: preds}
}

func (s *SeqScan) Begin() error {
	th, err := s.tx.Catalog().Table(s.table)
	if err != nil {
		return err
	}
	s.th = th
	if err := s.tx.Locks().Acquire(s.tx.ID(), lock.DataID{FD: th.FD, Kind: lock.KindTable}, lock.S); err != nil {
		return err
	}
	sc, err := th.Heap.NewScanner()
	if err != nil {
		return err
	}
	s.scanner = sc
	return s.settle()
}

// settle advances the underlying scanner until the current slot satisfies
// every predicate, or the heap is exhausted.
func (s *SeqScan) settle() error {
	for !s.scanner.IsEnd() {
		rid, rec, err := s.scanner.Current()
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
		if err := s.scanner.Next(); err != nil {
			return err
		}
	}
	s.done = true
	return s.scanner.Close()
}

func (s *SeqScan) IsEnd() bool { return s.done }

func (s *SeqScan) Next() error {
	if s.done {
		return nil
	}
	if err := s.scanner.Next(); err != nil {
		return err
	}
	return s.settle()
}

func (s *SeqScan) Current() (types.Row, error) {
	if s.done {
		return types.Row{}, dberr.New(dberr.IndexEntryNotFound, "scan exhausted")
	}
	return s.cur.Clone(), nil
}

func (s *SeqScan) Cols() []types.Column { return s.th.Meta.Columns }
func (s *SeqScan) Len() int             { return s.th.Schema().RecordWidth() }
func (s *SeqScan) RID() types.RID       { return s.cur.RID }

func (s *SeqScan) Close() error {
	if s.scanner != nil && !s.done {
		s.done = true
		return s.scanner.Close()
	}
	return nil
}
