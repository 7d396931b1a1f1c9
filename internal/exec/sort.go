package exec

import (
	"sort"

	"emberdb/internal/dberr"
	"emberdb/internal/types"
)

// SortKey is one ORDER BY term.
type SortKey struct {
	Column string
	Desc   bool
}

// Sort materialises its input and orders it with a multi-column comparator
// honouring ASC/DESC per key; ties fall through to the next key, and a
// full tie compares "not less", keeping the comparator a strict weak
// order. The underlying sort is stable, so fully tied
// rows keep their input order.
type Sort struct {
	child Operator
	keys  []SortKey

	rows []types.Row
	pos  int
	err  error
}

func NewSort(child Operator, keys []SortKey) *Sort {
	return &Sort{child: child, keys: keys}
}

func (s *Sort) Begin() error {
	if err := s.child.Begin(); err != nil {
		return err
	}
	for !s.child.IsEnd() {
		row, err := s.child.Current()
		if err != nil {
			return err
		}
		s.rows = append(s.rows, row)
		if err := s.child.Next(); err != nil {
			return err
		}
	}
	if err := s.child.Close(); err != nil {
		return err
	}
	s.err = nil
	sort.SliceStable(s.rows, func(a, b int) bool {
		return s.less(s.rows[a], s.rows[b])
	})
	return s.err
}

func (s *Sort) less(a, b types.Row) bool {
	for _, k := range s.keys {
		av, err := a.Get(k.Column)
		if err != nil {
			s.err = err
			return false
		}
		bv, err := b.Get(k.Column)
		if err != nil {
			s.err = err
			return false
		}
		cmp, err := compareValues(av, bv)
		if err != nil {
			s.err = err
			return false
		}
		if cmp == 0 {
			continue
		}
		if k.Desc {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

func (s *Sort) IsEnd() bool { return s.pos >= len(s.rows) }

func (s *Sort) Next() error {
	if s.pos < len(s.rows) {
		s.pos++
	}
	return nil
}

func (s *Sort) Current() (types.Row, error) {
	if s.IsEnd() {
		return types.Row{}, dberr.New(dberr.IndexEntryNotFound, "sort exhausted")
	}
	return s.rows[s.pos].Clone(), nil
}

func (s *Sort) Cols() []types.Column { return s.child.Cols() }
func (s *Sort) Len() int             { return s.child.Len() }
func (s *Sort) RID() types.RID {
	if s.IsEnd() {
		return types.RID{}
	}
	return s.rows[s.pos].RID
}
func (s *Sort) Close() error { s.pos = len(s.rows); return nil }
