// Package exec implements the iterator-style execution operators:
// sequential and index scans, insert/update/delete, block
// nested-loop and partitioned hash joins, sort, projection, and
// aggregation. Operators form a Volcano-style pull pipeline driven by the
// planner through the begin/is-end/next/current/cols/len/rid surface; the
// top operator pulls the whole tree.
package exec

import (
	"emberdb/internal/dberr"
	"emberdb/internal/types"
)

// Operator is the common iterator contract. Begin primes the first tuple,
// IsEnd tests termination, Next advances, Current returns a tuple copy,
// Cols returns the tuple's schema, Len its byte width, and RID the heap
// record identifier when meaningful. Close releases pins and temp files.
type Operator interface {
	Begin() error
	IsEnd() bool
	Next() error
	Current() (types.Row, error)
	Cols() []types.Column
	Len() int
	RID() types.RID
	Close() error
}

// CompareOp is a predicate's comparison operator.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

func (op CompareOp) String() string {
	switch op {
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	default:
		return "?"
	}
}

// Predicate compares Column against either a constant Value (RightColumn
// empty) or another column (join form). The planner resolves names before
// building operators; evaluation here only coerces types.
type Predicate struct {
	Column      string
	Op          CompareOp
	Value       types.Value
	RightColumn string
}

// SetClause is one UPDATE assignment: column = value, or column += value
// for the arithmetic update form.
type SetClause struct {
	Column string
	Add    bool
	Value  types.Value
}

// compareValues orders two values after widening them to a common kind.
// Incompatible kinds report an IncompatibleType error; join evaluation
// treats that as "does not join" instead.
func compareValues(a, b types.Value) (int, error) {
	if a.Kind != b.Kind {
		if w, err := b.CoerceTo(a.Kind); err == nil {
			b = w
		} else if w, err := a.CoerceTo(b.Kind); err == nil {
			a = w
		} else {
			return 0, dberr.New(dberr.IncompatibleType, "cannot compare %s with %s", a.Kind, b.Kind)
		}
	}
	return a.Compare(b), nil
}

func opHolds(cmp int, op CompareOp) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	default:
		return false
	}
}

// evalConst evaluates a constant predicate against row. An unknown column
// or an incoercible comparand is an error.
func evalConst(p Predicate, row types.Row) (bool, error) {
	v, err := row.Get(p.Column)
	if err != nil {
		return false, err
	}
	cmp, err := compareValues(v, p.Value)
	if err != nil {
		return false, err
	}
	return opHolds(cmp, p.Op), nil
}

// matchesAll evaluates every constant predicate against row.
func matchesAll(preds []Predicate, row types.Row) (bool, error) {
	for _, p := range preds {
		if p.RightColumn != "" {
			continue
		}
		ok, err := evalConst(p, row)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// evalJoin evaluates a join predicate between a left and right tuple.
// Mismatched, incoercible types do not join, so an IncompatibleType
// comparison yields false, not an error.
func evalJoin(p Predicate, left, right types.Row) (bool, error) {
	lv, err := left.Get(p.Column)
	if err != nil {
		return false, err
	}
	rv, err := right.Get(p.RightColumn)
	if err != nil {
		return false, err
	}
	cmp, err := compareValues(lv, rv)
	if err != nil {
		if dberr.Is(err, dberr.IncompatibleType) {
			return false, nil
		}
		return false, err
	}
	return opHolds(cmp, p.Op), nil
}

// joinedCols concatenates the two input schemas, shifting right-side
// offsets past the left tuple's width.
func joinedCols(left, right []types.Column) []types.Column {
	out := make([]types.Column, 0, len(left)+len(right))
	out = append(out, left...)
	shift := recordWidth(left)
	for _, c := range right {
		c.Offset += shift
		out = append(out, c)
	}
	return out
}

func recordWidth(cols []types.Column) int {
	w := 0
	for _, c := range cols {
		w += c.Width()
	}
	return w
}

// joinRows concatenates two tuples under the pre-computed joined schema.
func joinRows(cols []types.Column, left, right types.Row) types.Row {
	values := make([]types.Value, 0, len(left.Values)+len(right.Values))
	values = append(values, left.Values...)
	values = append(values, right.Values...)
	return types.Row{
		Schema: types.Schema{Table: left.Schema.Table, Columns: cols},
		Values: values,
	}
}
