package exec

import (
	"bytes"

	"github.com/OneOfOne/xxhash"

	"emberdb/internal/dberr"
	"emberdb/internal/types"
)

// Projection narrows each tuple to the named columns. It is header-only:
// offsets are recomputed for the projected schema but the child row's
// values are picked by position, never re-encoded.
type Projection struct {
	child   Operator
	columns []string

	cols    []types.Column
	indexes []int
}

func NewProjection(child Operator, columns []string) *Projection {
	return &Projection{child: child, columns: columns}
}

func (p *Projection) Begin() error {
	if err := p.child.Begin(); err != nil {
		return err
	}
	childCols := p.child.Cols()
	childSchema := types.Schema{Columns: childCols}
	p.cols = make([]types.Column, len(p.columns))
	p.indexes = make([]int, len(p.columns))
	offset := 0
	for i, name := range p.columns {
		idx := childSchema.IndexOf(name)
		if idx < 0 {
			return dberr.New(dberr.ColumnNotFound, "column %s not found", name)
		}
		c := childCols[idx]
		c.Offset = offset
		offset += c.Width()
		p.cols[i] = c
		p.indexes[i] = idx
	}
	return nil
}

func (p *Projection) IsEnd() bool { return p.child.IsEnd() }
func (p *Projection) Next() error { return p.child.Next() }

func (p *Projection) Current() (types.Row, error) {
	row, err := p.child.Current()
	if err != nil {
		return types.Row{}, err
	}
	values := make([]types.Value, len(p.indexes))
	for i, idx := range p.indexes {
		values[i] = row.Values[idx]
	}
	return types.Row{
		Schema: types.Schema{Table: row.Schema.Table, Columns: p.cols},
		Values: values,
		RID:    row.RID,
	}, nil
}

func (p *Projection) Cols() []types.Column { return p.cols }
func (p *Projection) Len() int             { return recordWidth(p.cols) }
func (p *Projection) RID() types.RID       { return p.child.RID() }
func (p *Projection) Close() error         { return p.child.Close() }

// AggFunc selects the single aggregate a statement may carry.
type AggFunc int

const (
	AggMin AggFunc = iota
	AggMax
	AggSum
	AggCount
)

// Aggregate reduces its whole input to one row with one column named by
// the alias. COUNT uses the row count; the others feed a per-type running
// reducer. SUM and COUNT over zero rows yield 0; MIN and MAX over zero
// rows are an error, since a 0 sentinel is observably wrong for them.
type Aggregate struct {
	child  Operator
	fn     AggFunc
	column string
	alias  string

	result types.Value
	cols   []types.Column
	done   bool
}

func NewAggregate(child Operator, fn AggFunc, column, alias string) *Aggregate {
	return &Aggregate{child: child, fn: fn, column: column, alias: alias}
}

func (a *Aggregate) Begin() error {
	if err := a.child.Begin(); err != nil {
		return err
	}
	count := int32(0)
	var acc types.Value
	have := false
	for !a.child.IsEnd() {
		row, err := a.child.Current()
		if err != nil {
			return err
		}
		count++
		if a.fn != AggCount {
			v, err := row.Get(a.column)
			if err != nil {
				return err
			}
			if !have {
				acc = v
				have = true
			} else {
				acc, err = a.reduce(acc, v)
				if err != nil {
					return err
				}
			}
		}
		if err := a.child.Next(); err != nil {
			return err
		}
	}
	if err := a.child.Close(); err != nil {
		return err
	}

	switch a.fn {
	case AggCount:
		a.result = types.NewInt(count)
	case AggSum:
		if !have {
			a.result = types.NewInt(0)
		} else {
			a.result = acc
		}
	case AggMin, AggMax:
		if !have {
			return dberr.New(dberr.ColumnNotFound, "aggregate over zero rows has no value")
		}
		a.result = acc
	}
	a.cols = []types.Column{{Name: a.alias, Kind: a.result.Kind, Length: len(a.result.AsChar)}}
	return nil
}

func (a *Aggregate) reduce(acc, v types.Value) (types.Value, error) {
	switch a.fn {
	case AggMin, AggMax:
		cmp, err := compareValues(v, acc)
		if err != nil {
			return types.Value{}, err
		}
		if (a.fn == AggMin && cmp < 0) || (a.fn == AggMax && cmp > 0) {
			return v, nil
		}
		return acc, nil
	case AggSum:
		return addValues(acc, v)
	default:
		return acc, nil
	}
}

func (a *Aggregate) IsEnd() bool { return a.done }

func (a *Aggregate) Next() error {
	a.done = true
	return nil
}

func (a *Aggregate) Current() (types.Row, error) {
	if a.done {
		return types.Row{}, dberr.New(dberr.IndexEntryNotFound, "aggregate exhausted")
	}
	return types.Row{
		Schema: types.Schema{Columns: a.cols},
		Values: []types.Value{a.result},
	}, nil
}

func (a *Aggregate) Cols() []types.Column { return a.cols }
func (a *Aggregate) Len() int             { return recordWidth(a.cols) }
func (a *Aggregate) RID() types.RID       { return types.RID{} }
func (a *Aggregate) Close() error         { a.done = true; return nil }

// Distinct suppresses duplicate tuples by hashing each row's encoded
// bytes, with a byte-wise check on hash collision.
type Distinct struct {
	child Operator

	seen map[uint64][][]byte
	cur  types.Row
	done bool
}

func NewDistinct(child Operator) *Distinct {
	return &Distinct{child: child, seen: make(map[uint64][][]byte)}
}

func (d *Distinct) Begin() error {
	if err := d.child.Begin(); err != nil {
		return err
	}
	return d.settle()
}

func (d *Distinct) settle() error {
	buf := make([]byte, d.child.Len())
	for !d.child.IsEnd() {
		row, err := d.child.Current()
		if err != nil {
			return err
		}
		if err := row.Encode(buf); err != nil {
			return err
		}
		h := xxhash.Checksum64(buf)
		if !d.remember(h, buf) {
			if err := d.child.Next(); err != nil {
				return err
			}
			continue
		}
		d.cur = row
		return nil
	}
	d.done = true
	return nil
}

// remember records buf under h, reporting whether it was new.
func (d *Distinct) remember(h uint64, buf []byte) bool {
	for _, prev := range d.seen[h] {
		if bytes.Equal(prev, buf) {
			return false
		}
	}
	d.seen[h] = append(d.seen[h], append([]byte(nil), buf...))
	return true
}

func (d *Distinct) IsEnd() bool { return d.done }

func (d *Distinct) Next() error {
	if d.done {
		return nil
	}
	if err := d.child.Next(); err != nil {
		return err
	}
	return d.settle()
}

func (d *Distinct) Current() (types.Row, error) {
	if d.done {
		return types.Row{}, dberr.New(dberr.IndexEntryNotFound, "distinct exhausted")
	}
	return d.cur.Clone(), nil
}

func (d *Distinct) Cols() []types.Column { return d.child.Cols() }
func (d *Distinct) Len() int             { return d.child.Len() }
func (d *Distinct) RID() types.RID       { return d.cur.RID }
func (d *Distinct) Close() error         { d.done = true; return d.child.Close() }

// Limit caps the pipeline at n tuples.
type Limit struct {
	child Operator
	n     int

	emitted int
}

func NewLimit(child Operator, n int) *Limit {
	return &Limit{child: child, n: n}
}

func (l *Limit) Begin() error { return l.child.Begin() }

func (l *Limit) IsEnd() bool { return l.emitted >= l.n || l.child.IsEnd() }

func (l *Limit) Next() error {
	if l.IsEnd() {
		return nil
	}
	l.emitted++
	return l.child.Next()
}

func (l *Limit) Current() (types.Row, error) {
	if l.IsEnd() {
		return types.Row{}, dberr.New(dberr.IndexEntryNotFound, "limit exhausted")
	}
	return l.child.Current()
}

func (l *Limit) Cols() []types.Column { return l.child.Cols() }
func (l *Limit) Len() int             { return l.child.Len() }
func (l *Limit) RID() types.RID       { return l.child.RID() }
func (l *Limit) Close() error         { return l.child.Close() }
