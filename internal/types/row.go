package types

import (
	"fmt"

	"emberdb/internal/dberr"
)

// RID identifies one heap record: (page-number, slot-number). Stable for
// the record's lifetime; a deleted slot may be reused after commit.
type RID struct {
	PageNo int32
	Slot   int32
}

// GapSentinel represents the gap after the last key in an index.
var GapSentinel = RID{PageNo: -1, Slot: -1}

func (r RID) IsGapSentinel() bool { return r == GapSentinel }

func (r RID) String() string { return fmt.Sprintf("(%d,%d)", r.PageNo, r.Slot) }

// Row is one tuple: a value per column of some Schema, plus the RID it was
// read from when meaningful (zero value otherwise, e.g. for a freshly
// constructed INSERT row).
type Row struct {
	Schema Schema
	Values []Value
	RID    RID
}

// NewRow validates len(values) against schema width and coerces each value
// to its column's declared kind.
func NewRow(schema Schema, values []Value) (Row, error) {
	if len(values) != len(schema.Columns) {
		return Row{}, dberr.New(dberr.InvalidValueCount, "table %s expects %d columns, got %d",
			schema.Table, len(schema.Columns), len(values))
	}
	coerced := make([]Value, len(values))
	for i, col := range schema.Columns {
		v, err := values[i].CoerceTo(col.Kind)
		if err != nil {
			return Row{}, err
		}
		if col.Kind == KindChar && len(v.AsChar) > col.Length {
			return Row{}, dberr.New(dberr.StringOverflow, "value %q exceeds CHAR(%d) for column %s",
				v.AsChar, col.Length, col.Name)
		}
		coerced[i] = v
	}
	return Row{Schema: schema, Values: coerced}, nil
}

// Get returns the value of the named column.
func (r Row) Get(name string) (Value, error) {
	i := r.Schema.IndexOf(name)
	if i < 0 {
		return Value{}, dberr.New(dberr.ColumnNotFound, "column %s not found in table %s", name, r.Schema.Table)
	}
	return r.Values[i], nil
}

// Clone returns a copy of r with an independent Values slice, so callers
// mutating a projected row never alias the buffer-pool-backed original.
func (r Row) Clone() Row {
	values := make([]Value, len(r.Values))
	copy(values, r.Values)
	return Row{Schema: r.Schema, Values: values, RID: r.RID}
}

// Encode writes the row's fixed-width record bytes into buf, which must be
// exactly Schema.RecordWidth() bytes.
func (r Row) Encode(buf []byte) error {
	for i, col := range r.Schema.Columns {
		w := col.Width()
		if err := r.Values[i].Encode(buf[col.Offset : col.Offset+w]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeRow reads a row's fixed-width record bytes out of buf.
func DecodeRow(schema Schema, buf []byte, rid RID) (Row, error) {
	values := make([]Value, len(schema.Columns))
	for i, col := range schema.Columns {
		w := col.Width()
		v, err := Decode(col.Kind, buf[col.Offset:col.Offset+w])
		if err != nil {
			return Row{}, err
		}
		values[i] = v
	}
	return Row{Schema: schema, Values: values, RID: rid}, nil
}
