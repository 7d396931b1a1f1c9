package types

import "fmt"

// Column describes one field of a table's schema.
type Column struct {
	Table   string
	Name    string
	Kind    Kind
	Length  int // CHAR(n) only; ignored for fixed-width kinds
	Offset  int // byte offset within the fixed-width record
	Indexed bool
}

// Width returns this column's on-disk byte width.
func (c Column) Width() int {
	return c.Kind.Width(c.Length)
}

func (c Column) String() string {
	if c.Kind == KindChar {
		return fmt.Sprintf("%s CHAR(%d)", c.Name, c.Length)
	}
	return fmt.Sprintf("%s %s", c.Name, c.Kind)
}

// Schema is the ordered column list shared by every row of a table.
type Schema struct {
	Table   string
	Columns []Column
}

// RecordWidth is the fixed byte width of one row under this schema.
func (s Schema) RecordWidth() int {
	w := 0
	for _, c := range s.Columns {
		w += c.Width()
	}
	return w
}

// IndexOf returns the position of name in the schema, or -1.
func (s Schema) IndexOf(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Column looks up a column descriptor by name.
func (s Schema) Column(name string) (Column, bool) {
	i := s.IndexOf(name)
	if i < 0 {
		return Column{}, false
	}
	return s.Columns[i], true
}

// WithOffsets returns a copy of columns with Offset/Table populated
// contiguously in declaration order, as the record manager expects.
func WithOffsets(table string, columns []Column) []Column {
	out := make([]Column, len(columns))
	offset := 0
	for i, c := range columns {
		c.Table = table
		c.Offset = offset
		out[i] = c
		offset += c.Width()
	}
	return out
}
