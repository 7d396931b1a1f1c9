package exec

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"emberdb/internal/dberr"
	"emberdb/internal/txn/manager"
	"emberdb/internal/types"
)

// Load streams a CSV data file into a table through the bulk-insert path:
// exclusive table lock, heap fill-page appends, and cached-pin index
// inserts. The CSV header row is ignored; fields are comma-separated and
// rows LF-terminated.
type Load struct {
	tx             *manager.Transaction
	table          string
	path           string
	indexPageCache int

	count  int
	failed bool
}

func NewLoad(tx *manager.Transaction, table, path string, indexPageCache int) *Load {
	return &Load{tx: tx, table: table, path: path, indexPageCache: indexPageCache}
}

func (l *Load) Begin() error {
	f, err := os.Open(l.path)
	if err != nil {
		return dberr.Wrap(dberr.FileNotFound, err, "opening load file %s", l.path)
	}
	defer f.Close()

	th, err := l.tx.Catalog().Table(l.table)
	if err != nil {
		return err
	}
	cols := th.Meta.Columns

	bulk, err := l.tx.NewBulkInserter(l.table, l.indexPageCache)
	if err != nil {
		return err
	}
	defer bulk.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return nil
		}
		return dberr.Wrap(dberr.UnixError, err, "reading header of %s", l.path)
	}
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return dberr.Wrap(dberr.UnixError, err, "reading %s", l.path)
		}
		if len(fields) != len(cols) {
			return dberr.New(dberr.InvalidValueCount, "%s row %d has %d values, table %s expects %d",
				l.path, l.count+2, len(fields), l.table, len(cols))
		}
		values := make([]types.Value, len(fields))
		for i, field := range fields {
			v, err := parseLiteral(cols[i], field)
			if err != nil {
				return err
			}
			values[i] = v
		}
		if _, err := bulk.Insert(values); err != nil {
			if dberr.Is(err, dberr.DuplicateKey) {
				l.failed = true
				return nil
			}
			return err
		}
		l.count++
	}
	return nil
}

// parseLiteral converts one CSV field per its column's declared type.
func parseLiteral(col types.Column, s string) (types.Value, error) {
	switch col.Kind {
	case types.KindInt:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return types.Value{}, dberr.Wrap(dberr.ResultOutOfRange, err, "value %q for INT column %s", s, col.Name)
		}
		return types.NewInt(int32(n)), nil
	case types.KindBigInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return types.Value{}, dberr.Wrap(dberr.ResultOutOfRange, err, "value %q for BIGINT column %s", s, col.Name)
		}
		return types.NewBigInt(n), nil
	case types.KindFloat:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return types.Value{}, dberr.Wrap(dberr.ResultOutOfRange, err, "value %q for FLOAT column %s", s, col.Name)
		}
		return types.NewFloat(float32(f)), nil
	case types.KindChar:
		if len(s) > col.Length {
			return types.Value{}, dberr.New(dberr.StringOverflow, "value %q exceeds CHAR(%d) for column %s", s, col.Length, col.Name)
		}
		return types.NewChar(s), nil
	case types.KindDateTime:
		return types.ParseDateTime(s)
	default:
		return types.Value{}, dberr.New(dberr.IncompatibleType, "column %s has no parseable type", col.Name)
	}
}

// Count reports how many rows were loaded.
func (l *Load) Count() int { return l.count }

// Failed reports whether the load hit a unique-index conflict.
func (l *Load) Failed() bool { return l.failed }

func (l *Load) IsEnd() bool { return true }
func (l *Load) Next() error { return nil }
func (l *Load) Current() (types.Row, error) {
	return types.Row{}, dberr.New(dberr.IndexEntryNotFound, "load produces no tuples")
}
func (l *Load) Cols() []types.Column { return nil }
func (l *Load) Len() int             { return 0 }
func (l *Load) RID() types.RID       { return types.RID{} }
func (l *Load) Close() error         { return nil }
