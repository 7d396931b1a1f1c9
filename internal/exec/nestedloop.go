package exec

import (
	"bufio"
	"io"
	"os"

	"emberdb/internal/dberr"
	"emberdb/internal/types"
)

// blockFile materialises one join input into page-sized blocks backed by a
// temporary file.
type blockFile struct {
	f            *os.File
	rowWidth     int
	rowsPerBlock int
	numRows      int
}

func newBlockFile(rowWidth, pageSize int) (*blockFile, error) {
	f, err := os.CreateTemp("", "emberdb-join-*")
	if err != nil {
		return nil, dberr.Abort(dberr.NestLoopJoinFailure, "creating join temp file: %v", err)
	}
	rpb := pageSize / rowWidth
	if rpb < 1 {
		rpb = 1
	}
	return &blockFile{f: f, rowWidth: rowWidth, rowsPerBlock: rpb}, nil
}

// fill drains op into the file, encoding each tuple at its fixed width.
func (b *blockFile) fill(op Operator) error {
	w := bufio.NewWriter(b.f)
	buf := make([]byte, b.rowWidth)
	for !op.IsEnd() {
		row, err := op.Current()
		if err != nil {
			return err
		}
		if err := row.Encode(buf); err != nil {
			return err
		}
		if _, err := w.Write(buf); err != nil {
			return dberr.Abort(dberr.NestLoopJoinFailure, "writing join temp file: %v", err)
		}
		b.numRows++
		if err := op.Next(); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return dberr.Abort(dberr.NestLoopJoinFailure, "flushing join temp file: %v", err)
	}
	return nil
}

func (b *blockFile) numBlocks() int {
	return (b.numRows + b.rowsPerBlock - 1) / b.rowsPerBlock
}

// readBlock returns the records of block blockNo.
func (b *blockFile) readBlock(blockNo int) ([][]byte, error) {
	first := blockNo * b.rowsPerBlock
	n := b.numRows - first
	if n > b.rowsPerBlock {
		n = b.rowsPerBlock
	}
	buf := make([]byte, n*b.rowWidth)
	if _, err := b.f.ReadAt(buf, int64(first*b.rowWidth)); err != nil && err != io.EOF {
		return nil, dberr.Abort(dberr.NestLoopJoinFailure, "reading join temp file: %v", err)
	}
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = buf[i*b.rowWidth : (i+1)*b.rowWidth]
	}
	return out, nil
}

func (b *blockFile) close() error {
	name := b.f.Name()
	if err := b.f.Close(); err != nil {
		return dberr.Wrap(dberr.UnixError, err, "closing join temp file")
	}
	return os.Remove(name)
}

// NestedLoopJoin is the block nested loop: both inputs pre-materialised
// into page-sized blocks in temp files; for each left block every right
// block is visited, and within a block pair a double loop emits the
// tuples satisfying all join predicates.
type NestedLoopJoin struct {
	left, right Operator
	preds       []Predicate
	pageSize    int

	leftCols, rightCols []types.Column
	cols                []types.Column
	lf, rf              *blockFile

	lb, rb, li, ri int
	lblock, rblock [][]byte
	cur            types.Row
	done           bool
}

func NewNestedLoopJoin(left, right Operator, preds []Predicate, pageSize int) *NestedLoopJoin {
	return &NestedLoopJoin{left: left, right: right, preds: preds, pageSize: pageSize}
}

func (j *NestedLoopJoin) Begin() error {
	if err := j.left.Begin(); err != nil {
		return err
	}
	if err := j.right.Begin(); err != nil {
		return err
	}
	j.leftCols = j.left.Cols()
	j.rightCols = j.right.Cols()
	j.cols = joinedCols(j.leftCols, j.rightCols)

	var err error
	if j.lf, err = newBlockFile(j.left.Len(), j.pageSize); err != nil {
		return err
	}
	if err := j.lf.fill(j.left); err != nil {
		return err
	}
	if err := j.left.Close(); err != nil {
		return err
	}
	if j.rf, err = newBlockFile(j.right.Len(), j.pageSize); err != nil {
		return err
	}
	if err := j.rf.fill(j.right); err != nil {
		return err
	}
	if err := j.right.Close(); err != nil {
		return err
	}

	j.ri = -1
	return j.settle()
}

func (j *NestedLoopJoin) decodeLeft(rec []byte) (types.Row, error) {
	return types.DecodeRow(types.Schema{Columns: j.leftCols}, rec, types.RID{})
}

func (j *NestedLoopJoin) decodeRight(rec []byte) (types.Row, error) {
	return types.DecodeRow(types.Schema{Columns: j.rightCols}, rec, types.RID{})
}

// settle advances (lb, rb, li, ri) to the next matching pair.
func (j *NestedLoopJoin) settle() error {
	for j.lb < j.lf.numBlocks() {
		if j.lblock == nil {
			var err error
			if j.lblock, err = j.lf.readBlock(j.lb); err != nil {
				return err
			}
		}
		for j.rb < j.rf.numBlocks() {
			if j.rblock == nil {
				var err error
				if j.rblock, err = j.rf.readBlock(j.rb); err != nil {
					return err
				}
			}
			for j.li < len(j.lblock) {
				lrow, err := j.decodeLeft(j.lblock[j.li])
				if err != nil {
					return err
				}
				for j.ri+1 < len(j.rblock) {
					j.ri++
					rrow, err := j.decodeRight(j.rblock[j.ri])
					if err != nil {
						return err
					}
					ok, err := j.pairMatches(lrow, rrow)
					if err != nil {
						return err
					}
					if ok {
						j.cur = joinRows(j.cols, lrow, rrow)
						return nil
					}
				}
				j.li++
				j.ri = -1
			}
			j.rb++
			j.rblock = nil
			j.li = 0
			j.ri = -1
		}
		j.lb++
		j.lblock = nil
		j.rb = 0
		j.li = 0
		j.ri = -1
	}
	j.done = true
	return nil
}

func (j *NestedLoopJoin) pairMatches(lrow, rrow types.Row) (bool, error) {
	for _, p := range j.preds {
		if p.RightColumn == "" {
			continue
		}
		ok, err := evalJoin(p, lrow, rrow)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (j *NestedLoopJoin) IsEnd() bool { return j.done }

func (j *NestedLoopJoin) Next() error {
	if j.done {
		return nil
	}
	return j.settle()
}

func (j *NestedLoopJoin) Current() (types.Row, error) {
	if j.done {
		return types.Row{}, dberr.New(dberr.IndexEntryNotFound, "join exhausted")
	}
	return j.cur.Clone(), nil
}

func (j *NestedLoopJoin) Cols() []types.Column { return j.cols }
func (j *NestedLoopJoin) Len() int             { return recordWidth(j.cols) }
func (j *NestedLoopJoin) RID() types.RID       { return types.RID{} }

func (j *NestedLoopJoin) Close() error {
	j.done = true
	var first error
	if j.lf != nil {
		if err := j.lf.close(); err != nil {
			first = err
		}
		j.lf = nil
	}
	if j.rf != nil {
		if err := j.rf.close(); err != nil && first == nil {
			first = err
		}
		j.rf = nil
	}
	return first
}
