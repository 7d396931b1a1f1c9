package exec

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/OneOfOne/xxhash"

	"emberdb/internal/dberr"
	"emberdb/internal/types"
)

const (
	hashPartitions = 256
	partitionBits  = 8
	hashBuckets    = 256
)

// hashKeyBytes canonicalises a join key value for hashing so equal values
// of different declared widths hash identically: INT and BIGINT widen to
// eight bytes, CHAR and DATETIME hash their text, FLOAT its bit pattern.
// This widens the join beyond INT-only keys without giving up the
// partition-by-hash layout.
func hashKeyBytes(v types.Value) ([]byte, error) {
	switch v.Kind {
	case types.KindInt:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(int64(v.AsInt)))
		return buf, nil
	case types.KindBigInt:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v.AsBigInt))
		return buf, nil
	case types.KindFloat:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v.AsFloat))
		return buf, nil
	case types.KindChar:
		return []byte(v.AsChar), nil
	case types.KindDateTime:
		return []byte(v.AsTime.Format(types.DateTimeLayout)), nil
	default:
		return nil, dberr.New(dberr.IncompatibleType, "cannot hash a %s join key", v.Kind)
	}
}

func hashValue(v types.Value) (uint64, error) {
	b, err := hashKeyBytes(v)
	if err != nil {
		return 0, err
	}
	return xxhash.Checksum64(b), nil
}

// partitionSet holds one input's 2^8 partitions for the partition phase:
// each buffers up to one page of fixed-width records in memory and spills
// to a temporary file when the page fills.
type partition struct {
	buf  []byte
	file *os.File
	rows int
}

type partitionSet struct {
	rowWidth int
	pageSize int
	parts    [hashPartitions]partition
}

func newPartitionSet(rowWidth, pageSize int) *partitionSet {
	return &partitionSet{rowWidth: rowWidth, pageSize: pageSize}
}

func (ps *partitionSet) add(h uint64, rec []byte) error {
	p := &ps.parts[h&(hashPartitions-1)]
	if len(p.buf)+ps.rowWidth > ps.pageSize && len(p.buf) > 0 {
		if err := ps.spill(p); err != nil {
			return err
		}
	}
	p.buf = append(p.buf, rec...)
	p.rows++
	return nil
}

func (ps *partitionSet) spill(p *partition) error {
	if p.file == nil {
		f, err := os.CreateTemp("", "emberdb-hj-*")
		if err != nil {
			return dberr.Wrap(dberr.UnixError, err, "creating hash-join spill file")
		}
		p.file = f
	}
	if _, err := p.file.Write(p.buf); err != nil {
		return dberr.Wrap(dberr.UnixError, err, "writing hash-join spill file")
	}
	p.buf = p.buf[:0]
	return nil
}

// read returns every record of partition i, re-reading the spill file when
// the partition overflowed its page.
func (ps *partitionSet) read(i int) ([][]byte, error) {
	p := &ps.parts[i]
	var data []byte
	if p.file != nil {
		info, err := p.file.Stat()
		if err != nil {
			return nil, dberr.Wrap(dberr.UnixError, err, "sizing hash-join spill file")
		}
		data = make([]byte, info.Size())
		if _, err := p.file.ReadAt(data, 0); err != nil {
			return nil, dberr.Wrap(dberr.UnixError, err, "reading hash-join spill file")
		}
	}
	data = append(data, p.buf...)
	n := len(data) / ps.rowWidth
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = data[i*ps.rowWidth : (i+1)*ps.rowWidth]
	}
	return out, nil
}

func (ps *partitionSet) rows(i int) int { return ps.parts[i].rows }

func (ps *partitionSet) close() error {
	var first error
	for i := range ps.parts {
		p := &ps.parts[i]
		if p.file != nil {
			name := p.file.Name()
			if err := p.file.Close(); err != nil && first == nil {
				first = err
			}
			if err := os.Remove(name); err != nil && first == nil {
				first = err
			}
			p.file = nil
		}
	}
	return first
}

// HashJoin is the partitioned hash join on the first equality predicate:
// phase 1 splits both inputs into 2^8 partitions by the low 8 bits of the
// key hash; phase 2 materialises each left partition, builds a bucketed
// hash table chained through a next-index array on the next 8 bits, and
// probes the right partition, re-checking residual predicates per match.
type HashJoin struct {
	left, right Operator
	preds       []Predicate
	pageSize    int

	keyPred             Predicate
	leftCols, rightCols []types.Column
	cols                []types.Column
	lp, rp              *partitionSet

	part    int
	matches []types.Row
	pos     int
	done    bool
}

func NewHashJoin(left, right Operator, preds []Predicate, pageSize int) *HashJoin {
	return &HashJoin{left: left, right: right, preds: preds, pageSize: pageSize}
}

func (j *HashJoin) Begin() error {
	found := false
	for _, p := range j.preds {
		if p.Op == OpEq && p.RightColumn != "" {
			j.keyPred = p
			found = true
			break
		}
	}
	if !found {
		return dberr.New(dberr.IncompatibleType, "hash join requires an equality join predicate")
	}

	if err := j.left.Begin(); err != nil {
		return err
	}
	if err := j.right.Begin(); err != nil {
		return err
	}
	j.leftCols = j.left.Cols()
	j.rightCols = j.right.Cols()
	j.cols = joinedCols(j.leftCols, j.rightCols)

	j.lp = newPartitionSet(j.left.Len(), j.pageSize)
	j.rp = newPartitionSet(j.right.Len(), j.pageSize)
	if err := j.partitionInput(j.left, j.lp, j.keyPred.Column); err != nil {
		return err
	}
	if err := j.left.Close(); err != nil {
		return err
	}
	if err := j.partitionInput(j.right, j.rp, j.keyPred.RightColumn); err != nil {
		return err
	}
	if err := j.right.Close(); err != nil {
		return err
	}

	j.part = -1
	return j.settle()
}

func (j *HashJoin) partitionInput(op Operator, ps *partitionSet, keyCol string) error {
	buf := make([]byte, ps.rowWidth)
	for !op.IsEnd() {
		row, err := op.Current()
		if err != nil {
			return err
		}
		v, err := row.Get(keyCol)
		if err != nil {
			return err
		}
		h, err := hashValue(v)
		if err != nil {
			return err
		}
		if err := row.Encode(buf); err != nil {
			return err
		}
		if err := ps.add(h, buf); err != nil {
			return err
		}
		if err := op.Next(); err != nil {
			return err
		}
	}
	return nil
}

// buildAndProbe joins one non-empty partition pair: left rows chained into
// hashBuckets via a next-index array, right rows probed against it.
func (j *HashJoin) buildAndProbe(part int) ([]types.Row, error) {
	leftRecs, err := j.lp.read(part)
	if err != nil {
		return nil, err
	}
	rightRecs, err := j.rp.read(part)
	if err != nil {
		return nil, err
	}

	leftRows := make([]types.Row, len(leftRecs))
	leftKeys := make([]types.Value, len(leftRecs))
	var heads [hashBuckets]int
	for i := range heads {
		heads[i] = -1
	}
	next := make([]int, len(leftRecs))
	for i, rec := range leftRecs {
		row, err := types.DecodeRow(types.Schema{Columns: j.leftCols}, rec, types.RID{})
		if err != nil {
			return nil, err
		}
		v, err := row.Get(j.keyPred.Column)
		if err != nil {
			return nil, err
		}
		h, err := hashValue(v)
		if err != nil {
			return nil, err
		}
		b := (h >> partitionBits) & (hashBuckets - 1)
		leftRows[i] = row
		leftKeys[i] = v
		next[i] = heads[b]
		heads[b] = i
	}

	var out []types.Row
	for _, rec := range rightRecs {
		rrow, err := types.DecodeRow(types.Schema{Columns: j.rightCols}, rec, types.RID{})
		if err != nil {
			return nil, err
		}
		rv, err := rrow.Get(j.keyPred.RightColumn)
		if err != nil {
			return nil, err
		}
		h, err := hashValue(rv)
		if err != nil {
			return nil, err
		}
		b := (h >> partitionBits) & (hashBuckets - 1)
		for i := heads[b]; i >= 0; i = next[i] {
			cmp, err := compareValues(leftKeys[i], rv)
			if err != nil || cmp != 0 {
				continue
			}
			ok, err := j.residualMatches(leftRows[i], rrow)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, joinRows(j.cols, leftRows[i], rrow))
			}
		}
	}
	return out, nil
}

func (j *HashJoin) residualMatches(lrow, rrow types.Row) (bool, error) {
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

// settle advances to the next partition that produces matches.
func (j *HashJoin) settle() error {
	j.pos++
	if j.pos < len(j.matches) {
		return nil
	}
	for j.part+1 < hashPartitions {
		j.part++
		if j.lp.rows(j.part) == 0 || j.rp.rows(j.part) == 0 {
			continue
		}
		matches, err := j.buildAndProbe(j.part)
		if err != nil {
			return err
		}
		if len(matches) > 0 {
			j.matches = matches
			j.pos = 0
			return nil
		}
	}
	j.done = true
	return nil
}

func (j *HashJoin) IsEnd() bool { return j.done }

func (j *HashJoin) Next() error {
	if j.done {
		return nil
	}
	return j.settle()
}

func (j *HashJoin) Current() (types.Row, error) {
	if j.done {
		return types.Row{}, dberr.New(dberr.IndexEntryNotFound, "join exhausted")
	}
	return j.matches[j.pos].Clone(), nil
}

func (j *HashJoin) Cols() []types.Column { return j.cols }
func (j *HashJoin) Len() int             { return recordWidth(j.cols) }
func (j *HashJoin) RID() types.RID       { return types.RID{} }

func (j *HashJoin) Close() error {
	j.done = true
	var first error
	if j.lp != nil {
		if err := j.lp.close(); err != nil {
			first = err
		}
		j.lp = nil
	}
	if j.rp != nil {
		if err := j.rp.close(); err != nil && first == nil {
			first = err
		}
		j.rp = nil
	}
	return first
}
