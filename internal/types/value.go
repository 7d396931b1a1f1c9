// Package types defines the column/value/row model shared by every storage
// and execution package: the typed values INT, BIGINT, FLOAT, CHAR(n), and
// DATETIME, the column descriptor, and the row identifier.
package types

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"emberdb/internal/dberr"
)

// Kind identifies a column's storage type.
type Kind int

const (
	KindInvalid Kind = iota
	KindInt
	KindBigInt
	KindFloat
	KindChar
	KindDateTime
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "INT"
	case KindBigInt:
		return "BIGINT"
	case KindFloat:
		return "FLOAT"
	case KindChar:
		return "CHAR"
	case KindDateTime:
		return "DATETIME"
	default:
		return "INVALID"
	}
}

// ParseKind parses a column kind's canonical name, as stored in the
// catalog manifest.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "INT":
		return KindInt, nil
	case "BIGINT":
		return KindBigInt, nil
	case "FLOAT":
		return KindFloat, nil
	case "CHAR":
		return KindChar, nil
	case "DATETIME":
		return KindDateTime, nil
	default:
		return KindInvalid, dberr.New(dberr.IncompatibleType, "unknown column kind %q", s)
	}
}

// Fixed widths in bytes. CHAR is variable per-column.
const (
	IntWidth      = 4
	BigIntWidth   = 8
	FloatWidth    = 4
	DateTimeWidth = 19

	DateTimeLayout = "2006-01-02 15:04:05"
)

// Width returns the on-disk byte width of a value of this kind. For
// KindChar the caller must use the column's declared length instead.
func (k Kind) Width(charLen int) int {
	switch k {
	case KindInt:
		return IntWidth
	case KindBigInt:
		return BigIntWidth
	case KindFloat:
		return FloatWidth
	case KindChar:
		return charLen
	case KindDateTime:
		return DateTimeWidth
	default:
		return 0
	}
}

// Value is a typed column value. Exactly one of the fields is meaningful,
// selected by Kind.
type Value struct {
	Kind     Kind
	AsInt    int32
	AsBigInt int64
	AsFloat  float32
	AsChar   string
	AsTime   time.Time
}

func NewInt(v int32) Value      { return Value{Kind: KindInt, AsInt: v} }
func NewBigInt(v int64) Value   { return Value{Kind: KindBigInt, AsBigInt: v} }
func NewFloat(v float32) Value  { return Value{Kind: KindFloat, AsFloat: v} }
func NewChar(v string) Value    { return Value{Kind: KindChar, AsChar: v} }
func NewDateTime(t time.Time) Value { return Value{Kind: KindDateTime, AsTime: t} }

// ParseDateTime validates "YYYY-MM-DD HH:MM:SS".
func ParseDateTime(s string) (Value, error) {
	t, err := time.Parse(DateTimeLayout, s)
	if err != nil {
		return Value{}, dberr.Wrap(dberr.DateTimeFormat, err, "invalid datetime literal %q", s)
	}
	return NewDateTime(t), nil
}

// String renders the value the way the result stream prints it.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return fmt.Sprintf("%d", v.AsInt)
	case KindBigInt:
		return fmt.Sprintf("%d", v.AsBigInt)
	case KindFloat:
		return fmt.Sprintf("%g", v.AsFloat)
	case KindChar:
		return v.AsChar
	case KindDateTime:
		return v.AsTime.Format(DateTimeLayout)
	default:
		return "<invalid>"
	}
}

// Compare orders two values of the same kind: negative if v < other, 0 if
// equal, positive if v > other. Callers must coerce to a common kind first
// via CoerceTo; Compare itself does not widen.
func (v Value) Compare(other Value) int {
	switch v.Kind {
	case KindInt:
		return cmpInt64(int64(v.AsInt), int64(other.AsInt))
	case KindBigInt:
		return cmpInt64(v.AsBigInt, other.AsBigInt)
	case KindFloat:
		return cmpFloat64(float64(v.AsFloat), float64(other.AsFloat))
	case KindChar:
		return strings.Compare(v.AsChar, other.AsChar)
	case KindDateTime:
		switch {
		case v.AsTime.Before(other.AsTime):
			return -1
		case v.AsTime.After(other.AsTime):
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// CoerceTo widens v to target using the fixed-width coercions:
// int<->bigint widen, int/bigint->float. CHAR and DATETIME never coerce.
func (v Value) CoerceTo(target Kind) (Value, error) {
	if v.Kind == target {
		return v, nil
	}
	switch {
	case v.Kind == KindInt && target == KindBigInt:
		return NewBigInt(int64(v.AsInt)), nil
	case v.Kind == KindInt && target == KindFloat:
		return NewFloat(float32(v.AsInt)), nil
	case v.Kind == KindBigInt && target == KindFloat:
		return NewFloat(float32(v.AsBigInt)), nil
	case v.Kind == KindBigInt && target == KindInt:
		if v.AsBigInt > int64(^uint32(0)>>1) || v.AsBigInt < -int64(^uint32(0)>>1)-1 {
			return Value{}, dberr.New(dberr.ResultOutOfRange, "bigint value %d overflows INT", v.AsBigInt)
		}
		return NewInt(int32(v.AsBigInt)), nil
	default:
		return Value{}, dberr.New(dberr.IncompatibleType, "cannot coerce %s to %s", v.Kind, target)
	}
}

// Encode writes v's fixed-width wire representation into buf, which must be
// exactly Kind.Width(len(buf)) bytes for CHAR, or the fixed width otherwise.
func (v Value) Encode(buf []byte) error {
	switch v.Kind {
	case KindInt:
		binary.LittleEndian.PutUint32(buf, uint32(v.AsInt))
	case KindBigInt:
		binary.LittleEndian.PutUint64(buf, uint64(v.AsBigInt))
	case KindFloat:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v.AsFloat))
	case KindChar:
		n := copy(buf, v.AsChar)
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
	case KindDateTime:
		copy(buf, v.AsTime.Format(DateTimeLayout))
	default:
		return dberr.New(dberr.IncompatibleType, "cannot encode value of kind %s", v.Kind)
	}
	return nil
}

// Decode reads a value of the given kind from buf.
func Decode(kind Kind, buf []byte) (Value, error) {
	switch kind {
	case KindInt:
		return NewInt(int32(binary.LittleEndian.Uint32(buf))), nil
	case KindBigInt:
		return NewBigInt(int64(binary.LittleEndian.Uint64(buf))), nil
	case KindFloat:
		return NewFloat(math.Float32frombits(binary.LittleEndian.Uint32(buf))), nil
	case KindChar:
		n := 0
		for n < len(buf) && buf[n] != 0 {
			n++
		}
		return NewChar(string(buf[:n])), nil
	case KindDateTime:
		n := 0
		for n < len(buf) && buf[n] != 0 {
			n++
		}
		return ParseDateTime(string(buf[:n]))
	default:
		return Value{}, dberr.New(dberr.IncompatibleType, "cannot decode value of kind %s", kind)
	}
}
