package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberdb/internal/dberr"
)

func TestValueEncodeDecodeRoundTrip(t *testing.T) {
	dt, err := ParseDateTime("2024-01-02 03:04:05")
	require.NoError(t, err)

	cases := []struct {
		name string
		kind Kind
		v    Value
		w    int
	}{
		{"int", KindInt, NewInt(-42), IntWidth},
		{"bigint", KindBigInt, NewBigInt(1 << 40), BigIntWidth},
		{"float", KindFloat, NewFloat(3.5), FloatWidth},
		{"char", KindChar, NewChar("hi"), 8},
		{"datetime", KindDateTime, dt, DateTimeWidth},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf := make([]byte, c.w)
			require.NoError(t, c.v.Encode(buf))
			got, err := Decode(c.kind, buf)
			require.NoError(t, err)
			assert.Equal(t, 0, c.v.Compare(got))
		})
	}
}

func TestParseDateTimeRejectsBadFormat(t *testing.T) {
	_, err := ParseDateTime("not-a-date")
	require.Error(t, err)
	e, ok := dberr.As(err)
	require.True(t, ok)
	assert.Equal(t, dberr.DateTimeFormat, e.Kind)
}

func TestCoerceToWidensNumerics(t *testing.T) {
	v, err := NewInt(7).CoerceTo(KindBigInt)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.AsBigInt)

	v, err = NewInt(7).CoerceTo(KindFloat)
	require.NoError(t, err)
	assert.Equal(t, float32(7), v.AsFloat)

	_, err = NewChar("x").CoerceTo(KindInt)
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.IncompatibleType))
}

func TestCoerceBigIntToIntOverflow(t *testing.T) {
	_, err := NewBigInt(1 << 40).CoerceTo(KindInt)
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.ResultOutOfRange))
}

func TestCompareOrdering(t *testing.T) {
	assert.Equal(t, -1, NewInt(1).Compare(NewInt(2)))
	assert.Equal(t, 1, NewInt(2).Compare(NewInt(1)))
	assert.Equal(t, 0, NewChar("ab").Compare(NewChar("ab")))
	assert.True(t, NewChar("ab").Compare(NewChar("ac")) < 0)

	early, _ := ParseDateTime("2020-01-01 00:00:00")
	late, _ := ParseDateTime("2021-01-01 00:00:00")
	assert.True(t, early.Compare(late) < 0)
	_ = time.Second
}

func TestRowNewRowValidatesWidthAndOverflow(t *testing.T) {
	schema := Schema{
		Table: "t",
		Columns: testColumns(),
	}
	_, err := NewRow(schema, []Value{NewInt(1)})
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.InvalidValueCount))

	_, err = NewRow(schema, []Value{NewInt(1), NewChar("far too long for the column")})
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.StringOverflow))

	row, err := NewRow(schema, []Value{NewInt(1), NewChar("ok")})
	require.NoError(t, err)
	buf := make([]byte, schema.RecordWidth())
	require.NoError(t, row.Encode(buf))
	back, err := DecodeRow(schema, buf, RID{PageNo: 1, Slot: 0})
	require.NoError(t, err)
	got, _ := back.Get("name")
	assert.Equal(t, "ok", got.AsChar)
}

func testColumns() []Column {
	return WithOffsets("t", []Column{
		{Name: "id", Kind: KindInt},
		{Name: "name", Kind: KindChar, Length: 8},
	})
}
