// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rowbuf_test

import (
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/streamload/coldesc"
	"github.com/grailbio/streamload/errors"
	"github.com/grailbio/streamload/rowbuf"
)

type testChannel struct {
	mem memory.Allocator
	seq atomic.Int64

	mu     sync.Mutex
	offset string
}

func newTestChannel(mem memory.Allocator) *testChannel {
	return &testChannel{mem: mem}
}

func (c *testChannel) Allocator() memory.Allocator { return c.mem }
func (c *testChannel) NextRowSequencer() int64     { return c.seq.Add(1) }
func (c *testChannel) FullyQualifiedName() string  { return "db.schema.table" }

func (c *testChannel) OffsetToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

func (c *testChannel) SetOffsetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = token
}

func intp(v int) *int { return &v }

func newBuffer(t *testing.T, columns ...coldesc.ColumnMetadata) (*rowbuf.Buffer, *testChannel) {
	t.Helper()
	ch := newTestChannel(memory.NewGoAllocator())
	buf := rowbuf.New(ch, rowbuf.Opts{})
	require.NoError(t, buf.SetupSchema(columns))
	return buf, ch
}

func TestSingleIntegerColumn(t *testing.T) {
	buf, _ := newBuffer(t, coldesc.ColumnMetadata{
		Name: "ID", Nullable: true, LogicalType: "FIXED", PhysicalType: "SB4", Scale: intp(0),
	})
	defer buf.Close()
	err := buf.InsertRows([]rowbuf.Row{{"ID": 1}, {"ID": 2}, {"ID": nil}}, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, buf.RowCount())

	data := buf.Flush()
	require.NotNil(t, data)
	defer data.Release()
	assert.EqualValues(t, 3, data.RowCount)
	assert.EqualValues(t, 0, buf.RowCount())
	assert.EqualValues(t, 0, buf.BufferSize())
	assert.EqualValues(t, 1, data.RowSequencer)
	assert.Equal(t, "t1", data.OffsetToken)

	require.Len(t, data.Vectors, 1)
	ids := data.Vectors[0].(*array.Int32)
	require.Equal(t, 3, ids.Len())
	assert.EqualValues(t, 1, ids.Value(0))
	assert.EqualValues(t, 2, ids.Value(1))
	assert.True(t, ids.IsNull(2))

	props := data.ColumnEps.Columns["ID"]
	require.NotNil(t, props)
	assert.EqualValues(t, 0, props.MinIntValue.Cmp(big.NewInt(1)))
	assert.EqualValues(t, 0, props.MaxIntValue.Cmp(big.NewInt(2)))
	assert.EqualValues(t, 1, props.NullCount)
	assert.EqualValues(t, 3, data.ColumnEps.RowCount)
}

func TestDecimalScale(t *testing.T) {
	buf, _ := newBuffer(t, coldesc.ColumnMetadata{
		Name: "PRICE", Nullable: true, LogicalType: "FIXED", PhysicalType: "SB4",
		Precision: intp(9), Scale: intp(2),
	})
	defer buf.Close()
	err := buf.InsertRows([]rowbuf.Row{{"PRICE": "12.34"}, {"PRICE": "0.01"}}, "")
	require.NoError(t, err)

	data := buf.Flush()
	require.NotNil(t, data)
	defer data.Release()
	dec := data.Vectors[0].(*array.Decimal128)
	typ := dec.DataType().(*arrow.Decimal128Type)
	assert.EqualValues(t, 9, typ.Precision)
	assert.EqualValues(t, 2, typ.Scale)
	assert.EqualValues(t, 0, dec.Value(0).BigInt().Cmp(big.NewInt(1234)))
	assert.EqualValues(t, 0, dec.Value(1).BigInt().Cmp(big.NewInt(1)))

	props := data.ColumnEps.Columns["PRICE"]
	assert.EqualValues(t, 0, props.MinIntValue.Cmp(big.NewInt(0)))
	assert.EqualValues(t, 0, props.MaxIntValue.Cmp(big.NewInt(12)))
}

func TestTimestampStruct(t *testing.T) {
	buf, _ := newBuffer(t, coldesc.ColumnMetadata{
		Name: "TS", Nullable: true, LogicalType: "TIMESTAMP_NTZ", PhysicalType: "SB16",
		Scale: intp(6),
	})
	defer buf.Close()
	err := buf.InsertRows([]rowbuf.Row{{"TS": "1700000000.123456"}}, "")
	require.NoError(t, err)
	assert.InDelta(t, 12.25+0.125, buf.BufferSize(), 1e-9)

	data := buf.Flush()
	require.NotNil(t, data)
	defer data.Release()
	st := data.Vectors[0].(*array.Struct)
	epoch := st.Field(0).(*array.Int64)
	fraction := st.Field(1).(*array.Int32)
	assert.EqualValues(t, 1700000000, epoch.Value(0))
	assert.EqualValues(t, 123456000, fraction.Value(0))

	props := data.ColumnEps.Columns["TS"]
	want, _ := new(big.Int).SetString("1700000000123456", 10)
	assert.EqualValues(t, 0, props.MaxIntValue.Cmp(want))
}

func TestTimestampStructNull(t *testing.T) {
	buf, _ := newBuffer(t, coldesc.ColumnMetadata{
		Name: "TS", Nullable: true, LogicalType: "TIMESTAMP_LTZ", PhysicalType: "SB16",
		Scale: intp(9),
	})
	defer buf.Close()
	require.NoError(t, buf.InsertRows([]rowbuf.Row{{"TS": nil}, {"TS": "3.5"}}, ""))
	data := buf.Flush()
	require.NotNil(t, data)
	defer data.Release()
	st := data.Vectors[0].(*array.Struct)
	assert.True(t, st.IsNull(0))
	assert.False(t, st.IsNull(1))
	assert.EqualValues(t, 3, st.Field(0).(*array.Int64).Value(1))
	assert.EqualValues(t, 500000000, st.Field(1).(*array.Int32).Value(1))
}

func TestTimestampAccuracyExceedsScale(t *testing.T) {
	buf, _ := newBuffer(t, coldesc.ColumnMetadata{
		Name: "TS", Nullable: true, LogicalType: "TIMESTAMP_NTZ", PhysicalType: "SB16",
		Scale: intp(3),
	})
	defer buf.Close()
	err := buf.InsertRows([]rowbuf.Row{{"TS": "1700000000.123456789"}}, "")
	assert.True(t, errors.Is(errors.InvalidRow, err), "got %v", err)

	require.NoError(t, buf.InsertRows([]rowbuf.Row{{"TS": "1700000000.123000000"}}, ""))
}

func TestQuotedColumnNames(t *testing.T) {
	buf, _ := newBuffer(t,
		coldesc.ColumnMetadata{Name: `"foo"`, Nullable: true, LogicalType: "TEXT", PhysicalType: "LOB"},
		coldesc.ColumnMetadata{Name: "FOO", Nullable: true, LogicalType: "TEXT", PhysicalType: "LOB"},
	)
	defer buf.Close()
	err := buf.InsertRows([]rowbuf.Row{
		{`"foo"`: "a", "FOO": "b"},
		{`"foo"`: "c", "foo": "d"},
	}, "")
	require.NoError(t, err)

	data := buf.Flush()
	require.NotNil(t, data)
	defer data.Release()
	require.Equal(t, []string{"foo", "FOO"}, []string{
		data.Schema.Field(0).Name, data.Schema.Field(1).Name,
	})
	quoted := data.Vectors[0].(*array.String)
	upper := data.Vectors[1].(*array.String)
	assert.Equal(t, "a", quoted.Value(0))
	assert.Equal(t, "c", quoted.Value(1))
	assert.Equal(t, "b", upper.Value(0))
	assert.Equal(t, "d", upper.Value(1))
}

func TestConcurrentInsertFlush(t *testing.T) {
	buf, _ := newBuffer(t, coldesc.ColumnMetadata{
		Name: "N", Nullable: true, LogicalType: "FIXED", PhysicalType: "SB8",
	})
	defer buf.Close()

	rows := make([]rowbuf.Row, 1000)
	for i := range rows {
		rows[i] = rowbuf.Row{"N": i}
	}
	done := make(chan error, 1)
	go func() {
		done <- buf.InsertRows(rows, "batch-1")
	}()
	require.NoError(t, <-done)

	data := buf.Flush()
	require.NotNil(t, data)
	assert.EqualValues(t, 1000, data.RowCount)
	assert.Equal(t, "batch-1", data.OffsetToken)
	assert.EqualValues(t, 1, data.RowSequencer)
	data.Release()

	require.NoError(t, buf.InsertRows(rows[:500], "batch-2"))
	data = buf.Flush()
	require.NotNil(t, data)
	assert.EqualValues(t, 500, data.RowCount)
	assert.EqualValues(t, 2, data.RowSequencer)
	data.Release()
}

func TestConcurrentFlushers(t *testing.T) {
	buf, _ := newBuffer(t, coldesc.ColumnMetadata{
		Name: "N", Nullable: true, LogicalType: "FIXED", PhysicalType: "SB8",
	})
	defer buf.Close()

	const batches = 20
	var wg sync.WaitGroup
	var flushedRows atomic.Int64
	var sequencers sync.Map
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < batches; i++ {
			if err := buf.InsertRows([]rowbuf.Row{{"N": i}, {"N": i + 1}}, "tok"); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < batches; i++ {
			if data := buf.Flush(); data != nil {
				flushedRows.Add(data.RowCount)
				if _, loaded := sequencers.LoadOrStore(data.RowSequencer, true); loaded {
					t.Errorf("duplicate row sequencer %d", data.RowSequencer)
				}
				data.Release()
			}
		}
	}()
	wg.Wait()
	if data := buf.Flush(); data != nil {
		flushedRows.Add(data.RowCount)
		data.Release()
	}
	assert.EqualValues(t, 2*batches, flushedRows.Load())
}

func TestUnsupportedType(t *testing.T) {
	ch := newTestChannel(memory.NewGoAllocator())
	buf := rowbuf.New(ch, rowbuf.Opts{})
	err := buf.SetupSchema([]coldesc.ColumnMetadata{
		{Name: "TS", LogicalType: "TIMESTAMP_TZ", PhysicalType: "SB16"},
	})
	assert.True(t, errors.Is(errors.UnknownDataType, err), "got %v", err)
}

func TestFixedRangeCheck(t *testing.T) {
	buf, _ := newBuffer(t, coldesc.ColumnMetadata{
		Name: "B", Nullable: true, LogicalType: "FIXED", PhysicalType: "SB1",
	})
	defer buf.Close()
	require.NoError(t, buf.InsertRows([]rowbuf.Row{{"B": -128}, {"B": 127}}, ""))
	err := buf.InsertRows([]rowbuf.Row{{"B": 128}}, "")
	assert.True(t, errors.Is(errors.InvalidRow, err), "got %v", err)
	err = buf.InsertRows([]rowbuf.Row{{"B": "not a number"}}, "")
	assert.True(t, errors.Is(errors.InvalidRow, err), "got %v", err)
}

func TestBooleanCoercions(t *testing.T) {
	buf, _ := newBuffer(t, coldesc.ColumnMetadata{
		Name: "B", Nullable: true, LogicalType: "BOOLEAN", PhysicalType: "SB1",
	})
	defer buf.Close()
	values := []interface{}{"YES", "no", 0.0, -1.5, 0.1, true, "on", "off", 2}
	want := []bool{true, false, false, false, true, true, true, false, true}
	rows := make([]rowbuf.Row, len(values))
	for i, v := range values {
		rows[i] = rowbuf.Row{"B": v}
	}
	require.NoError(t, buf.InsertRows(rows, ""))
	data := buf.Flush()
	require.NotNil(t, data)
	defer data.Release()
	bits := data.Vectors[0].(*array.Boolean)
	for i, w := range want {
		assert.Equal(t, w, bits.Value(i), "value %v", values[i])
	}
}

func TestBinaryHex(t *testing.T) {
	buf, _ := newBuffer(t, coldesc.ColumnMetadata{
		Name: "B", Nullable: true, LogicalType: "BINARY", PhysicalType: "LOB",
	})
	defer buf.Close()
	require.NoError(t, buf.InsertRows([]rowbuf.Row{
		{"B": "deadBEEF"},
		{"B": []byte{0x01, 0x02}},
	}, ""))
	err := buf.InsertRows([]rowbuf.Row{{"B": "abc"}}, "")
	assert.True(t, errors.Is(errors.InvalidRow, err), "got %v", err)

	data := buf.Flush()
	require.NotNil(t, data)
	defer data.Release()
	bin := data.Vectors[0].(*array.Binary)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, bin.Value(0))
	assert.Equal(t, []byte{0x01, 0x02}, bin.Value(1))
	assert.EqualValues(t, 4, data.ColumnEps.Columns["B"].MaxLength)
}

func TestMissingColumnsNullFilled(t *testing.T) {
	buf, _ := newBuffer(t,
		coldesc.ColumnMetadata{Name: "A", Nullable: true, LogicalType: "FIXED", PhysicalType: "SB8"},
		coldesc.ColumnMetadata{Name: "B", Nullable: true, LogicalType: "TEXT", PhysicalType: "LOB"},
	)
	defer buf.Close()
	require.NoError(t, buf.InsertRows([]rowbuf.Row{{"A": 7}}, ""))
	// One present key (bit + 8 bytes) and one null-filled column (bit).
	assert.InDelta(t, 0.125+8+0.125, buf.BufferSize(), 1e-9)

	data := buf.Flush()
	require.NotNil(t, data)
	defer data.Release()
	assert.EqualValues(t, 1, data.RowCount)
	b := data.Vectors[1].(*array.String)
	assert.True(t, b.IsNull(0))
	assert.EqualValues(t, 1, data.ColumnEps.Columns["B"].NullCount)
}

func TestRequireAllColumns(t *testing.T) {
	ch := newTestChannel(memory.NewGoAllocator())
	buf := rowbuf.New(ch, rowbuf.Opts{RequireAllColumns: true})
	require.NoError(t, buf.SetupSchema([]coldesc.ColumnMetadata{
		{Name: "A", Nullable: true, LogicalType: "FIXED", PhysicalType: "SB8"},
		{Name: "B", Nullable: true, LogicalType: "TEXT", PhysicalType: "LOB"},
	}))
	defer buf.Close()
	err := buf.InsertRows([]rowbuf.Row{{"A": 7}}, "")
	assert.True(t, errors.Is(errors.InvalidRow, err), "got %v", err)
}

func TestUnknownRowKeyIsInternal(t *testing.T) {
	buf, _ := newBuffer(t, coldesc.ColumnMetadata{
		Name: "A", Nullable: true, LogicalType: "FIXED", PhysicalType: "SB8",
	})
	defer buf.Close()
	err := buf.InsertRows([]rowbuf.Row{{"NOPE": 1}}, "")
	assert.True(t, errors.Is(errors.Internal, err), "got %v", err)
}

func TestFlushEmpty(t *testing.T) {
	buf, _ := newBuffer(t, coldesc.ColumnMetadata{
		Name: "A", Nullable: true, LogicalType: "FIXED", PhysicalType: "SB8",
	})
	defer buf.Close()
	assert.Nil(t, buf.Flush())
	require.NoError(t, buf.InsertRows([]rowbuf.Row{{"A": 1}}, ""))
	data := buf.Flush()
	require.NotNil(t, data)
	data.Release()
	assert.Nil(t, buf.Flush())
}

func TestBufferSizeMonotonic(t *testing.T) {
	buf, _ := newBuffer(t, coldesc.ColumnMetadata{
		Name: "S", Nullable: true, LogicalType: "TEXT", PhysicalType: "LOB",
	})
	defer buf.Close()
	prev := buf.BufferSize()
	for i := 0; i < 50; i++ {
		require.NoError(t, buf.InsertRows([]rowbuf.Row{{"S": "abcdef"}}, ""))
		cur := buf.BufferSize()
		assert.Greater(t, cur, prev)
		prev = cur
	}
	data := buf.Flush()
	require.NotNil(t, data)
	data.Release()
	assert.EqualValues(t, 0, buf.BufferSize())
}

func TestStatsSnapshotIsolation(t *testing.T) {
	buf, _ := newBuffer(t, coldesc.ColumnMetadata{
		Name: "A", Nullable: true, LogicalType: "FIXED", PhysicalType: "SB8",
	})
	defer buf.Close()
	require.NoError(t, buf.InsertRows([]rowbuf.Row{{"A": 1}}, ""))
	data := buf.Flush()
	require.NotNil(t, data)
	defer data.Release()

	// The next epoch's values must not leak into the snapshot.
	require.NoError(t, buf.InsertRows([]rowbuf.Row{{"A": 999}}, ""))
	props := data.ColumnEps.Columns["A"]
	assert.EqualValues(t, 0, props.MaxIntValue.Cmp(big.NewInt(1)))

	second := buf.Flush()
	require.NotNil(t, second)
	defer second.Release()
	assert.EqualValues(t, 0, second.ColumnEps.Columns["A"].MinIntValue.Cmp(big.NewInt(999)))
}

func TestVectorMetadata(t *testing.T) {
	buf, _ := newBuffer(t, coldesc.ColumnMetadata{
		Name: "PRICE", Nullable: true, LogicalType: "FIXED", PhysicalType: "SB4",
		Precision: intp(9), Scale: intp(2),
	})
	defer buf.Close()
	require.NoError(t, buf.InsertRows([]rowbuf.Row{{"PRICE": "1.00"}}, ""))
	data := buf.Flush()
	require.NotNil(t, data)
	defer data.Release()
	md := data.Schema.Field(0).Metadata
	idx := md.FindKey("logicalType")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "FIXED", md.Values()[idx])
	idx = md.FindKey("scale")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "2", md.Values()[idx])
}

func TestAllocatorHygiene(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	ch := newTestChannel(mem)
	buf := rowbuf.New(ch, rowbuf.Opts{})
	require.NoError(t, buf.SetupSchema([]coldesc.ColumnMetadata{
		{Name: "A", Nullable: true, LogicalType: "FIXED", PhysicalType: "SB8"},
		{Name: "S", Nullable: true, LogicalType: "TEXT", PhysicalType: "LOB"},
	}))
	require.NoError(t, buf.InsertRows([]rowbuf.Row{{"A": 1, "S": "x"}}, ""))
	data := buf.Flush()
	require.NotNil(t, data)
	data.Release()
	// Unflushed trailing rows are released by Close.
	require.NoError(t, buf.InsertRows([]rowbuf.Row{{"A": 2, "S": "y"}}, ""))
	buf.Close()
	mem.AssertSize(t, 0)
}

func TestInsertBeforeSetupSchema(t *testing.T) {
	ch := newTestChannel(memory.NewGoAllocator())
	buf := rowbuf.New(ch, rowbuf.Opts{})
	err := buf.InsertRows([]rowbuf.Row{{"A": 1}}, "")
	assert.True(t, errors.Is(errors.Internal, err), "got %v", err)
}

func TestOffsetTokenStoredAfterBatch(t *testing.T) {
	buf, ch := newBuffer(t, coldesc.ColumnMetadata{
		Name: "A", Nullable: true, LogicalType: "FIXED", PhysicalType: "SB8",
	})
	defer buf.Close()
	require.NoError(t, buf.InsertRows([]rowbuf.Row{{"A": 1}}, "tok-1"))
	assert.Equal(t, "tok-1", ch.OffsetToken())
	// A failed batch must not store its token.
	err := buf.InsertRows([]rowbuf.Row{{"A": "bad"}}, "tok-2")
	require.Error(t, err)
	assert.Equal(t, "tok-1", ch.OffsetToken())
}
