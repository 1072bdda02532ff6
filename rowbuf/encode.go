// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rowbuf

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/grailbio/base/limitbuf"

	"github.com/grailbio/streamload/coldesc"
	"github.com/grailbio/streamload/colstats"
	"github.com/grailbio/streamload/errors"
)

// encodeRow writes one row at the current row index across all
// columns and advances the index. Each present key costs one null
// bitmap bit (0.125 bytes) plus the encoded width of its value.
// Schema columns the row omits are null-filled, or fail the row when
// Opts.RequireAllColumns is set.
func (b *Buffer) encodeRow(row Row) error {
	present := make(map[string]bool, len(row))
	for key, value := range row {
		b.addSize(0.125)
		name := coldesc.NormalizeName(key)
		col, ok := b.fields[name]
		if !ok {
			return errors.E(errors.Internal, "no field for column", name)
		}
		vec, ok := b.vectors[name]
		if !ok {
			return errors.E(errors.Internal, "no vector for column", name)
		}
		st, ok := b.stats[name]
		if !ok {
			return errors.E(errors.Internal, "no statistics for column", name)
		}
		present[name] = true
		if value == nil {
			// Struct vectors null their child slots as well.
			vec.AppendNull()
			st.IncNullCount()
			continue
		}
		delta, err := encodeValue(col, vec, st, value)
		if err != nil {
			return errors.E("column", col.Name,
				"("+col.Logical.String()+", "+col.Physical.String()+")", err)
		}
		b.addSize(delta)
	}
	if len(present) != len(b.names) {
		for _, name := range b.names {
			if present[name] {
				continue
			}
			if b.opts.RequireAllColumns {
				return errors.E(errors.InvalidRow, "row is missing column", name)
			}
			b.addSize(0.125)
			b.vectors[name].AppendNull()
			b.stats[name].IncNullCount()
		}
	}
	b.curRowIndex++
	b.rowCount.Store(int64(b.curRowIndex))
	return nil
}

// encodeValue coerces value into col's vector, updates the column
// statistics, and returns the encoded byte contribution.
func encodeValue(col *coldesc.Column, vec array.Builder, st *colstats.Stats, value interface{}) (float64, error) {
	switch col.Logical {
	case coldesc.LogicalFixed:
		if col.Physical != coldesc.PhysicalSB16 && col.ScaleOrZero() == 0 {
			return encodeInteger(col, vec, st, value)
		}
		return encodeDecimal(col, vec, st, value)
	case coldesc.LogicalAny, coldesc.LogicalArray, coldesc.LogicalChar,
		coldesc.LogicalText, coldesc.LogicalObject, coldesc.LogicalVariant:
		return encodeText(vec, st, value)
	case coldesc.LogicalTimestampLTZ, coldesc.LogicalTimestampNTZ:
		if col.Physical == coldesc.PhysicalSB16 {
			return encodeTimestampStruct(col, vec, st, value)
		}
		return encodeEpoch(col, vec, st, value, 8)
	case coldesc.LogicalDate:
		return encodeDate(vec, st, value)
	case coldesc.LogicalTime:
		if col.Physical == coldesc.PhysicalSB4 {
			return encodeEpoch(col, vec, st, value, 4)
		}
		return encodeEpoch(col, vec, st, value, 8)
	case coldesc.LogicalBoolean:
		return encodeBoolean(vec, st, value)
	case coldesc.LogicalBinary:
		return encodeBinary(vec, st, value)
	case coldesc.LogicalReal:
		return encodeReal(vec, st, value)
	}
	return 0, errors.E(errors.UnknownDataType,
		"unsupported type combination: logical "+col.Logical.String()+", physical "+col.Physical.String())
}

// encodeInteger handles unscaled FIXED columns of widths 1..8: the
// value must already be an integer fitting the storage width.
func encodeInteger(col *coldesc.Column, vec array.Builder, st *colstats.Stats, value interface{}) (float64, error) {
	iv, ok := asInt64(value)
	if !ok {
		return 0, errors.E(errors.InvalidRow, "not an integer value:", renderValue(value))
	}
	var width float64
	switch bld := vec.(type) {
	case *array.Int8Builder:
		if iv < math.MinInt8 || iv > math.MaxInt8 {
			return 0, rangeErr(iv)
		}
		bld.Append(int8(iv))
		width = 1
	case *array.Int16Builder:
		if iv < math.MinInt16 || iv > math.MaxInt16 {
			return 0, rangeErr(iv)
		}
		bld.Append(int16(iv))
		width = 2
	case *array.Int32Builder:
		if iv < math.MinInt32 || iv > math.MaxInt32 {
			return 0, rangeErr(iv)
		}
		bld.Append(int32(iv))
		width = 4
	case *array.Int64Builder:
		bld.Append(iv)
		width = 8
	default:
		return 0, errors.E(errors.Internal, "unexpected vector kind for column", col.Name)
	}
	st.AddInt64(iv)
	return width, nil
}

func rangeErr(iv int64) error {
	return errors.E(errors.InvalidRow, "value out of range for column width:", strconv.FormatInt(iv, 10))
}

// encodeDecimal handles scaled FIXED columns and all SB16 columns:
// the value's string form is parsed as an arbitrary-precision decimal
// and appended to a 128-bit decimal vector.
func encodeDecimal(col *coldesc.Column, vec array.Builder, st *colstats.Stats, value interface{}) (float64, error) {
	bld, ok := vec.(*array.Decimal128Builder)
	if !ok {
		return 0, errors.E(errors.Internal, "unexpected vector kind for column", col.Name)
	}
	r, ok := new(big.Rat).SetString(stringForm(value))
	if !ok {
		return 0, errors.E(errors.InvalidRow, "cannot parse decimal value:", renderValue(value))
	}
	scale := col.ScaleOrZero()
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(pow10(scale)))
	if !scaled.IsInt() {
		return 0, errors.E(errors.InvalidRow, "accuracy greater than column scale",
			strconv.Itoa(scale)+":", renderValue(value))
	}
	unscaled := scaled.Num()
	if unscaled.CmpAbs(pow10(col.PrecisionOrDefault())) >= 0 {
		return 0, errors.E(errors.InvalidRow, "value out of range for precision",
			strconv.Itoa(col.PrecisionOrDefault())+":", renderValue(value))
	}
	bld.Append(decimal128.FromBigInt(unscaled))
	// The integer part of the decimal feeds the min/max statistics.
	st.AddInt(new(big.Int).Quo(r.Num(), r.Denom()))
	return 16, nil
}

func encodeText(vec array.Builder, st *colstats.Stats, value interface{}) (float64, error) {
	bld, ok := vec.(*array.StringBuilder)
	if !ok {
		return 0, errors.E(errors.Internal, "unexpected vector kind for text column")
	}
	s := stringForm(value)
	bld.Append(s)
	st.AddStr(s)
	st.SetMaxLength(int64(len(s)))
	return float64(len(s)), nil
}

// encodeEpoch handles TIMESTAMP SB8 and TIME SB4/SB8 columns: the
// value scaled by 10^scale and rounded, stored as a 4- or 8-byte
// signed integer.
func encodeEpoch(col *coldesc.Column, vec array.Builder, st *colstats.Stats, value interface{}, width int) (float64, error) {
	ts, err := timeInScale(stringForm(value), col.ScaleOrZero())
	if err != nil {
		return 0, err
	}
	switch bld := vec.(type) {
	case *array.Int32Builder:
		if !ts.IsInt64() || ts.Int64() < math.MinInt32 || ts.Int64() > math.MaxInt32 {
			return 0, errors.E(errors.InvalidRow, "scaled time value out of range:", renderValue(value))
		}
		bld.Append(int32(ts.Int64()))
	case *array.Int64Builder:
		bld.Append(lo64(ts))
	default:
		return 0, errors.E(errors.Internal, "unexpected vector kind for column", col.Name)
	}
	st.AddInt(ts)
	return float64(width), nil
}

// encodeTimestampStruct handles TIMESTAMP SB16 columns: the string
// form is split at the decimal point into an epoch and a nanosecond
// fraction, each stored in its own child vector.
func encodeTimestampStruct(col *coldesc.Column, vec array.Builder, st *colstats.Stats, value interface{}) (float64, error) {
	bld, ok := vec.(*array.StructBuilder)
	if !ok {
		return 0, errors.E(errors.Internal, "unexpected vector kind for column", col.Name)
	}
	s := stringForm(value)
	whole, frac, _ := strings.Cut(s, ".")
	epoch, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, errors.E(errors.InvalidRow, "cannot parse timestamp value:", renderValue(value))
	}
	var fraction int64
	if frac != "" {
		fraction, err = strconv.ParseInt(frac, 10, 64)
		if err != nil || fraction < 0 {
			return 0, errors.E(errors.InvalidRow, "cannot parse timestamp value:", renderValue(value))
		}
		if l := len(frac); l <= 9 {
			fraction *= pow10Int64(9 - l)
		}
	}
	scale := col.ScaleOrZero()
	if scale > 9 {
		scale = 9
	}
	if fraction > math.MaxInt32 || fraction%pow10Int64(9-scale) != 0 {
		return 0, errors.E(errors.InvalidRow,
			"timestamp accuracy greater than column scale", strconv.Itoa(scale)+":", renderValue(value))
	}
	ts, err := timeInScale(s, col.ScaleOrZero())
	if err != nil {
		return 0, err
	}
	bld.Append(true)
	bld.FieldBuilder(0).(*array.Int64Builder).Append(epoch)
	bld.FieldBuilder(1).(*array.Int32Builder).Append(int32(fraction))
	st.AddInt(ts)
	// 8+4 value bytes plus one bit per child validity bitmap.
	return 12.25, nil
}

func encodeDate(vec array.Builder, st *colstats.Stats, value interface{}) (float64, error) {
	bld, ok := vec.(*array.Int32Builder)
	if !ok {
		return 0, errors.E(errors.Internal, "unexpected vector kind for date column")
	}
	days, err := strconv.ParseInt(stringForm(value), 10, 32)
	if err != nil {
		return 0, errors.E(errors.InvalidRow, "cannot parse date value:", renderValue(value))
	}
	bld.Append(int32(days))
	st.AddInt64(days)
	return 4, nil
}

func encodeBoolean(vec array.Builder, st *colstats.Stats, value interface{}) (float64, error) {
	bld, ok := vec.(*array.BooleanBuilder)
	if !ok {
		return 0, errors.E(errors.Internal, "unexpected vector kind for boolean column")
	}
	bv := coerceBool(value)
	bld.Append(bv)
	if bv {
		st.AddInt64(1)
	} else {
		st.AddInt64(0)
	}
	return 0.125, nil
}

func encodeBinary(vec array.Builder, st *colstats.Stats, value interface{}) (float64, error) {
	bld, ok := vec.(*array.BinaryBuilder)
	if !ok {
		return 0, errors.E(errors.Internal, "unexpected vector kind for binary column")
	}
	var data []byte
	if bv, ok := value.([]byte); ok {
		data = bv
	} else {
		var err error
		data, err = hex.DecodeString(stringForm(value))
		if err != nil {
			return 0, errors.E(errors.InvalidRow, "cannot parse hex value:", renderValue(value), err)
		}
	}
	bld.Append(data)
	st.SetMaxLength(int64(len(data)))
	return float64(len(data)), nil
}

func encodeReal(vec array.Builder, st *colstats.Stats, value interface{}) (float64, error) {
	bld, ok := vec.(*array.Float64Builder)
	if !ok {
		return 0, errors.E(errors.Internal, "unexpected vector kind for real column")
	}
	f, err := asFloat64(value)
	if err != nil {
		return 0, err
	}
	bld.Append(f)
	st.AddReal(f)
	return 8, nil
}

// timeInScale computes round(v x 10^scale) over arbitrary precision,
// rounding halves away from zero.
func timeInScale(s string, scale int) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, errors.E(errors.InvalidRow, "cannot parse numeric value:", s)
	}
	r.Mul(r, new(big.Rat).SetInt(pow10(scale)))
	q, rem := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	rem.Abs(rem).Lsh(rem, 1)
	if rem.Cmp(r.Denom()) >= 0 {
		if r.Num().Sign() < 0 {
			q.Sub(q, oneInt)
		} else {
			q.Add(q, oneInt)
		}
	}
	return q, nil
}

var (
	oneInt = big.NewInt(1)
	tenInt = big.NewInt(10)
	// mask64 selects the low 64 bits of a two's-complement value.
	mask64 = new(big.Int).SetUint64(math.MaxUint64)
)

func pow10(n int) *big.Int {
	return new(big.Int).Exp(tenInt, big.NewInt(int64(n)), nil)
}

func pow10Int64(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

// lo64 returns the low 64 bits of v as a signed integer.
func lo64(v *big.Int) int64 {
	if v.IsInt64() {
		return v.Int64()
	}
	return int64(new(big.Int).And(v, mask64).Uint64())
}

func asInt64(v interface{}) (int64, bool) {
	switch v := v.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	}
	return 0, false
}

func asFloat64(v interface{}) (float64, error) {
	switch v := v.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case *big.Rat:
		f, _ := v.Float64()
		return f, nil
	case *big.Float:
		f, _ := v.Float64()
		return f, nil
	}
	if iv, ok := asInt64(v); ok {
		return float64(iv), nil
	}
	f, err := strconv.ParseFloat(stringForm(v), 64)
	if err != nil {
		return 0, errors.E(errors.InvalidRow, "cannot parse real value:", renderValue(v))
	}
	return f, nil
}

// truthyStrings are the string spellings accepted as boolean true,
// case-insensitively. Every other string is false.
var truthyStrings = map[string]bool{
	"1": true, "yes": true, "y": true, "t": true, "true": true, "on": true,
}

func coerceBool(v interface{}) bool {
	switch v := v.(type) {
	case bool:
		return v
	case float64:
		return v > 0
	case float32:
		return v > 0
	}
	if iv, ok := asInt64(v); ok {
		return iv > 0
	}
	return truthyStrings[strings.ToLower(stringForm(v))]
}

// stringForm renders a value the way the encoder's numeric parsers
// expect: strings pass through, floats avoid exponent notation so
// they split cleanly at the decimal point.
func stringForm(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return fmt.Sprint(v)
}

// renderValue formats a value for an error message, truncating
// oversized inputs.
func renderValue(v interface{}) string {
	l := limitbuf.NewLogger(80)
	fmt.Fprintf(l, "%v", v)
	return l.String()
}
