// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package coldesc models the per-column metadata a channel receives
// when it is opened: the column's name, nullability, logical SQL type,
// physical storage type, and the precision, scale and length caps that
// qualify them. A Column is immutable once built; Build validates the
// logical/physical combination against the supported encoding matrix
// and derives the Arrow type the column's vector will use.
package coldesc

import (
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/grailbio/streamload/errors"
)

// LogicalType is the SQL-level type of a column.
type LogicalType int

const (
	LogicalUnknown LogicalType = iota
	LogicalAny
	LogicalBoolean
	LogicalRowIndex
	LogicalNull
	LogicalReal
	LogicalFixed
	LogicalText
	LogicalChar
	LogicalBinary
	LogicalDate
	LogicalTime
	LogicalTimestampLTZ
	LogicalTimestampNTZ
	LogicalTimestampTZ
	LogicalInterval
	LogicalRaw
	LogicalArray
	LogicalObject
	LogicalVariant
	LogicalRow
	LogicalSequence
	LogicalFunction
	LogicalUserDefinedType
)

var logicalNames = map[LogicalType]string{
	LogicalAny:             "ANY",
	LogicalBoolean:         "BOOLEAN",
	LogicalRowIndex:        "ROWINDEX",
	LogicalNull:            "NULL",
	LogicalReal:            "REAL",
	LogicalFixed:           "FIXED",
	LogicalText:            "TEXT",
	LogicalChar:            "CHAR",
	LogicalBinary:          "BINARY",
	LogicalDate:            "DATE",
	LogicalTime:            "TIME",
	LogicalTimestampLTZ:    "TIMESTAMP_LTZ",
	LogicalTimestampNTZ:    "TIMESTAMP_NTZ",
	LogicalTimestampTZ:     "TIMESTAMP_TZ",
	LogicalInterval:        "INTERVAL",
	LogicalRaw:             "RAW",
	LogicalArray:           "ARRAY",
	LogicalObject:          "OBJECT",
	LogicalVariant:         "VARIANT",
	LogicalRow:             "ROW",
	LogicalSequence:        "SEQUENCE",
	LogicalFunction:        "FUNCTION",
	LogicalUserDefinedType: "USER_DEFINED_TYPE",
}

var logicalByName = func() map[string]LogicalType {
	m := make(map[string]LogicalType, len(logicalNames))
	for t, name := range logicalNames {
		m[name] = t
	}
	return m
}()

// String returns the server-side spelling of the logical type.
func (t LogicalType) String() string {
	if s, ok := logicalNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseLogicalType maps a server-supplied type string to a
// LogicalType. Matching is case-insensitive. Unrecognized strings
// return an UnknownDataType error.
func ParseLogicalType(s string) (LogicalType, error) {
	if t, ok := logicalByName[strings.ToUpper(s)]; ok {
		return t, nil
	}
	return LogicalUnknown, errors.E(errors.UnknownDataType, "logical type", s)
}

// PhysicalType is the storage width/kind realizing a logical type.
// SBn denotes signed n-byte integer-like storage.
type PhysicalType int

const (
	PhysicalUnknown PhysicalType = iota
	PhysicalRowIndex
	PhysicalDouble
	PhysicalSB1
	PhysicalSB2
	PhysicalSB4
	PhysicalSB8
	PhysicalSB16
	PhysicalLOB
	PhysicalBinary
	PhysicalRow
)

var physicalNames = map[PhysicalType]string{
	PhysicalRowIndex: "ROWINDEX",
	PhysicalDouble:   "DOUBLE",
	PhysicalSB1:      "SB1",
	PhysicalSB2:      "SB2",
	PhysicalSB4:      "SB4",
	PhysicalSB8:      "SB8",
	PhysicalSB16:     "SB16",
	PhysicalLOB:      "LOB",
	PhysicalBinary:   "BINARY",
	PhysicalRow:      "ROW",
}

var physicalByName = func() map[string]PhysicalType {
	m := make(map[string]PhysicalType, len(physicalNames))
	for t, name := range physicalNames {
		m[name] = t
	}
	return m
}()

// String returns the server-side spelling of the physical type.
func (t PhysicalType) String() string {
	if s, ok := physicalNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParsePhysicalType maps a server-supplied storage type string to a
// PhysicalType. Matching is case-insensitive.
func ParsePhysicalType(s string) (PhysicalType, error) {
	if t, ok := physicalByName[strings.ToUpper(s)]; ok {
		return t, nil
	}
	return PhysicalUnknown, errors.E(errors.UnknownDataType, "physical type", s)
}

// ColumnMetadata is the column description carried in a channel-open
// response.
type ColumnMetadata struct {
	Name         string `json:"name"`
	Nullable     bool   `json:"nullable"`
	LogicalType  string `json:"logicalType"`
	PhysicalType string `json:"physicalType"`
	Precision    *int   `json:"precision,omitempty"`
	Scale        *int   `json:"scale,omitempty"`
	ByteLength   *int   `json:"byteLength,omitempty"`
	Length       *int   `json:"length,omitempty"`
}

// Column is the immutable descriptor a buffer keeps per column, with
// the Arrow type derived from the encoding matrix.
type Column struct {
	// Name is the normalized column name; see NormalizeName.
	Name     string
	Nullable bool
	Logical  LogicalType
	Physical PhysicalType
	// Precision and Scale qualify FIXED and temporal columns. Nil
	// when the server omitted them.
	Precision *int
	Scale     *int
	// ByteLength and CharLength cap BINARY and TEXT columns.
	ByteLength *int
	CharLength *int

	arrowType arrow.DataType
}

// Epoch/fraction child field names of the two-part timestamp vector.
const (
	StructFieldEpoch    = "epoch"
	StructFieldFraction = "fraction"
)

// NormalizeName maps a column or row-key identifier to its canonical
// form: a double-quoted identifier is preserved verbatim without the
// quotes, any other identifier is upper-cased.
func NormalizeName(name string) string {
	if len(name) >= 2 && name[0] == '"' && name[len(name)-1] == '"' {
		return name[1 : len(name)-1]
	}
	return strings.ToUpper(name)
}

// Build validates the metadata against the supported encoding matrix
// and returns the column descriptor. Unknown type strings and
// unsupported (logical, physical) combinations fail with
// UnknownDataType.
func Build(meta ColumnMetadata) (*Column, error) {
	logical, err := ParseLogicalType(meta.LogicalType)
	if err != nil {
		return nil, errors.E("column", meta.Name, err)
	}
	physical, err := ParsePhysicalType(meta.PhysicalType)
	if err != nil {
		return nil, errors.E("column", meta.Name, err)
	}
	c := &Column{
		Name:       NormalizeName(meta.Name),
		Nullable:   meta.Nullable,
		Logical:    logical,
		Physical:   physical,
		Precision:  meta.Precision,
		Scale:      meta.Scale,
		ByteLength: meta.ByteLength,
		CharLength: meta.Length,
	}
	c.arrowType, err = c.resolve()
	if err != nil {
		return nil, errors.E("column", meta.Name, err)
	}
	return c, nil
}

// ScaleOrZero returns the column scale, or 0 when the server omitted
// it.
func (c *Column) ScaleOrZero() int {
	if c.Scale == nil {
		return 0
	}
	return *c.Scale
}

// PrecisionOrDefault returns the column precision, defaulting to the
// maximum decimal precision when the server omitted it.
func (c *Column) PrecisionOrDefault() int {
	if c.Precision == nil {
		return 38
	}
	return *c.Precision
}

// ArrowType returns the Arrow type realizing this column, as resolved
// by Build.
func (c *Column) ArrowType() arrow.DataType {
	return c.arrowType
}

// resolve applies the logical x physical encoding matrix.
func (c *Column) resolve() (arrow.DataType, error) {
	switch c.Logical {
	case LogicalFixed:
		scaled := c.ScaleOrZero() != 0
		switch c.Physical {
		case PhysicalSB1:
			if !scaled {
				return arrow.PrimitiveTypes.Int8, nil
			}
		case PhysicalSB2:
			if !scaled {
				return arrow.PrimitiveTypes.Int16, nil
			}
		case PhysicalSB4:
			if !scaled {
				return arrow.PrimitiveTypes.Int32, nil
			}
		case PhysicalSB8:
			if !scaled {
				return arrow.PrimitiveTypes.Int64, nil
			}
		case PhysicalSB16:
			// Always decimal, scaled or not.
		default:
			return nil, c.unsupported()
		}
		return &arrow.Decimal128Type{
			Precision: int32(c.PrecisionOrDefault()),
			Scale:     int32(c.ScaleOrZero()),
		}, nil
	case LogicalAny, LogicalArray, LogicalChar, LogicalText, LogicalObject, LogicalVariant:
		return arrow.BinaryTypes.String, nil
	case LogicalTimestampLTZ, LogicalTimestampNTZ:
		switch c.Physical {
		case PhysicalSB8:
			return arrow.PrimitiveTypes.Int64, nil
		case PhysicalSB16:
			return arrow.StructOf(
				arrow.Field{Name: StructFieldEpoch, Type: arrow.PrimitiveTypes.Int64, Nullable: true},
				arrow.Field{Name: StructFieldFraction, Type: arrow.PrimitiveTypes.Int32, Nullable: true},
			), nil
		}
		return nil, c.unsupported()
	case LogicalDate:
		return arrow.PrimitiveTypes.Int32, nil
	case LogicalTime:
		switch c.Physical {
		case PhysicalSB4:
			return arrow.PrimitiveTypes.Int32, nil
		case PhysicalSB8:
			return arrow.PrimitiveTypes.Int64, nil
		}
		return nil, c.unsupported()
	case LogicalBoolean:
		return arrow.FixedWidthTypes.Boolean, nil
	case LogicalBinary:
		return arrow.BinaryTypes.Binary, nil
	case LogicalReal:
		return arrow.PrimitiveTypes.Float64, nil
	}
	return nil, c.unsupported()
}

func (c *Column) unsupported() error {
	return errors.E(errors.UnknownDataType,
		"unsupported type combination: logical "+c.Logical.String()+", physical "+c.Physical.String())
}

// Metadata returns the encoding metadata that travels with the
// column's vector, as string key-values the server-side reader
// understands.
func (c *Column) Metadata() arrow.Metadata {
	kv := map[string]string{
		"logicalType":  c.Logical.String(),
		"physicalType": c.Physical.String(),
	}
	if c.Precision != nil {
		kv["precision"] = strconv.Itoa(*c.Precision)
	}
	if c.Scale != nil {
		kv["scale"] = strconv.Itoa(*c.Scale)
	}
	if c.ByteLength != nil {
		kv["byteLength"] = strconv.Itoa(*c.ByteLength)
	}
	if c.CharLength != nil {
		kv["charLength"] = strconv.Itoa(*c.CharLength)
	}
	return arrow.MetadataFrom(kv)
}

// ArrowField returns the schema field for this column, carrying the
// encoding metadata.
func (c *Column) ArrowField() arrow.Field {
	return arrow.Field{
		Name:     c.Name,
		Type:     c.arrowType,
		Nullable: c.Nullable,
		Metadata: c.Metadata(),
	}
}
