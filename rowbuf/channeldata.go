// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rowbuf

import (
	"math/big"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/grailbio/streamload/colstats"
)

// ChannelData is the bundle a flush hands to the blob builder: the
// encoded vectors in schema order, the durability markers that order
// this flush within its channel, and the per-column properties the
// server uses for pruning.
type ChannelData struct {
	// Vectors holds one columnar vector per column, in schema order.
	// Ownership passes to the receiver; call Release when done.
	Vectors []arrow.Array
	// Schema describes the vectors; each field carries the column's
	// encoding metadata as string key-values.
	Schema *arrow.Schema
	// RowCount is the number of rows in every vector.
	RowCount int64
	// BufferSize is the estimated encoded size in bytes.
	BufferSize float64
	// Channel refers back to the owning channel.
	Channel Channel
	// RowSequencer orders this flush among the channel's flushes.
	RowSequencer int64
	// OffsetToken is the token of the latest batch in this flush; may
	// be empty.
	OffsetToken string
	// ColumnEps carries the statistics snapshot taken at flush.
	ColumnEps *EpInfo
}

// Release releases every vector in the bundle.
func (d *ChannelData) Release() {
	for _, v := range d.Vectors {
		v.Release()
	}
	d.Vectors = nil
}

// FileColumnProperties is the per-column statistics DTO shipped with
// a blob.
type FileColumnProperties struct {
	MinIntValue    *big.Int `json:"minIntValue,omitempty"`
	MaxIntValue    *big.Int `json:"maxIntValue,omitempty"`
	MinStrValue    *string  `json:"minStrValue,omitempty"`
	MaxStrValue    *string  `json:"maxStrValue,omitempty"`
	MinRealValue   *float64 `json:"minRealValue,omitempty"`
	MaxRealValue   *float64 `json:"maxRealValue,omitempty"`
	MaxLength      int64    `json:"maxLength"`
	NullCount      int64    `json:"nullCount"`
	DistinctValues int64    `json:"distinctValues"`
}

// EpInfo pairs a row count with the per-column properties of one
// flushed blob.
type EpInfo struct {
	RowCount int64                            `json:"rowCount"`
	Columns  map[string]*FileColumnProperties `json:"columns"`
}

// BuildEpInfoFromStats packages a statistics snapshot and row count
// into the EP info returned to the flush stage. It is a pure
// transformation of its inputs.
func BuildEpInfoFromStats(rowCount int64, stats map[string]*colstats.Stats) *EpInfo {
	ep := &EpInfo{
		RowCount: rowCount,
		Columns:  make(map[string]*FileColumnProperties, len(stats)),
	}
	for name, st := range stats {
		props := &FileColumnProperties{
			MinIntValue:    st.MinInt(),
			MaxIntValue:    st.MaxInt(),
			MaxLength:      st.MaxLength(),
			NullCount:      st.NullCount(),
			DistinctValues: st.DistinctValues(),
		}
		if v, ok := st.MinStr(); ok {
			props.MinStrValue = &v
		}
		if v, ok := st.MaxStr(); ok {
			props.MaxStrValue = &v
		}
		if v, ok := st.MinReal(); ok {
			props.MinRealValue = &v
		}
		if v, ok := st.MaxReal(); ok {
			props.MaxRealValue = &v
		}
		ep.Columns[name] = props
	}
	return ep
}
