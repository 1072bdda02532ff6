// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rowbuf implements the per-channel in-memory row buffer of
// the streaming ingest client. The buffer materializes a schema from
// server-supplied column metadata, encodes loosely-typed rows into
// Arrow columnar vectors, tracks per-column statistics, and hands the
// encoded columns to the flush stage as a ChannelData bundle.
//
// Inserting and flushing contend on a single lock; a flush observes a
// consistent row count across all columns and atomically resets the
// buffer for the next epoch. Row count and buffered size are
// additionally readable without the lock for best-effort metrics.
package rowbuf

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/grailbio/base/log"

	"github.com/grailbio/streamload/coldesc"
	"github.com/grailbio/streamload/colstats"
	"github.com/grailbio/streamload/errors"
)

// Row is one user-submitted row: a mapping from column name to value.
// Keys are normalized the same way column names are (see
// coldesc.NormalizeName); a nil value is a SQL null.
type Row map[string]interface{}

// Channel is the contract the owning ingest channel exposes to its
// buffer. The buffer holds the channel only through this interface
// and never extends its lifetime.
type Channel interface {
	// Allocator returns the allocator used for all vector
	// allocations. It remains valid for the lifetime of the buffer
	// and must not be shared with another buffer.
	Allocator() memory.Allocator
	// NextRowSequencer atomically increments and returns the
	// channel's row sequencer.
	NextRowSequencer() int64
	// OffsetToken returns the last offset token stored on the
	// channel.
	OffsetToken() string
	// SetOffsetToken stores the offset token of the latest accepted
	// batch. Last write wins.
	SetOffsetToken(token string)
	// FullyQualifiedName identifies the channel for logging.
	FullyQualifiedName() string
}

// Opts configures a Buffer. The zero value is the default
// configuration.
type Opts struct {
	// RequireAllColumns fails an inserted row with InvalidRow when it
	// omits a column present in the schema. When false (the default),
	// omitted columns are encoded as nulls, counted in the column's
	// null count and byte accounting, so that every vector stays
	// rectangular.
	RequireAllColumns bool
}

// Buffer accumulates encoded rows for one channel between flushes.
// Construct with New, then call SetupSchema exactly once before the
// first InsertRows.
type Buffer struct {
	channel Channel
	opts    Opts
	mem     memory.Allocator

	// mu is the flush lock; it serializes InsertRows and Flush.
	mu sync.Mutex

	// names holds the normalized column names in schema order.
	names   []string
	fields  map[string]*coldesc.Column
	vectors map[string]array.Builder
	stats   map[string]*colstats.Stats
	schema  *arrow.Schema

	// curRowIndex is the next write position; guarded by mu.
	curRowIndex int

	// rowCount and bufferSize mirror the lock-guarded state for
	// lock-free metric reads. bufferSize holds float64 bits.
	rowCount   atomic.Int64
	bufferSize atomic.Uint64
}

// New returns a buffer owned by the given channel.
func New(channel Channel, opts Opts) *Buffer {
	return &Buffer{
		channel: channel,
		opts:    opts,
		mem:     channel.Allocator(),
	}
}

// SetupSchema materializes one vector, one descriptor and one empty
// statistics record per column. It must be called exactly once,
// before the first InsertRows. Unsupported column types fail with
// UnknownDataType and leave the buffer unusable.
func (b *Buffer) SetupSchema(columns []coldesc.ColumnMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.schema != nil {
		return errors.E(errors.Internal, "schema already set up for channel", b.channel.FullyQualifiedName())
	}
	names := make([]string, 0, len(columns))
	fields := make(map[string]*coldesc.Column, len(columns))
	vectors := make(map[string]array.Builder, len(columns))
	stats := make(map[string]*colstats.Stats, len(columns))
	arrowFields := make([]arrow.Field, 0, len(columns))
	for _, meta := range columns {
		col, err := coldesc.Build(meta)
		if err != nil {
			releaseBuilders(vectors)
			return err
		}
		if _, ok := fields[col.Name]; ok {
			releaseBuilders(vectors)
			return errors.E(errors.Internal, "duplicate column name", col.Name)
		}
		names = append(names, col.Name)
		fields[col.Name] = col
		vectors[col.Name] = array.NewBuilder(b.mem, col.ArrowType())
		stats[col.Name] = colstats.New()
		arrowFields = append(arrowFields, col.ArrowField())
	}
	b.names = names
	b.fields = fields
	b.vectors = vectors
	b.stats = stats
	b.schema = arrow.NewSchema(arrowFields, nil)
	return nil
}

// InsertRows encodes the given rows into the buffer and stores the
// batch's offset token on the channel. The batch is atomic with
// respect to Flush: either a flush observes none of its rows or all
// of them. On an encoding failure the batch fails with InvalidRow and
// the buffer must be treated as poisoned for the in-flight batch;
// partial effects on the vectors are not rolled back. Internal and
// UnknownDataType errors (such as a row key with no matching column)
// are returned with their own kind rather than as InvalidRow.
func (b *Buffer) InsertRows(rows []Row, offsetToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.schema == nil {
		return errors.E(errors.Internal, "schema not set up for channel", b.channel.FullyQualifiedName())
	}
	for _, row := range rows {
		if err := b.encodeRow(row); err != nil {
			log.Debug.Printf("streamload: [%s] batch failed, buffer poisoned at row index %d: %v",
				b.channel.FullyQualifiedName(), b.curRowIndex, err)
			if errors.Is(errors.Internal, err) || errors.Is(errors.UnknownDataType, err) {
				return err
			}
			return errors.E(errors.InvalidRow, "cannot insert row", err)
		}
	}
	b.channel.SetOffsetToken(offsetToken)
	return nil
}

// Flush hands the buffered columns to the caller and resets the
// buffer for the next epoch. It returns nil when no rows are
// buffered. The returned vectors are owned by the caller, which must
// release them once the blob is assembled.
func (b *Buffer) Flush() *ChannelData {
	if b.rowCount.Load() == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	// A concurrent flush may have emptied the buffer while we waited
	// on the lock.
	if b.curRowIndex == 0 {
		return nil
	}
	rowCount := int64(b.curRowIndex)
	vectors := make([]arrow.Array, len(b.names))
	for i, name := range b.names {
		// NewArray finalizes the builder at the current length and
		// transfers ownership of the backing buffers, leaving the
		// builder empty for the next epoch.
		vectors[i] = b.vectors[name].NewArray()
	}
	statsSnapshot := b.stats
	bufferSize := math.Float64frombits(b.bufferSize.Load())
	offsetToken := b.channel.OffsetToken()
	sequencer := b.channel.NextRowSequencer()
	b.reset()
	log.Debug.Printf("streamload: [%s] flushed %d rows, %.3f bytes, sequencer %d",
		b.channel.FullyQualifiedName(), rowCount, bufferSize, sequencer)
	return &ChannelData{
		Vectors:      vectors,
		Schema:       b.schema,
		RowCount:     rowCount,
		BufferSize:   bufferSize,
		Channel:      b.channel,
		RowSequencer: sequencer,
		OffsetToken:  offsetToken,
		ColumnEps:    BuildEpInfoFromStats(rowCount, statsSnapshot),
	}
}

// reset returns the buffer to its empty state: counters zeroed and a
// fresh statistics record bound per column. Callers hold mu.
func (b *Buffer) reset() {
	b.curRowIndex = 0
	b.rowCount.Store(0)
	b.bufferSize.Store(0)
	stats := make(map[string]*colstats.Stats, len(b.names))
	for _, name := range b.names {
		stats[name] = colstats.New()
	}
	b.stats = stats
}

// Close releases every vector and clears the buffer state. The caller
// must guarantee that no InsertRows or Flush is in flight.
func (b *Buffer) Close() {
	releaseBuilders(b.vectors)
	b.names = nil
	b.fields = nil
	b.vectors = nil
	b.stats = nil
	b.schema = nil
	b.curRowIndex = 0
	b.rowCount.Store(0)
	b.bufferSize.Store(0)
}

// RowCount returns the number of rows buffered in the current epoch.
// It may be called without holding the flush lock; the value is a
// best-effort read for metrics.
func (b *Buffer) RowCount() int64 {
	return b.rowCount.Load()
}

// BufferSize returns the estimated encoded size, in bytes, of the
// buffered content. Sub-byte bitmap costs accumulate fractionally. It
// may be called without holding the flush lock.
func (b *Buffer) BufferSize() float64 {
	return math.Float64frombits(b.bufferSize.Load())
}

// Schema returns the Arrow schema materialized by SetupSchema, or nil
// before setup.
func (b *Buffer) Schema() *arrow.Schema {
	return b.schema
}

func (b *Buffer) addSize(delta float64) {
	b.bufferSize.Store(math.Float64bits(math.Float64frombits(b.bufferSize.Load()) + delta))
}

func releaseBuilders(vectors map[string]array.Builder) {
	for _, v := range vectors {
		v.Release()
	}
}
