// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package blob assembles a flushed ChannelData bundle into the
// on-the-wire blob format consumed by the upload stage: a small JSON
// header carrying the durability markers and per-column properties,
// followed by the encoded columns as a zstd-compressed Arrow IPC
// stream. The encoding metadata on each schema field travels inside
// the IPC stream, so a reader can decode the columns without any
// out-of-band schema.
package blob

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/DataDog/zstd"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/grailbio/streamload/errors"
	"github.com/grailbio/streamload/rowbuf"
)

// magic identifies the blob format; bump the trailing digit on
// incompatible layout changes.
var magic = [4]byte{'S', 'L', 'B', '1'}

// Header is the uncompressed prefix of a blob.
type Header struct {
	RowCount     int64          `json:"rowCount"`
	RowSequencer int64          `json:"rowSequencer"`
	OffsetToken  string         `json:"offsetToken,omitempty"`
	ColumnEps    *rowbuf.EpInfo `json:"columnEps"`
}

// Write serializes data into w. The vectors are not released; the
// caller still owns data.
func Write(w io.Writer, data *rowbuf.ChannelData) error {
	header, err := json.Marshal(Header{
		RowCount:     data.RowCount,
		RowSequencer: data.RowSequencer,
		OffsetToken:  data.OffsetToken,
		ColumnEps:    data.ColumnEps,
	})
	if err != nil {
		return errors.E("marshaling blob header", err)
	}
	var payload bytes.Buffer
	ipcw := ipc.NewWriter(&payload, ipc.WithSchema(data.Schema))
	rec := array.NewRecord(data.Schema, data.Vectors, data.RowCount)
	err = ipcw.Write(rec)
	rec.Release()
	if err != nil {
		ipcw.Close() // nolint: errcheck
		return errors.E("writing blob columns", err)
	}
	if err = ipcw.Close(); err != nil {
		return errors.E("closing blob column stream", err)
	}
	compressed, err := zstd.Compress(nil, payload.Bytes())
	if err != nil {
		return errors.E("compressing blob", err)
	}
	if _, err = w.Write(magic[:]); err != nil {
		return errors.E("writing blob", err)
	}
	if err = writeChunk(w, header); err != nil {
		return err
	}
	return writeChunk(w, compressed)
}

func writeChunk(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return errors.E("writing blob", err)
	}
	if _, err := w.Write(data); err != nil {
		return errors.E("writing blob", err)
	}
	return nil
}

func readChunk(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, errors.E("reading blob", err)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.E("reading blob", err)
	}
	return data, nil
}

// Read parses a blob written by Write and returns its header and the
// decoded columns. The caller must release the returned record.
func Read(r io.Reader, mem memory.Allocator) (*Header, arrow.Record, error) {
	var m [4]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return nil, nil, errors.E("reading blob magic", err)
	}
	if m != magic {
		return nil, nil, errors.E("not a streamload blob")
	}
	headerBytes, err := readChunk(r)
	if err != nil {
		return nil, nil, err
	}
	var header Header
	if err = json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, errors.E("unmarshaling blob header", err)
	}
	compressed, err := readChunk(r)
	if err != nil {
		return nil, nil, err
	}
	payload, err := zstd.Decompress(nil, compressed)
	if err != nil {
		return nil, nil, errors.E("decompressing blob", err)
	}
	rdr, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(mem))
	if err != nil {
		return nil, nil, errors.E("reading blob columns", err)
	}
	defer rdr.Release()
	if !rdr.Next() {
		if err = rdr.Err(); err != nil {
			return nil, nil, errors.E("reading blob columns", err)
		}
		return nil, nil, errors.E("blob contains no column batch")
	}
	rec := rdr.Record()
	rec.Retain()
	return &header, rec, nil
}
