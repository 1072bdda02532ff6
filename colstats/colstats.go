// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package colstats accumulates the per-column statistics that ship
// with a flushed blob: running min/max over integer, string and real
// domains, the maximum observed byte length of variable-width values,
// the null count, and an approximate distinct-value count. The server
// uses these to prune blobs at query time.
//
// A Stats value is not safe for concurrent use; the row buffer
// serializes all updates under its flush lock.
package colstats

import (
	"encoding/binary"
	"math"
	"math/big"

	"github.com/axiomhq/hyperloglog"
)

// Stats tracks running statistics for one column within a buffer
// epoch. The zero value is not usable; call New.
type Stats struct {
	minInt, maxInt   *big.Int
	minStr, maxStr   *string
	minReal, maxReal *float64

	maxLength int64
	nullCount int64

	distinct *hyperloglog.Sketch
}

// New returns an empty statistics record.
func New() *Stats {
	return &Stats{distinct: hyperloglog.New14()}
}

// AddInt folds an integer value into the min/max and distinct
// estimates. The value is copied; the caller may reuse v.
func (s *Stats) AddInt(v *big.Int) {
	if s.minInt == nil || v.Cmp(s.minInt) < 0 {
		s.minInt = new(big.Int).Set(v)
	}
	if s.maxInt == nil || v.Cmp(s.maxInt) > 0 {
		s.maxInt = new(big.Int).Set(v)
	}
	s.distinct.Insert([]byte(v.String()))
}

// AddInt64 is AddInt for values already known to fit in 64 bits.
func (s *Stats) AddInt64(v int64) {
	s.AddInt(big.NewInt(v))
}

// AddStr folds a string value into the min/max (lexicographic byte
// order) and distinct estimates.
func (s *Stats) AddStr(v string) {
	if s.minStr == nil || v < *s.minStr {
		cp := v
		s.minStr = &cp
	}
	if s.maxStr == nil || v > *s.maxStr {
		cp := v
		s.maxStr = &cp
	}
	s.distinct.Insert([]byte(v))
}

// AddReal folds a floating-point value into the min/max and distinct
// estimates. NaN is ignored for ordering.
func (s *Stats) AddReal(v float64) {
	if !math.IsNaN(v) {
		if s.minReal == nil || v < *s.minReal {
			cp := v
			s.minReal = &cp
		}
		if s.maxReal == nil || v > *s.maxReal {
			cp := v
			s.maxReal = &cp
		}
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	s.distinct.Insert(b[:])
}

// SetMaxLength raises the maximum observed byte length to n if it
// exceeds the current maximum.
func (s *Stats) SetMaxLength(n int64) {
	if n > s.maxLength {
		s.maxLength = n
	}
}

// IncNullCount records one null value.
func (s *Stats) IncNullCount() {
	s.nullCount++
}

// MinInt returns the integer minimum, or nil if no integer value has
// been added. The returned value must not be mutated.
func (s *Stats) MinInt() *big.Int { return s.minInt }

// MaxInt returns the integer maximum, or nil if no integer value has
// been added. The returned value must not be mutated.
func (s *Stats) MaxInt() *big.Int { return s.maxInt }

// MinStr returns the string minimum and whether one exists.
func (s *Stats) MinStr() (string, bool) {
	if s.minStr == nil {
		return "", false
	}
	return *s.minStr, true
}

// MaxStr returns the string maximum and whether one exists.
func (s *Stats) MaxStr() (string, bool) {
	if s.maxStr == nil {
		return "", false
	}
	return *s.maxStr, true
}

// MinReal returns the real minimum and whether one exists.
func (s *Stats) MinReal() (float64, bool) {
	if s.minReal == nil {
		return 0, false
	}
	return *s.minReal, true
}

// MaxReal returns the real maximum and whether one exists.
func (s *Stats) MaxReal() (float64, bool) {
	if s.maxReal == nil {
		return 0, false
	}
	return *s.maxReal, true
}

// MaxLength returns the maximum observed byte length of
// variable-width values.
func (s *Stats) MaxLength() int64 { return s.maxLength }

// NullCount returns the number of null values recorded.
func (s *Stats) NullCount() int64 { return s.nullCount }

// DistinctValues returns the approximate number of distinct non-null
// values added. The estimate is non-decreasing across adds.
func (s *Stats) DistinctValues() int64 {
	return int64(s.distinct.Estimate())
}
