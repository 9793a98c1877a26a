// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ample

import (
	"bytes"

	"github.com/cfkoehler/accumulo/go/ac/key"
)

// TabletsScanner builds a metadata scan. The iterator it returns is
// finite and not restartable; build a new scan to read again.
type TabletsScanner struct {
	store tabletBackend
	table key.TableID
	level *key.DataLevel
	start []byte // exclusive, nil = -inf
	end   []byte // inclusive, nil = +inf
	cols  []ColumnType
	bound bool
}

// ForTable restricts the scan to one table.
func (s *TabletsScanner) ForTable(id key.TableID) *TabletsScanner {
	s.table = id
	return s
}

// ForLevel restricts the scan to all tables of one data level.
func (s *TabletsScanner) ForLevel(dl key.DataLevel) *TabletsScanner {
	s.level = &dl
	return s
}

// Overlapping restricts the scan to tablets overlapping the row range
// (start, end].
func (s *TabletsScanner) Overlapping(start, end []byte) *TabletsScanner {
	s.start = start
	s.end = end
	s.bound = true
	return s
}

// Fetch records the requested columns in each row's FetchedCols. The
// rows still carry every column.
func (s *TabletsScanner) Fetch(cols ...ColumnType) *TabletsScanner {
	s.cols = cols
	return s
}

// TabletsIter walks scan results in extent order.
type TabletsIter struct {
	rows []*TabletMetadata
	pos  int
}

// Next returns the next row, or nil when the scan is exhausted.
func (it *TabletsIter) Next() *TabletMetadata {
	if it.pos >= len(it.rows) {
		return nil
	}
	tm := it.rows[it.pos]
	it.pos++
	return tm
}

// Build runs the scan.
func (s *TabletsScanner) Build() *TabletsIter {
	cols := s.cols
	if len(cols) == 0 {
		cols = AllColumns
	}
	all := s.store.listRows(s.table, s.level)
	var rows []*TabletMetadata
	for _, tm := range all {
		if s.bound && !overlapsRange(tm.Extent, s.start, s.end) {
			continue
		}
		tm.FetchedCols = make(map[ColumnType]bool, len(cols))
		for _, c := range cols {
			tm.FetchedCols[c] = true
		}
		rows = append(rows, tm)
	}
	return &TabletsIter{rows: rows}
}

func overlapsRange(ke key.KeyExtent, start, end []byte) bool {
	if end != nil && ke.PrevEndRow != nil && bytes.Compare(end, ke.PrevEndRow) <= 0 {
		return false
	}
	if start != nil && ke.EndRow != nil && bytes.Compare(ke.EndRow, start) <= 0 {
		return false
	}
	return true
}
