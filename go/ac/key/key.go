// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package key defines table and tablet identifiers.
//
// A tablet owns the row range (prevEndRow, endRow]. A nil endRow means
// +infinity, a nil prevEndRow means -infinity. Tablets of a table
// partition its row space.
package key

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// TableID identifies a table.
type TableID string

// Reserved ids for the system tables, mirroring the on-disk layout.
const (
	RootTableID     TableID = "+r"
	MetadataTableID TableID = "!0"
)

// DataLevel is the tier a table lives in. A higher tier must be stable
// before a lower tier is serviced.
type DataLevel int

const (
	LevelRoot DataLevel = iota
	LevelMetadata
	LevelUser
)

func (dl DataLevel) String() string {
	switch dl {
	case LevelRoot:
		return "ROOT"
	case LevelMetadata:
		return "METADATA"
	case LevelUser:
		return "USER"
	}
	return fmt.Sprintf("DataLevel(%d)", int(dl))
}

// MetadataLevel returns the level whose tablets hold metadata for
// tables of this level.
func (dl DataLevel) MetadataLevel() DataLevel {
	switch dl {
	case LevelUser:
		return LevelMetadata
	case LevelMetadata:
		return LevelRoot
	}
	return LevelRoot
}

// LevelOf returns the data level a table belongs to.
func LevelOf(id TableID) DataLevel {
	switch id {
	case RootTableID:
		return LevelRoot
	case MetadataTableID:
		return LevelMetadata
	}
	return LevelUser
}

// KeyExtent identifies a tablet: the range (PrevEndRow, EndRow] of
// Table. Nil bounds are infinite.
type KeyExtent struct {
	Table      TableID
	EndRow     []byte
	PrevEndRow []byte
}

// NewKeyExtent copies its row arguments.
func NewKeyExtent(table TableID, endRow, prevEndRow []byte) KeyExtent {
	return KeyExtent{Table: table, EndRow: cloneRow(endRow), PrevEndRow: cloneRow(prevEndRow)}
}

func cloneRow(row []byte) []byte {
	if row == nil {
		return nil
	}
	c := make([]byte, len(row))
	copy(c, row)
	return c
}

// Contains returns true if row falls in (PrevEndRow, EndRow].
func (ke KeyExtent) Contains(row []byte) bool {
	if ke.PrevEndRow != nil && bytes.Compare(row, ke.PrevEndRow) <= 0 {
		return false
	}
	if ke.EndRow != nil && bytes.Compare(row, ke.EndRow) > 0 {
		return false
	}
	return true
}

// Overlaps returns true if the two extents share any row. Extents of
// different tables never overlap.
func (ke KeyExtent) Overlaps(other KeyExtent) bool {
	if ke.Table != other.Table {
		return false
	}
	// ke ends at or before other starts
	if ke.EndRow != nil && other.PrevEndRow != nil && bytes.Compare(ke.EndRow, other.PrevEndRow) <= 0 {
		return false
	}
	if other.EndRow != nil && ke.PrevEndRow != nil && bytes.Compare(other.EndRow, ke.PrevEndRow) <= 0 {
		return false
	}
	return true
}

// FollowedBy returns true if other starts exactly where ke ends.
func (ke KeyExtent) FollowedBy(other KeyExtent) bool {
	if ke.Table != other.Table || ke.EndRow == nil {
		return false
	}
	return other.PrevEndRow != nil && bytes.Equal(ke.EndRow, other.PrevEndRow)
}

// IsRoot returns true for the single root tablet.
func (ke KeyExtent) IsRoot() bool {
	return ke.Table == RootTableID
}

// MetaRow is the row this tablet occupies in its metadata table:
// "<table>;<endRow hex>", or "<table><" for the last tablet.
func (ke KeyExtent) MetaRow() string {
	if ke.EndRow == nil {
		return string(ke.Table) + "<"
	}
	return string(ke.Table) + ";" + hex.EncodeToString(ke.EndRow)
}

// ParseMetaRow is the inverse of MetaRow.
func ParseMetaRow(row string) (TableID, []byte, error) {
	if i := strings.IndexByte(row, ';'); i >= 0 {
		endRow, err := hex.DecodeString(row[i+1:])
		if err != nil {
			return "", nil, fmt.Errorf("bad metadata row %q: %v", row, err)
		}
		return TableID(row[:i]), endRow, nil
	}
	if strings.HasSuffix(row, "<") {
		return TableID(row[:len(row)-1]), nil, nil
	}
	return "", nil, fmt.Errorf("bad metadata row %q", row)
}

func fmtRow(row []byte) string {
	if row == nil {
		return "<"
	}
	return hex.EncodeToString(row)
}

func (ke KeyExtent) String() string {
	return fmt.Sprintf("%v;%v;%v", ke.Table, fmtRow(ke.EndRow), fmtRow(ke.PrevEndRow))
}

// Equals compares all three fields.
func (ke KeyExtent) Equals(other KeyExtent) bool {
	return ke.Table == other.Table &&
		bytes.Equal(ke.EndRow, other.EndRow) &&
		bytes.Equal(ke.PrevEndRow, other.PrevEndRow)
}

// Compare orders extents by table then end row, nil end row last.
func (ke KeyExtent) Compare(other KeyExtent) int {
	if c := strings.Compare(string(ke.Table), string(other.Table)); c != 0 {
		return c
	}
	return compareRows(ke.EndRow, other.EndRow)
}

func compareRows(a, b []byte) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return bytes.Compare(a, b)
}
