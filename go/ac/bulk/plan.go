// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bulk plans and admits bulk imports: externally written
// sorted files land atomically in specific tablets without going
// through the write path.
package bulk

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/key"
)

// RangeType says how a load plan entry maps a file to tablets. TABLE
// asserts the stated rows are existing tablet boundaries; FILE fences
// the file to the stated (start, end].
type RangeType string

const (
	RangeTable RangeType = "TABLE"
	RangeFile  RangeType = "FILE"
)

// Destination maps one file to a row range.
type Destination struct {
	FileName  string    `json:"fileName"`
	RangeType RangeType `json:"rangeType"`
	Start     []byte    `json:"start,omitempty"` // exclusive, nil = -inf
	End       []byte    `json:"end,omitempty"`   // inclusive, nil = +inf
}

// LoadPlan is the caller's statement of where each file goes.
type LoadPlan struct {
	Destinations []Destination `json:"destinations"`
}

// Config carries the admission limits.
type Config struct {
	// MaxTabletFiles caps files per tablet after the import
	// (TABLE_BULK_MAX_TABLET_FILES).
	MaxTabletFiles int
	// MaxTabletsPerFile caps how many tablets one file may touch
	// (TABLE_BULK_MAX_TABLETS).
	MaxTabletsPerFile int
	// FilePause is the file count past which further bulk loads to a
	// tablet are paused (TABLE_FILE_PAUSE).
	FilePause int
}

// FileMapping is the computed file -> tablets assignment plus the
// fenced range each tablet sees of the file.
type FileMapping struct {
	// Tablets maps extent meta rows to the files landing there.
	Tablets map[string][]ample.StoredFile
	// Extents resolves the meta rows back to extents.
	Extents map[string]key.KeyExtent
}

// ComputeMapping validates the plan against the table's current
// tablets and computes the mapping. Every file in dirFiles must be
// named by the plan and vice versa; TABLE ranges must match existing
// tablet boundaries.
func ComputeMapping(store ample.Ample, table key.TableID, dirFiles []string, plan *LoadPlan, cfg Config) (*FileMapping, error) {
	planned := make(map[string][]Destination)
	for _, d := range plan.Destinations {
		planned[d.FileName] = append(planned[d.FileName], d)
	}
	for _, f := range dirFiles {
		if _, ok := planned[f]; !ok {
			return nil, errors.Errorf("bulk: file %v is in the directory but not the load plan", f)
		}
	}
	for f := range planned {
		if !contains(dirFiles, f) {
			return nil, errors.Errorf("bulk: file %v is in the load plan but not the directory", f)
		}
	}

	var tablets []*ample.TabletMetadata
	iter := store.ReadTablets().ForTable(table).Fetch(ample.ColFiles, ample.ColPrevRow).Build()
	for tm := iter.Next(); tm != nil; tm = iter.Next() {
		tablets = append(tablets, tm)
	}
	if len(tablets) == 0 {
		return nil, errors.Errorf("bulk: table %v has no tablets", table)
	}
	sort.Slice(tablets, func(i, j int) bool { return tablets[i].Extent.Compare(tablets[j].Extent) < 0 })

	boundaries := make(map[string]bool)
	boundaries[""] = true // the infinite bounds always exist
	for _, tm := range tablets {
		if tm.Extent.EndRow != nil {
			boundaries[string(tm.Extent.EndRow)] = true
		}
	}

	mapping := &FileMapping{
		Tablets: make(map[string][]ample.StoredFile),
		Extents: make(map[string]key.KeyExtent),
	}
	for _, d := range plan.Destinations {
		if d.RangeType == RangeTable {
			if d.Start != nil && !boundaries[string(d.Start)] {
				return nil, errors.Errorf("bulk: row %q of file %v is not a tablet boundary", d.Start, d.FileName)
			}
			if d.End != nil && !boundaries[string(d.End)] {
				return nil, errors.Errorf("bulk: row %q of file %v is not a tablet boundary", d.End, d.FileName)
			}
		}
		touched := 0
		for _, tm := range tablets {
			if !overlaps(tm.Extent, d.Start, d.End) {
				continue
			}
			touched++
			row := tm.Extent.MetaRow()
			mapping.Extents[row] = tm.Extent
			sf := ample.StoredFile{Path: d.FileName}
			if d.RangeType == RangeFile {
				sf.Range = ample.FileRange{Start: d.Start, End: d.End}
			}
			mapping.Tablets[row] = append(mapping.Tablets[row], sf)
		}
		if touched == 0 {
			return nil, errors.Errorf("bulk: file %v maps to no tablet", d.FileName)
		}
		if cfg.MaxTabletsPerFile > 0 && touched > cfg.MaxTabletsPerFile {
			return nil, errors.Errorf("bulk: file %v would import to %d tablets, exceeding the maximum of %d",
				d.FileName, touched, cfg.MaxTabletsPerFile)
		}
	}

	// Pre-flight admission: refuse the whole import when any tablet
	// would exceed its file cap.
	if cfg.MaxTabletFiles > 0 {
		for _, tm := range tablets {
			row := tm.Extent.MetaRow()
			adding := mapping.Tablets[row]
			if len(adding) == 0 {
				continue
			}
			after := len(tm.Files) + len(adding)
			if after > cfg.MaxTabletFiles {
				return nil, fmt.Errorf(
					"bulk: import of %v would bring tablet %v to %d files, exceeding the maximum of %d",
					adding[0].Path, tm.Extent, after, cfg.MaxTabletFiles)
			}
		}
	}
	return mapping, nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func overlaps(ke key.KeyExtent, start, end []byte) bool {
	if end != nil && ke.PrevEndRow != nil && bytes.Compare(end, ke.PrevEndRow) <= 0 {
		return false
	}
	if start != nil && ke.EndRow != nil && bytes.Compare(ke.EndRow, start) <= 0 {
		return false
	}
	return true
}
