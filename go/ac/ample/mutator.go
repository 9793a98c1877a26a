// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ample

import (
	"bytes"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/key"
	"github.com/cfkoehler/accumulo/go/ac/naming"
)

// Status is the per-extent outcome of a conditional mutation.
type Status int

const (
	StatusAccepted Status = iota
	StatusRejected
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "ACCEPTED"
	case StatusRejected:
		return "REJECTED"
	case StatusUnknown:
		return "UNKNOWN"
	}
	return "?"
}

// ConditionalResult is what Process returns per extent. On REJECTED
// the caller may ReadMetadata to diagnose the current row.
type ConditionalResult struct {
	Extent key.KeyExtent
	Status Status

	store tabletBackend
}

// ReadMetadata re-reads the row this result is about.
func (cr *ConditionalResult) ReadMetadata() (*TabletMetadata, error) {
	return cr.store.readRow(cr.Extent, AllColumns)
}

type requireFn struct {
	desc string
	ok   func(tm *TabletMetadata) bool
}

type putFn func(tm *TabletMetadata)

// TabletMutator builds the conditional mutation for one extent.
// Every mutation must require an absent operation unless it is the
// operation setter itself; Submit enforces that.
type TabletMutator struct {
	extent   key.KeyExtent
	requires []requireFn
	puts     []putFn

	sawOperationRequire bool
	putsOperation       bool

	submitted   bool
	description string
	// accepted re-checks intent after an UNKNOWN outcome; it gets the
	// freshly read row.
	accepted func(tm *TabletMetadata) bool
}

func (m *TabletMutator) require(desc string, ok func(*TabletMetadata) bool) *TabletMutator {
	m.requires = append(m.requires, requireFn{desc: desc, ok: ok})
	return m
}

// RequireAbsentOperation refuses the mutation if an opid is set.
func (m *TabletMutator) RequireAbsentOperation() *TabletMutator {
	m.sawOperationRequire = true
	return m.require("absent operation", func(tm *TabletMetadata) bool {
		return tm.OpID == nil
	})
}

// RequireOperation refuses the mutation unless the exact opid is set.
func (m *TabletMutator) RequireOperation(op naming.OperationID) *TabletMutator {
	m.sawOperationRequire = true
	return m.require(fmt.Sprintf("operation %v", op), func(tm *TabletMetadata) bool {
		return tm.OpID != nil && *tm.OpID == op
	})
}

// RequireAbsentLocation refuses if any location (current or future) is
// set.
func (m *TabletMutator) RequireAbsentLocation() *TabletMutator {
	return m.require("absent location", func(tm *TabletMetadata) bool {
		return tm.Location == nil && !tm.FutureAndCurrent
	})
}

// RequireLocation refuses unless the exact location is set.
func (m *TabletMutator) RequireLocation(loc Location) *TabletMutator {
	return m.require(fmt.Sprintf("location %v %v", loc.Type, loc.Server), func(tm *TabletMetadata) bool {
		return tm.Location != nil && *tm.Location == loc
	})
}

// RequireAvailability refuses unless the availability matches.
func (m *TabletMutator) RequireAvailability(av Availability) *TabletMutator {
	return m.require(fmt.Sprintf("availability %v", av), func(tm *TabletMetadata) bool {
		return tm.Availability == av
	})
}

// RequireAbsentLoaded refuses if any of the files already has a loaded
// marker.
func (m *TabletMutator) RequireAbsentLoaded(paths []string) *TabletMutator {
	return m.require("absent loaded markers", func(tm *TabletMetadata) bool {
		for _, p := range paths {
			if _, ok := tm.Loaded[p]; ok {
				return false
			}
		}
		return true
	})
}

// RequireSame refuses unless the listed columns are unchanged from the
// snapshot read earlier.
func (m *TabletMutator) RequireSame(snap *TabletMetadata, cols ...ColumnType) *TabletMutator {
	for _, col := range cols {
		col := col
		m.require(fmt.Sprintf("same %v", col), func(tm *TabletMetadata) bool {
			return sameColumn(snap, tm, col)
		})
	}
	return m
}

func sameColumn(a, b *TabletMetadata, col ColumnType) bool {
	switch col {
	case ColFiles:
		if len(a.Files) != len(b.Files) {
			return false
		}
		have := make(map[string]FileRange, len(b.Files))
		for _, f := range b.Files {
			have[f.Path] = f.Range
		}
		for _, f := range a.Files {
			r, ok := have[f.Path]
			if !ok || !r.Equals(f.Range) {
				return false
			}
		}
		return true
	case ColLogs:
		if len(a.Logs) != len(b.Logs) {
			return false
		}
		have := make(map[LogEntry]bool, len(b.Logs))
		for _, l := range b.Logs {
			have[l] = true
		}
		for _, l := range a.Logs {
			if !have[l] {
				return false
			}
		}
		return true
	case ColLocation:
		if (a.Location == nil) != (b.Location == nil) {
			return false
		}
		return a.Location == nil || *a.Location == *b.Location
	case ColSuspend:
		if (a.Suspend == nil) != (b.Suspend == nil) {
			return false
		}
		return a.Suspend == nil || (a.Suspend.Server == b.Suspend.Server && a.Suspend.Time.Equal(b.Suspend.Time))
	case ColOpID:
		if (a.OpID == nil) != (b.OpID == nil) {
			return false
		}
		return a.OpID == nil || *a.OpID == *b.OpID
	case ColAvailability:
		return a.Availability == b.Availability
	case ColFlushID:
		return a.FlushID == b.FlushID
	case ColTime:
		return a.Time == b.Time
	case ColPrevRow:
		return bytes.Equal(a.Extent.PrevEndRow, b.Extent.PrevEndRow)
	}
	log.Warnf("ample: RequireSame does not support column %v", col)
	return false
}

// Put/Delete actions. Each runs against a private copy of the row
// after all requires pass.

func (m *TabletMutator) put(f putFn) *TabletMutator {
	m.puts = append(m.puts, f)
	return m
}

// PutLocation sets a location column. Setting current deletes future
// and vice versa, preserving their mutual exclusion.
func (m *TabletMutator) PutLocation(loc Location) *TabletMutator {
	return m.put(func(tm *TabletMetadata) {
		if loc.Type == LocationLast {
			server := loc.Server
			tm.Last = &server
			return
		}
		l := loc
		tm.Location = &l
		tm.FutureAndCurrent = false
	})
}

// DeleteLocation clears the location of the given type if present.
func (m *TabletMutator) DeleteLocation(lt LocationType) *TabletMutator {
	return m.put(func(tm *TabletMetadata) {
		if lt == LocationLast {
			tm.Last = nil
			return
		}
		if tm.Location != nil && tm.Location.Type == lt {
			tm.Location = nil
		}
	})
}

func (m *TabletMutator) PutFile(f StoredFile) *TabletMutator {
	return m.put(func(tm *TabletMetadata) {
		for i := range tm.Files {
			if tm.Files[i].Path == f.Path {
				tm.Files[i] = f
				return
			}
		}
		tm.Files = append(tm.Files, f)
	})
}

func (m *TabletMutator) DeleteFile(path string) *TabletMutator {
	return m.put(func(tm *TabletMetadata) {
		out := tm.Files[:0]
		for _, f := range tm.Files {
			if f.Path != path {
				out = append(out, f)
			}
		}
		tm.Files = out
	})
}

// PutBulkFile records the loaded marker tying a file to the importing
// fate transaction.
func (m *TabletMutator) PutBulkFile(path string, fateID naming.FateID) *TabletMutator {
	return m.put(func(tm *TabletMetadata) {
		if tm.Loaded == nil {
			tm.Loaded = make(map[string]naming.FateID)
		}
		tm.Loaded[path] = fateID
	})
}

func (m *TabletMutator) DeleteBulkFile(path string) *TabletMutator {
	return m.put(func(tm *TabletMetadata) { delete(tm.Loaded, path) })
}

func (m *TabletMutator) PutOperation(op naming.OperationID) *TabletMutator {
	m.putsOperation = true
	return m.put(func(tm *TabletMetadata) {
		o := op
		tm.OpID = &o
	})
}

func (m *TabletMutator) DeleteOperation() *TabletMutator {
	return m.put(func(tm *TabletMetadata) { tm.OpID = nil })
}

func (m *TabletMutator) PutSuspension(s Suspension) *TabletMutator {
	return m.put(func(tm *TabletMetadata) {
		sus := s
		tm.Suspend = &sus
	})
}

func (m *TabletMutator) DeleteSuspension() *TabletMutator {
	return m.put(func(tm *TabletMetadata) { tm.Suspend = nil })
}

func (m *TabletMutator) PutWal(le LogEntry) *TabletMutator {
	return m.put(func(tm *TabletMetadata) {
		for _, l := range tm.Logs {
			if l == le {
				return
			}
		}
		tm.Logs = append(tm.Logs, le)
	})
}

func (m *TabletMutator) DeleteWal(le LogEntry) *TabletMutator {
	return m.put(func(tm *TabletMetadata) {
		out := tm.Logs[:0]
		for _, l := range tm.Logs {
			if l != le {
				out = append(out, l)
			}
		}
		tm.Logs = out
	})
}

func (m *TabletMutator) PutAvailability(av Availability) *TabletMutator {
	return m.put(func(tm *TabletMetadata) { tm.Availability = av })
}

func (m *TabletMutator) PutHostingRequested() *TabletMutator {
	return m.put(func(tm *TabletMetadata) { tm.HostingRequested = true })
}

func (m *TabletMutator) DeleteHostingRequested() *TabletMutator {
	return m.put(func(tm *TabletMetadata) { tm.HostingRequested = false })
}

func (m *TabletMutator) PutFlushID(id int64) *TabletMutator {
	return m.put(func(tm *TabletMetadata) { tm.FlushID = id })
}

func (m *TabletMutator) PutTime(t MetadataTime) *TabletMutator {
	return m.put(func(tm *TabletMetadata) { tm.Time = t })
}

func (m *TabletMutator) PutMigration(server naming.TServerInstance) *TabletMutator {
	return m.put(func(tm *TabletMetadata) {
		s := server
		tm.Migration = &s
	})
}

func (m *TabletMutator) DeleteMigration() *TabletMutator {
	return m.put(func(tm *TabletMetadata) { tm.Migration = nil })
}

// Submit finishes the mutation. accepted is consulted after an
// UNKNOWN outcome to decide whether the intent took effect.
func (m *TabletMutator) Submit(accepted func(tm *TabletMetadata) bool, description string) {
	if m.submitted {
		panic("ample: Submit called twice for " + m.extent.String())
	}
	if !m.sawOperationRequire && !m.putsOperation {
		panic("ample: mutation on " + m.extent.String() + " (" + description +
			") requires neither an operation nor its absence")
	}
	m.submitted = true
	m.accepted = accepted
	m.description = description
}

// ConditionalTabletsMutator batches mutators and processes them.
type ConditionalTabletsMutator struct {
	store    tabletBackend
	mutators []*TabletMutator
}

// MutateTablet starts the mutation for one extent.
func (c *ConditionalTabletsMutator) MutateTablet(extent key.KeyExtent) *TabletMutator {
	m := &TabletMutator{extent: extent}
	c.mutators = append(c.mutators, m)
	return m
}

// Process applies all submitted mutations and returns results keyed
// by the extent's metadata row.
func (c *ConditionalTabletsMutator) Process() map[string]*ConditionalResult {
	results := make(map[string]*ConditionalResult, len(c.mutators))
	for _, m := range c.mutators {
		if !m.submitted {
			panic("ample: Process before Submit for " + m.extent.String())
		}
		status := c.store.applyConditional(m)
		if status == StatusUnknown && m.accepted != nil {
			if tm, err := c.store.readRow(m.extent, AllColumns); err == nil && tm != nil && m.accepted(tm) {
				status = StatusAccepted
			}
		}
		results[m.extent.MetaRow()] = &ConditionalResult{
			Extent: m.extent,
			Status: status,
			store:  c.store,
		}
	}
	return results
}
