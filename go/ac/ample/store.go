// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ample

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/key"
	"github.com/cfkoehler/accumulo/go/ac/naming"
)

// ErrTabletNotFound is returned by ReadTablet for a missing row.
var ErrTabletNotFound = errors.New("ample: tablet not found")

// Ample is the metadata-table surface the rest of the system uses.
type Ample interface {
	// ReadTablet returns one row, or ErrTabletNotFound.
	ReadTablet(extent key.KeyExtent, cols ...ColumnType) (*TabletMetadata, error)
	// ReadTablets starts a scan builder.
	ReadTablets() *TabletsScanner
	// ConditionallyMutateTablets starts a conditional batch.
	ConditionallyMutateTablets() *ConditionalTabletsMutator
}

// tabletBackend is what the mutator and scanner run against: a
// mutable tablet view with per-row conditional submit.
type tabletBackend interface {
	readRow(extent key.KeyExtent, cols []ColumnType) (*TabletMetadata, error)
	listRows(table key.TableID, level *key.DataLevel) []*TabletMetadata
	applyConditional(m *TabletMutator) Status
}

// MemAmple is the in-memory backend. It is both the unit-test fake
// and the store the manager runs against in a single-process
// deployment; rows serialize through one mutex, which matches the
// per-row serialization guarantee of the on-disk store.
type MemAmple struct {
	mu   sync.Mutex
	rows map[string]*TabletMetadata

	// Interceptor, when set, overrides the status of a conditional
	// mutation. Tests use it to inject UNKNOWN outcomes.
	Interceptor func(extent key.KeyExtent) *Status
}

var _ Ample = (*MemAmple)(nil)

func NewMemAmple() *MemAmple {
	return &MemAmple{rows: make(map[string]*TabletMetadata)}
}

// PutTablet installs or replaces a row outside the conditional path.
// Setup/test helper: production code goes through mutations.
func (ma *MemAmple) PutTablet(tm *TabletMetadata) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	cp := copyMetadata(tm)
	ma.rows[tm.Extent.MetaRow()] = cp
}

// DeleteTablet removes a row outside the conditional path.
func (ma *MemAmple) DeleteTablet(extent key.KeyExtent) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	delete(ma.rows, extent.MetaRow())
}

func copyMetadata(tm *TabletMetadata) *TabletMetadata {
	cp := *tm
	cp.Files = append([]StoredFile(nil), tm.Files...)
	cp.Logs = append([]LogEntry(nil), tm.Logs...)
	if tm.Loaded != nil {
		cp.Loaded = make(map[string]naming.FateID, len(tm.Loaded))
		for k, v := range tm.Loaded {
			cp.Loaded[k] = v
		}
	}
	if tm.Location != nil {
		l := *tm.Location
		cp.Location = &l
	}
	if tm.Last != nil {
		l := *tm.Last
		cp.Last = &l
	}
	if tm.Suspend != nil {
		s := *tm.Suspend
		cp.Suspend = &s
	}
	if tm.OpID != nil {
		o := *tm.OpID
		cp.OpID = &o
	}
	if tm.Migration != nil {
		m := *tm.Migration
		cp.Migration = &m
	}
	return &cp
}

func (ma *MemAmple) ReadTablet(extent key.KeyExtent, cols ...ColumnType) (*TabletMetadata, error) {
	if len(cols) == 0 {
		cols = AllColumns
	}
	return ma.readRow(extent, cols)
}

func (ma *MemAmple) readRow(extent key.KeyExtent, cols []ColumnType) (*TabletMetadata, error) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	tm, ok := ma.rows[extent.MetaRow()]
	if !ok {
		return nil, ErrTabletNotFound
	}
	cp := copyMetadata(tm)
	cp.FetchedCols = make(map[ColumnType]bool, len(cols))
	for _, c := range cols {
		cp.FetchedCols[c] = true
	}
	return cp, nil
}

func (ma *MemAmple) listRows(table key.TableID, level *key.DataLevel) []*TabletMetadata {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	var out []*TabletMetadata
	for _, tm := range ma.rows {
		if table != "" && tm.Extent.Table != table {
			continue
		}
		if level != nil && key.LevelOf(tm.Extent.Table) != *level {
			continue
		}
		out = append(out, copyMetadata(tm))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Extent.Compare(out[j].Extent) < 0
	})
	return out
}

func (ma *MemAmple) ReadTablets() *TabletsScanner {
	return &TabletsScanner{store: ma}
}

func (ma *MemAmple) ConditionallyMutateTablets() *ConditionalTabletsMutator {
	return &ConditionalTabletsMutator{store: ma}
}

func (ma *MemAmple) applyConditional(m *TabletMutator) Status {
	// The interceptor runs unlocked so it may mutate the store itself.
	if ma.Interceptor != nil {
		if st := ma.Interceptor(m.extent); st != nil {
			return *st
		}
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	tm, ok := ma.rows[m.extent.MetaRow()]
	if !ok {
		return StatusRejected
	}
	for _, req := range m.requires {
		if !req.ok(tm) {
			log.Debugf("ample: %v rejected, failed require %q (%v)", m.extent, req.desc, m.description)
			return StatusRejected
		}
	}
	cp := copyMetadata(tm)
	for _, put := range m.puts {
		put(cp)
	}
	ma.rows[m.extent.MetaRow()] = cp
	return StatusAccepted
}
