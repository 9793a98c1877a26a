// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tabletserver hosts tablets: the in-memory write path with
// commit sessions and constraint checking, and the server side of the
// conditional update pipeline.
package tabletserver

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/data"
	"github.com/cfkoehler/accumulo/go/ac/key"
)

// ErrNotServing is returned for operations on a closed tablet.
var ErrNotServing = errors.New("tabletserver: tablet not serving")

// Tablet is one hosted tablet: an in-memory map from row to its cells
// plus the bookkeeping a commit session needs. The in-memory map is
// authoritative between minor compactions; durability comes from the
// WAL.
type Tablet struct {
	extent   key.KeyExtent
	tabletID int32

	mu     sync.Mutex
	cells  map[string][]data.ColumnUpdate // row -> applied updates
	time   ample.MetadataTime
	closed bool
	// tooManyFiles mirrors the file-count backpressure signal; while
	// set, conditional mutations are IGNORED rather than processed.
	tooManyFiles bool

	defaultDurability data.Durability
	commitsInFlight   sync.WaitGroup
}

func NewTablet(extent key.KeyExtent, tabletID int32, timeType ample.TimeType, defaultDurability data.Durability) *Tablet {
	return &Tablet{
		extent:            extent,
		tabletID:          tabletID,
		cells:             make(map[string][]data.ColumnUpdate),
		time:              ample.MetadataTime{Type: timeType},
		defaultDurability: defaultDurability,
	}
}

func (t *Tablet) Extent() key.KeyExtent { return t.extent }
func (t *Tablet) TabletID() int32       { return t.tabletID }

// Close stops new commit sessions and waits for in-flight commits.
func (t *Tablet) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.commitsInFlight.Wait()
}

// SetTooManyFiles toggles the file-count backpressure signal.
func (t *Tablet) SetTooManyFiles(v bool) {
	t.mu.Lock()
	t.tooManyFiles = v
	t.mu.Unlock()
}

// nextTimestamp advances the tablet clock under t.mu.
func (t *Tablet) nextTimestamp() int64 {
	if t.time.Type == ample.TimeLogical {
		t.time.Val++
		return t.time.Val
	}
	now := time.Now().UnixMilli()
	if now <= t.time.Val {
		now = t.time.Val + 1 // wall clock must not run backwards
	}
	t.time.Val = now
	return now
}

// TabletTime returns the current clock value, persisted as srv:time.
func (t *Tablet) TabletTime() ample.MetadataTime {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.time
}

// CommitSession orders commits against one tablet: mutations commit
// in the order sessions were granted.
type CommitSession struct {
	tablet *Tablet
}

// Extent and TabletID make a CommitSession usable as a wal.Session.
func (cs *CommitSession) Extent() key.KeyExtent { return cs.tablet.extent }
func (cs *CommitSession) TabletID() int32       { return cs.tablet.tabletID }

// Commit merges mutations into the in-memory structure, stamping any
// update without a time from the tablet clock. The WAL write for
// these mutations must already be durable at the chosen level.
func (cs *CommitSession) Commit(mutations []data.Mutation) {
	t := cs.tablet
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.commitsInFlight.Done()
	for _, m := range mutations {
		row := string(m.Row)
		for _, up := range m.Updates {
			if !up.HasTime {
				up.Timestamp = t.nextTimestamp()
				up.HasTime = true
			}
			t.cells[row] = append(t.cells[row], up)
		}
	}
}

// Abort releases the session without committing; the caller reports
// the mutations as failed.
func (cs *CommitSession) Abort() {
	cs.tablet.commitsInFlight.Done()
}

// Prepared is the outcome of PrepareMutationsForCommit.
type Prepared struct {
	Session      *CommitSession
	NonViolators []data.Mutation
	Violators    []data.Mutation
	TabletClosed bool
}

// PrepareMutationsForCommit runs constraints and opens a commit
// session. A mutation that enters the session is either applied and
// durably logged, or reported failed; there is no partial state.
func (t *Tablet) PrepareMutationsForCommit(env ConstraintEnv, mutations []data.Mutation) *Prepared {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return &Prepared{TabletClosed: true, Violators: nil, NonViolators: nil}
	}
	t.commitsInFlight.Add(1)
	t.mu.Unlock()

	prepared := &Prepared{Session: &CommitSession{tablet: t}}
	for _, m := range mutations {
		if !t.extent.Contains(m.Row) {
			prepared.Violators = append(prepared.Violators, m)
			continue
		}
		if violated(env, m) {
			prepared.Violators = append(prepared.Violators, m)
			continue
		}
		prepared.NonViolators = append(prepared.NonViolators, m)
	}
	return prepared
}

// ResolveDurability applies the tablet default to a request.
func (t *Tablet) ResolveDurability(requested data.Durability) data.Durability {
	return requested.Resolve(t.defaultDurability)
}

// readRow snapshots the applied updates of one row.
func (t *Tablet) readRow(row []byte) []data.ColumnUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]data.ColumnUpdate(nil), t.cells[string(row)]...)
}

// Cells exposes a row snapshot for scans and verification.
func (t *Tablet) Cells(row string) []data.ColumnUpdate {
	return t.readRow([]byte(row))
}

// notServing reports closed-or-backpressured under the lock.
func (t *Tablet) notServing() (closed, tooManyFiles bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.tooManyFiles
}
