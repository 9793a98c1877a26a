// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ample is the typed, conditional surface over the tablet
// metadata table. Every piece of tablet lifecycle state the manager
// and the tablet servers share goes through it.
//
// Conditional mutations are atomic per tablet row; there is no
// cross-row atomicity here. Multi-tablet changes coordinate through
// fate.
package ample

import (
	"bytes"
	"time"

	"github.com/cfkoehler/accumulo/go/ac/key"
	"github.com/cfkoehler/accumulo/go/ac/naming"
)

// ColumnType selects which columns of a tablet row to fetch.
type ColumnType int

const (
	ColFiles ColumnType = iota
	ColLoaded
	ColLocation
	ColLast
	ColSuspend
	ColLogs
	ColOpID
	ColAvailability
	ColHostingRequested
	ColFlushID
	ColTime
	ColMigration
	ColPrevRow
)

// AllColumns fetches everything.
var AllColumns = []ColumnType{
	ColFiles, ColLoaded, ColLocation, ColLast, ColSuspend, ColLogs,
	ColOpID, ColAvailability, ColHostingRequested, ColFlushID, ColTime,
	ColMigration, ColPrevRow,
}

// Availability is the hosting policy of a tablet.
type Availability string

const (
	AvailabilityHosted   Availability = "HOSTED"
	AvailabilityOnDemand Availability = "ONDEMAND"
	AvailabilityUnhosted Availability = "UNHOSTED"
)

// LocationType distinguishes the location columns.
type LocationType int

const (
	LocationCurrent LocationType = iota
	LocationFuture
	LocationLast
)

func (lt LocationType) String() string {
	switch lt {
	case LocationCurrent:
		return "loc"
	case LocationFuture:
		return "future"
	case LocationLast:
		return "last"
	}
	return "?"
}

// Location is a location column value.
type Location struct {
	Type   LocationType
	Server naming.TServerInstance
}

// FileRange is the fenced range (Start, End] of a file reference; nil
// bounds mean infinite. Only rows inside the range count.
type FileRange struct {
	Start []byte
	End   []byte
}

// Infinite reports whether the range covers the whole file.
func (fr FileRange) Infinite() bool {
	return fr.Start == nil && fr.End == nil
}

func (fr FileRange) Equals(other FileRange) bool {
	return bytes.Equal(fr.Start, other.Start) && bytes.Equal(fr.End, other.End)
}

// StoredFile is one data-file entry of a tablet.
type StoredFile struct {
	Path  string
	Range FileRange
}

// Suspension records where a tablet was hosted when its server died
// and when, so the watcher can prefer the same server on return.
type Suspension struct {
	Server naming.TServerInstance
	Time   time.Time
}

// LogEntry references a write-ahead log still needed for recovery.
type LogEntry struct {
	Path   string
	Server string
}

// TimeType selects the tablet clock.
type TimeType byte

const (
	TimeLogical TimeType = 'L'
	TimeMillis  TimeType = 'M'
)

// MetadataTime is the srv:time column: "L<n>" or "M<ms>".
type MetadataTime struct {
	Type TimeType
	Val  int64
}

// TabletMetadata is one decoded row of the metadata table. FetchedCols
// records which columns the read asked for; the in-memory store fills
// every field whatever was asked.
type TabletMetadata struct {
	Extent      key.KeyExtent
	FetchedCols map[ColumnType]bool

	Files            []StoredFile
	Loaded           map[string]naming.FateID
	Location         *Location // current or future, nil if neither
	Last             *naming.TServerInstance
	Suspend          *Suspension
	Logs             []LogEntry
	OpID             *naming.OperationID
	Availability     Availability
	HostingRequested bool
	FlushID          int64
	Time             MetadataTime
	Migration        *naming.TServerInstance

	// FutureAndCurrent is set when the row holds both location types,
	// which is a hard anomaly: diagnose, never act on it.
	FutureAndCurrent bool
}

// HasCurrent reports a current location.
func (tm *TabletMetadata) HasCurrent() bool {
	return tm.Location != nil && tm.Location.Type == LocationCurrent
}

// HasFuture reports a future (assignment pending) location.
func (tm *TabletMetadata) HasFuture() bool {
	return tm.Location != nil && tm.Location.Type == LocationFuture
}

// TabletState is the computed lifecycle state of a tablet.
type TabletState int

const (
	StateUnassigned TabletState = iota
	StateAssigned
	StateHosted
	StateAssignedToDeadServer
	StateSuspended
)

func (ts TabletState) String() string {
	switch ts {
	case StateUnassigned:
		return "UNASSIGNED"
	case StateAssigned:
		return "ASSIGNED"
	case StateHosted:
		return "HOSTED"
	case StateAssignedToDeadServer:
		return "ASSIGNED_TO_DEAD_SERVER"
	case StateSuspended:
		return "SUSPENDED"
	}
	return "?"
}

// ComputeState derives the state from the row and the live server set.
func ComputeState(tm *TabletMetadata, liveServers map[naming.TServerInstance]bool) TabletState {
	if tm.Location != nil {
		if !liveServers[tm.Location.Server] {
			return StateAssignedToDeadServer
		}
		if tm.Location.Type == LocationCurrent {
			return StateHosted
		}
		return StateAssigned
	}
	if tm.Suspend != nil {
		return StateSuspended
	}
	return StateUnassigned
}
