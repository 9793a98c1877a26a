// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package data holds the value types that cross the write path: the
// mutation wire form, column updates and conditional checks. They are
// shared by the tablet server, the WAL and the client.
package data

import (
	"bytes"
	"sort"
)

// ColumnUpdate is one cell change inside a mutation.
type ColumnUpdate struct {
	Family     []byte `json:"family"`
	Qualifier  []byte `json:"qualifier"`
	Visibility []byte `json:"visibility,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	HasTime    bool   `json:"hasTime"`
	Value      []byte `json:"value,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
}

// Mutation is a set of updates to one row, applied atomically within
// a tablet.
type Mutation struct {
	Row     []byte         `json:"row"`
	Updates []ColumnUpdate `json:"updates"`
}

// Condition is one compare-and-set predicate of a conditional
// mutation: the named cell must equal Value, or be absent when Value
// is nil and Absent is set.
type Condition struct {
	Family     []byte `json:"family"`
	Qualifier  []byte `json:"qualifier"`
	Visibility []byte `json:"visibility,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	HasTime    bool   `json:"hasTime"`
	Value      []byte `json:"value,omitempty"`
	Absent     bool   `json:"absent,omitempty"`
	// Iterators names entries of the request's iterator symbol table
	// to apply to the tablet view before evaluating.
	Iterators []string `json:"iterators,omitempty"`
}

// ConditionalMutation is a mutation guarded by conditions; it applies
// only if all conditions hold against the tablet's current view.
type ConditionalMutation struct {
	Mutation
	Conditions []Condition `json:"conditions"`
	// ID correlates results back to the submitting client.
	ID int64 `json:"id"`
}

// SortConditions orders conditions by (family, qualifier, visibility,
// timestamp desc) so evaluation scans the row view in locality order.
// Clients sort before sending; servers rely on the order.
func SortConditions(conds []Condition) {
	sort.SliceStable(conds, func(i, j int) bool {
		a, b := conds[i], conds[j]
		if c := bytes.Compare(a.Family, b.Family); c != 0 {
			return c < 0
		}
		if c := bytes.Compare(a.Qualifier, b.Qualifier); c != 0 {
			return c < 0
		}
		if c := bytes.Compare(a.Visibility, b.Visibility); c != 0 {
			return c < 0
		}
		return a.Timestamp > b.Timestamp
	})
}

// ConditionalStatus is the per-mutation outcome of a conditional
// update round.
type ConditionalStatus string

const (
	ConditionalAccepted ConditionalStatus = "ACCEPTED"
	ConditionalRejected ConditionalStatus = "REJECTED"
	ConditionalViolated ConditionalStatus = "VIOLATED"
	// ConditionalIgnored means the server did not get to the mutation
	// (tablet closed, contended, too many files); safe to resubmit.
	ConditionalIgnored ConditionalStatus = "IGNORED"
	// ConditionalUnknown is final: the outcome cannot be determined
	// even after fencing the session.
	ConditionalUnknown ConditionalStatus = "UNKNOWN"
	// ConditionalInvisible means a condition names a visibility the
	// submitter cannot read; distinct from a failed condition.
	ConditionalInvisible ConditionalStatus = "INVISIBLE_VISIBILITY"
)

// ConditionalResult pairs a mutation id with its status.
type ConditionalResult struct {
	ID     int64
	Status ConditionalStatus
}

// Durability is how hard a write must be persisted before it is
// acknowledged. Higher values subsume lower ones; the effective level
// is max(request, tablet default).
type Durability int

const (
	DurabilityDefault Durability = iota // defer to the tablet's setting
	DurabilityNone
	DurabilityLog
	DurabilityFlush
	DurabilitySync
)

func (d Durability) String() string {
	switch d {
	case DurabilityDefault:
		return "DEFAULT"
	case DurabilityNone:
		return "NONE"
	case DurabilityLog:
		return "LOG"
	case DurabilityFlush:
		return "FLUSH"
	case DurabilitySync:
		return "SYNC"
	}
	return "?"
}

// Resolve combines the request durability with the tablet default.
func (d Durability) Resolve(tabletDefault Durability) Durability {
	if d == DurabilityDefault {
		return tabletDefault
	}
	if tabletDefault == DurabilityDefault {
		return d
	}
	if d > tabletDefault {
		return d
	}
	return tabletDefault
}
