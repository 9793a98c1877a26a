// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package manager is the cluster coordinator side: one tablet-group
// watcher per data level drives every tablet toward its goal state,
// consulting the metadata table, the live server set and the
// balancer.
package manager

import (
	"time"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/key"
	"github.com/cfkoehler/accumulo/go/ac/naming"
)

// TableState is the administrative state of a table.
type TableState string

const (
	TableOnline   TableState = "ONLINE"
	TableOffline  TableState = "OFFLINE"
	TableDeleting TableState = "DELETING"
	TableUnknown  TableState = "UNKNOWN"
)

// TableStateSource answers table state queries during a scan.
type TableStateSource interface {
	State(table key.TableID) TableState
}

// TabletGoalState is where the watcher wants a tablet to be. It is
// computed once per tablet per scan and is the single source of
// truth; no dispatch branch changes it.
type TabletGoalState int

const (
	GoalHosted TabletGoalState = iota
	GoalUnassigned
	GoalSuspended
	GoalDeleted
)

func (g TabletGoalState) String() string {
	switch g {
	case GoalHosted:
		return "HOSTED"
	case GoalUnassigned:
		return "UNASSIGNED"
	case GoalSuspended:
		return "SUSPENDED"
	case GoalDeleted:
		return "DELETED"
	}
	return "?"
}

// HowUnload tells the tablet server what to do with state on unload.
func (g TabletGoalState) HowUnload() string {
	if g == GoalSuspended {
		return "suspend"
	}
	if g == GoalDeleted {
		return "delete"
	}
	return "unload"
}

// GoalParams carries what goal computation needs besides the row.
type GoalParams struct {
	TableState      TableState
	SuspendDuration time.Duration
	// SuspensionAllowed is false at the ROOT level: the root tablet
	// is never suspended.
	SuspensionAllowed bool
}

// ComputeGoal derives the goal state for one tablet.
func ComputeGoal(tm *ample.TabletMetadata, state ample.TabletState, p GoalParams) TabletGoalState {
	if p.TableState == TableDeleting {
		return GoalDeleted
	}
	if p.TableState == TableOffline {
		if state == ample.StateSuspended && p.SuspensionAllowed {
			return GoalSuspended
		}
		return GoalUnassigned
	}
	// Tablets under an operation are left alone.
	if tm.OpID != nil {
		return GoalUnassigned
	}
	switch tm.Availability {
	case ample.AvailabilityUnhosted:
		return GoalUnassigned
	case ample.AvailabilityOnDemand:
		if !tm.HostingRequested {
			return GoalUnassigned
		}
	}
	return GoalHosted
}

// SuspensionStillFresh reports whether a suspended tablet should wait
// for its old server rather than reassign.
func SuspensionStillFresh(s *ample.Suspension, d time.Duration) bool {
	return s != nil && time.Since(s.Time) < d
}

// TServerClient is the RPC surface the watcher drives tablet servers
// with. The wire layer is out of scope; implementations adapt it.
type TServerClient interface {
	AssignTablet(server naming.TServerInstance, extent key.KeyExtent) error
	UnloadTablet(server naming.TServerInstance, extent key.KeyExtent, how string) error
}

// LiveTServers snapshots the live server set, derived from the
// service locks.
type LiveTServers interface {
	Snapshot() map[naming.TServerInstance]bool
}

// Balancer picks destinations for unassigned tablets. Implementations
// are not thread safe; flushChanges serializes calls.
type Balancer interface {
	Assign(extent key.KeyExtent, candidates []naming.TServerInstance, last *naming.TServerInstance) (naming.TServerInstance, bool)
}

// EvenBalancer spreads assignments round-robin, preferring the last
// known location when it is still alive.
type EvenBalancer struct {
	next int
}

func (b *EvenBalancer) Assign(extent key.KeyExtent, candidates []naming.TServerInstance, last *naming.TServerInstance) (naming.TServerInstance, bool) {
	if len(candidates) == 0 {
		return naming.TServerInstance{}, false
	}
	if last != nil {
		for _, c := range candidates {
			if c == *last {
				return c, true
			}
		}
	}
	b.next = (b.next + 1) % len(candidates)
	return candidates[b.next], true
}
