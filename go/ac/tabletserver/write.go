// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tabletserver

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/data"
	"github.com/cfkoehler/accumulo/go/ac/key"
	"github.com/cfkoehler/accumulo/go/ac/wal"
)

// UpdateResult reports the outcome of a plain (unconditional) batch
// against one tablet.
type UpdateResult struct {
	Committed int
	Violators []data.Mutation
}

// Update is the per-tablet write path: prepare (constraints + commit
// session), durably log, then commit. A mutation that entered the
// session is either applied and logged at the resolved durability or
// reported as a violator; there is no partial state.
func (ts *TabletServer) Update(env ConstraintEnv, extent key.KeyExtent,
	mutations []data.Mutation, requested data.Durability) (*UpdateResult, error) {

	tablet := ts.tablet(extent)
	if tablet == nil {
		return nil, errors.Wrapf(ErrNotServing, "%v", extent)
	}
	prepared := tablet.PrepareMutationsForCommit(env, mutations)
	if prepared.TabletClosed {
		return nil, errors.Wrapf(ErrNotServing, "%v closed", extent)
	}

	durability := tablet.ResolveDurability(requested)
	if ts.logger != nil && durability != data.DurabilityNone {
		err := ts.logger.Write([]wal.Session{prepared.Session}, durability, func(l *wal.DfsLog) error {
			return l.LogMany(tablet.TabletID(), prepared.NonViolators, durability)
		})
		if err != nil {
			prepared.Session.Abort()
			log.WithError(err).Warnf("tabletserver: update log write failed for %v", extent)
			return nil, err
		}
	}
	prepared.Session.Commit(prepared.NonViolators)
	return &UpdateResult{Committed: len(prepared.NonViolators), Violators: prepared.Violators}, nil
}
