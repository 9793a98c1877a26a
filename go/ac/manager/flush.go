// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manager

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/key"
)

// InitiateFlush bumps the table's flush id on every tablet and
// returns the id tablet servers must reach.
func InitiateFlush(store ample.Ample, table key.TableID) (int64, error) {
	iter := store.ReadTablets().ForTable(table).Fetch(ample.ColFlushID).Build()
	var target int64
	var extents []key.KeyExtent
	for tm := iter.Next(); tm != nil; tm = iter.Next() {
		if tm.FlushID >= target {
			target = tm.FlushID + 1
		}
		extents = append(extents, tm.Extent)
	}
	if len(extents) == 0 {
		return 0, errors.Errorf("manager: flush of unknown table %v", table)
	}
	mutator := store.ConditionallyMutateTablets()
	for _, e := range extents {
		mutator.MutateTablet(e).
			RequireAbsentOperation().
			PutFlushID(target).
			Submit(nil, "initiate flush")
	}
	mutator.Process()
	return target, nil
}

// WaitForFlush blocks until every tablet of the table reports the
// flush id, it is hosted nowhere, or ctx ends.
//
// The root tablet breaks out of the wait early: its flush
// advancement is not observable through the same path and waiting
// would hang. This mirrors longstanding behavior that has not been
// resolved; do not tighten it without addressing the root tablet's
// flush reporting first.
func WaitForFlush(ctx context.Context, store ample.Ample, table key.TableID, flushID int64) error {
	for {
		if table == key.RootTableID {
			log.Warnf("manager: not waiting for flush of the root tablet")
			return nil
		}
		done := true
		iter := store.ReadTablets().ForTable(table).Fetch(ample.ColFlushID, ample.ColLocation).Build()
		for tm := iter.Next(); tm != nil; tm = iter.Next() {
			if tm.Location != nil && tm.FlushID < flushID {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}
