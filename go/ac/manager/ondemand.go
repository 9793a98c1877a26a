// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manager

import (
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/key"
)

// HostOnDemand marks hosting requested on ONDEMAND tablets, called
// from the scan path when a client touches an unhosted tablet. An
// in-process set prevents duplicate concurrent submissions for the
// same extent.
func (w *TabletGroupWatcher) HostOnDemand(extents []key.KeyExtent) {
	var mine []key.KeyExtent
	w.hostingMu.Lock()
	for _, e := range extents {
		row := e.MetaRow()
		if w.hostingRequests[row] {
			continue
		}
		w.hostingRequests[row] = true
		mine = append(mine, e)
	}
	w.hostingMu.Unlock()
	if len(mine) == 0 {
		return
	}
	defer func() {
		w.hostingMu.Lock()
		for _, e := range mine {
			delete(w.hostingRequests, e.MetaRow())
		}
		w.hostingMu.Unlock()
	}()

	mutator := w.store.ConditionallyMutateTablets()
	for _, e := range mine {
		mutator.MutateTablet(e).
			RequireAbsentOperation().
			RequireAbsentLocation().
			RequireAvailability(ample.AvailabilityOnDemand).
			PutHostingRequested().
			Submit(func(r *ample.TabletMetadata) bool { return r.HostingRequested }, "host on demand")
	}
	for row, res := range mutator.Process() {
		if res.Status == ample.StatusAccepted {
			table, _, err := key.ParseMetaRow(row)
			if err == nil {
				w.Offer(RangeEvent{Table: string(table)})
			}
		} else {
			log.Debugf("manager: host-on-demand of %v: %v", row, res.Status)
		}
	}
}
