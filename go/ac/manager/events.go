// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manager

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// RangeEvent asks the watcher to re-examine the tablets overlapping
// (Start, End] of a table, fed by tablet load/unload and table state
// changes.
type RangeEvent struct {
	Table string
	Start []byte
	End   []byte
}

// eventQueue is the bounded buffer between the event bus and the
// partial-scan consumer. On overflow it degrades to "full scan
// needed" instead of blocking producers.
type eventQueue struct {
	mu             sync.Mutex
	ranges         []RangeEvent
	limit          int
	fullScanNeeded bool
	signal         chan struct{}
}

func newEventQueue(limit int) *eventQueue {
	if limit <= 0 {
		limit = 1000
	}
	return &eventQueue{limit: limit, signal: make(chan struct{}, 1)}
}

// Offer enqueues a range, demoting to a full scan on overflow.
func (q *eventQueue) Offer(ev RangeEvent) {
	q.mu.Lock()
	if len(q.ranges) >= q.limit {
		if !q.fullScanNeeded {
			log.Warnf("manager: event queue overflow at %d ranges, demoting to full scan", q.limit)
		}
		q.fullScanNeeded = true
		q.ranges = q.ranges[:0]
	} else {
		q.ranges = append(q.ranges, ev)
	}
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Drain takes everything queued, plus whether a full scan was
// demanded by overflow.
func (q *eventQueue) Drain() ([]RangeEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ranges := q.ranges
	q.ranges = nil
	full := q.fullScanNeeded
	q.fullScanNeeded = false
	return ranges, full
}

// Wait returns the signal channel the consumer blocks on.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}
