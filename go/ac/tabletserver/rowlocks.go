// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tabletserver

import "sync"

// rowLockTable hands out non-blocking per-row locks for conditional
// updates. Contended rows are deferred to the next round rather than
// waited on.
type rowLockTable struct {
	mu   sync.Mutex
	held map[string]bool
}

func newRowLockTable() *rowLockTable {
	return &rowLockTable{held: make(map[string]bool)}
}

// tryLock attempts every row; it returns the rows acquired and the
// rows that were contended. Acquired rows must be released with
// unlock.
func (rlt *rowLockTable) tryLock(rows [][]byte) (acquired [][]byte, contended [][]byte) {
	rlt.mu.Lock()
	defer rlt.mu.Unlock()
	for _, row := range rows {
		k := string(row)
		if rlt.held[k] {
			contended = append(contended, row)
			continue
		}
		rlt.held[k] = true
		acquired = append(acquired, row)
	}
	return acquired, contended
}

func (rlt *rowLockTable) unlock(rows [][]byte) {
	rlt.mu.Lock()
	defer rlt.mu.Unlock()
	for _, row := range rows {
		delete(rlt.held, string(row))
	}
}
