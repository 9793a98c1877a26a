// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tabletserver

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/cfkoehler/accumulo/go/ac/data"
	"github.com/cfkoehler/accumulo/go/ac/key"
	"github.com/cfkoehler/accumulo/go/ac/wal"
)

var conditionalResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "conditional_mutations_total",
	Help: "Conditional mutation outcomes by status.",
}, []string{"status"})

// ErrNoConditions rejects conditional mutations with an empty
// condition list; a conditional write without conditions is a caller
// bug, not a plain write.
var ErrNoConditions = errors.New("tabletserver: conditional mutation with no conditions")

// IterFn is one entry of the request's iterator symbol table: a view
// transform applied to the row's cells before condition evaluation.
type IterFn func([]data.ColumnUpdate) []data.ColumnUpdate

// TabletServer hosts tablets and serves the write paths. Conditional
// updates run on a bounded per-table executor so one table cannot
// starve the rest.
type TabletServer struct {
	mu      sync.Mutex
	tablets map[string]*Tablet

	logger   *wal.TabletServerLogger
	Sessions *SessionManager
	rowLocks *rowLockTable

	semMu     sync.Mutex
	tableSems map[key.TableID]*semaphore.Weighted
	semSize   int64

	// interrupt is polled at inner loop boundaries; a set flag turns
	// remaining work into IGNORED.
	interrupt func() bool
}

func NewTabletServer(logger *wal.TabletServerLogger, sessions *SessionManager, perTableParallelism int64) *TabletServer {
	if perTableParallelism <= 0 {
		perTableParallelism = 4
	}
	return &TabletServer{
		tablets:   make(map[string]*Tablet),
		logger:    logger,
		Sessions:  sessions,
		rowLocks:  newRowLockTable(),
		tableSems: make(map[key.TableID]*semaphore.Weighted),
		semSize:   perTableParallelism,
		interrupt: func() bool { return false },
	}
}

// SetInterrupt installs the cancellation flag.
func (ts *TabletServer) SetInterrupt(f func() bool) { ts.interrupt = f }

// LoadTablet registers a hosted tablet.
func (ts *TabletServer) LoadTablet(t *Tablet) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.tablets[t.Extent().MetaRow()] = t
}

// UnloadTablet closes and removes a tablet.
func (ts *TabletServer) UnloadTablet(extent key.KeyExtent) {
	ts.mu.Lock()
	t := ts.tablets[extent.MetaRow()]
	delete(ts.tablets, extent.MetaRow())
	ts.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

func (ts *TabletServer) tablet(extent key.KeyExtent) *Tablet {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.tablets[extent.MetaRow()]
}

func (ts *TabletServer) tableSem(id key.TableID) *semaphore.Weighted {
	ts.semMu.Lock()
	defer ts.semMu.Unlock()
	sem := ts.tableSems[id]
	if sem == nil {
		sem = semaphore.NewWeighted(ts.semSize)
		ts.tableSems[id] = sem
	}
	return sem
}

// ConditionalUpdate processes one round of conditional mutations for
// one session. Deferred mutations (duplicate rows in the request,
// contended row locks) are returned for a follow-up round; the caller
// loops until none remain.
func (ts *TabletServer) ConditionalUpdate(ctx context.Context, sid SessionID,
	updates map[string][]data.ConditionalMutation, symbols map[string]IterFn,
) (results []data.ConditionalResult, deferred map[string][]data.ConditionalMutation, err error) {

	session, err := ts.Sessions.reserve(sid)
	if err != nil {
		return nil, nil, err
	}
	defer ts.Sessions.release(sid)

	for _, muts := range updates {
		for _, cm := range muts {
			if len(cm.Conditions) == 0 {
				return nil, nil, ErrNoConditions
			}
		}
	}

	deferred = make(map[string][]data.ConditionalMutation)
	for extentRow, muts := range updates {
		table, endRow, perr := key.ParseMetaRow(extentRow)
		if perr != nil {
			return nil, nil, perr
		}
		sem := ts.tableSem(table)
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, nil, err
		}
		extentResults, extentDeferred := ts.updateExtent(session, table, endRow, extentRow, muts, symbols)
		sem.Release(1)
		results = append(results, extentResults...)
		if len(extentDeferred) > 0 {
			deferred[extentRow] = extentDeferred
		}
	}
	for _, r := range results {
		conditionalResults.WithLabelValues(string(r.Status)).Inc()
	}
	return results, deferred, nil
}

func ignoreAll(muts []data.ConditionalMutation) []data.ConditionalResult {
	out := make([]data.ConditionalResult, 0, len(muts))
	for _, cm := range muts {
		out = append(out, data.ConditionalResult{ID: cm.ID, Status: data.ConditionalIgnored})
	}
	return out
}

func (ts *TabletServer) updateExtent(session *conditionalSession, table key.TableID, endRow []byte,
	extentRow string, muts []data.ConditionalMutation, symbols map[string]IterFn,
) ([]data.ConditionalResult, []data.ConditionalMutation) {

	var results []data.ConditionalResult
	var roundDeferred []data.ConditionalMutation

	// One mutation per row per round: a writer only observes writes
	// from earlier rounds. Later duplicates are deferred wholesale.
	seenRow := make(map[string]bool)
	var round []data.ConditionalMutation
	for _, cm := range muts {
		r := string(cm.Row)
		if seenRow[r] {
			roundDeferred = append(roundDeferred, cm)
			continue
		}
		seenRow[r] = true
		round = append(round, cm)
	}
	sort.Slice(round, func(i, j int) bool { return bytes.Compare(round[i].Row, round[j].Row) < 0 })

	var tablet *Tablet
	for _, t := range ts.snapshotTablets() {
		if t.Extent().Table == table && bytes.Equal(t.Extent().EndRow, endRow) {
			tablet = t
			break
		}
	}
	if tablet == nil {
		// Not hosted here; the client re-bins after invalidating its
		// locator cache.
		return ignoreAll(round), roundDeferred
	}

	rows := make([][]byte, len(round))
	for i, cm := range round {
		rows[i] = cm.Row
	}
	acquired, _ := ts.rowLocks.tryLock(rows)
	defer ts.rowLocks.unlock(acquired)
	locked := make(map[string]bool, len(acquired))
	for _, r := range acquired {
		locked[string(r)] = true
	}
	for _, cm := range round {
		if !locked[string(cm.Row)] {
			roundDeferred = append(roundDeferred, cm)
		}
	}

	if closed, tooMany := tablet.notServing(); closed || tooMany {
		var withLock []data.ConditionalMutation
		for _, cm := range round {
			if locked[string(cm.Row)] {
				withLock = append(withLock, cm)
			}
		}
		return ignoreAll(withLock), roundDeferred
	}

	env := &StaticEnv{Auths: session.auths}
	var accepted []data.ConditionalMutation
	for _, cm := range round {
		if !locked[string(cm.Row)] {
			continue
		}
		if ts.interrupt() {
			results = append(results, data.ConditionalResult{ID: cm.ID, Status: data.ConditionalIgnored})
			continue
		}
		status := ts.evaluate(tablet, env, cm, symbols)
		if status == data.ConditionalAccepted {
			accepted = append(accepted, cm)
			continue // reported after commit
		}
		results = append(results, data.ConditionalResult{ID: cm.ID, Status: status})
	}

	results = append(results, ts.commitAccepted(tablet, env, session, accepted)...)
	return results, roundDeferred
}

func (ts *TabletServer) snapshotTablets() []*Tablet {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]*Tablet, 0, len(ts.tablets))
	for _, t := range ts.tablets {
		out = append(out, t)
	}
	return out
}

// evaluate checks a mutation's conditions against a scoped view of
// its row, with the declared iterator stack applied.
func (ts *TabletServer) evaluate(tablet *Tablet, env ConstraintEnv, cm data.ConditionalMutation, symbols map[string]IterFn) data.ConditionalStatus {
	conds := append([]data.Condition(nil), cm.Conditions...)
	data.SortConditions(conds)
	for _, cond := range conds {
		if len(cond.Visibility) > 0 && !env.Authorizations()[string(cond.Visibility)] {
			return data.ConditionalInvisible
		}
		view := tablet.readRow(cm.Row)
		for _, iterName := range cond.Iterators {
			iter, ok := symbols[iterName]
			if !ok {
				log.Warnf("tabletserver: unknown iterator %q in condition", iterName)
				return data.ConditionalRejected
			}
			view = iter(view)
		}
		if !conditionHolds(cond, view) {
			return data.ConditionalRejected
		}
	}
	if violated(env, cm.Mutation) {
		return data.ConditionalViolated
	}
	return data.ConditionalAccepted
}

// conditionHolds resolves the named cell in the view and compares.
func conditionHolds(cond data.Condition, view []data.ColumnUpdate) bool {
	var best *data.ColumnUpdate
	for i := range view {
		up := &view[i]
		if !bytes.Equal(up.Family, cond.Family) ||
			!bytes.Equal(up.Qualifier, cond.Qualifier) ||
			!bytes.Equal(up.Visibility, cond.Visibility) {
			continue
		}
		if cond.HasTime && up.Timestamp != cond.Timestamp {
			continue
		}
		if best == nil || up.Timestamp > best.Timestamp {
			best = up
		}
	}
	if best != nil && best.Deleted {
		best = nil
	}
	if cond.Absent {
		return best == nil
	}
	return best != nil && bytes.Equal(best.Value, cond.Value)
}

// commitAccepted durably logs then commits the accepted mutations,
// all under the row locks held by the caller. The session is
// re-verified immediately before commit so Invalidate can fence.
func (ts *TabletServer) commitAccepted(tablet *Tablet, env ConstraintEnv, session *conditionalSession,
	accepted []data.ConditionalMutation) []data.ConditionalResult {
	if len(accepted) == 0 {
		return nil
	}
	muts := make([]data.Mutation, len(accepted))
	for i, cm := range accepted {
		muts[i] = cm.Mutation
	}

	prepared := tablet.PrepareMutationsForCommit(env, muts)
	if prepared.TabletClosed {
		return ignoreAll(accepted)
	}
	if !ts.Sessions.isValid(session.id) {
		prepared.Session.Abort()
		return ignoreAll(accepted)
	}

	durability := tablet.ResolveDurability(data.DurabilityDefault)
	if ts.logger != nil && durability != data.DurabilityNone {
		err := ts.logger.Write([]wal.Session{prepared.Session}, durability, func(l *wal.DfsLog) error {
			return l.LogMany(tablet.TabletID(), prepared.NonViolators, durability)
		})
		if err != nil {
			prepared.Session.Abort()
			log.WithError(err).Warn("tabletserver: conditional log write failed")
			return ignoreAll(accepted)
		}
	}
	prepared.Session.Commit(prepared.NonViolators)

	out := make([]data.ConditionalResult, 0, len(accepted))
	violatorRows := make(map[string]bool, len(prepared.Violators))
	for _, m := range prepared.Violators {
		violatorRows[string(m.Row)] = true
	}
	for _, cm := range accepted {
		if violatorRows[string(cm.Row)] {
			out = append(out, data.ConditionalResult{ID: cm.ID, Status: data.ConditionalViolated})
		} else {
			out = append(out, data.ConditionalResult{ID: cm.ID, Status: data.ConditionalAccepted})
		}
	}
	return out
}
