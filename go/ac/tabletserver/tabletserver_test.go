// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tabletserver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/data"
	"github.com/cfkoehler/accumulo/go/ac/key"
)

func newServer(t *testing.T) (*TabletServer, *Tablet, SessionID) {
	t.Helper()
	sessions := NewSessionManager(time.Minute)
	ts := NewTabletServer(nil, sessions, 4)
	tablet := NewTablet(key.NewKeyExtent("t1", nil, nil), 1, ample.TimeMillis, data.DurabilityNone)
	ts.LoadTablet(tablet)
	sid := sessions.Create("t1", map[string]bool{"vis1": true})
	return ts, tablet, sid
}

func condPut(id int64, row, val string, conds ...data.Condition) data.ConditionalMutation {
	return data.ConditionalMutation{
		ID: id,
		Mutation: data.Mutation{
			Row: []byte(row),
			Updates: []data.ColumnUpdate{{
				Family: []byte("f"), Qualifier: []byte("q"), Value: []byte(val),
			}},
		},
		Conditions: conds,
	}
}

func absent() data.Condition {
	return data.Condition{Family: []byte("f"), Qualifier: []byte("q"), Absent: true}
}

func equals(val string) data.Condition {
	return data.Condition{Family: []byte("f"), Qualifier: []byte("q"), Value: []byte(val)}
}

func runRounds(t *testing.T, ts *TabletServer, sid SessionID, updates map[string][]data.ConditionalMutation) []data.ConditionalResult {
	t.Helper()
	var all []data.ConditionalResult
	for len(updates) > 0 {
		results, deferred, err := ts.ConditionalUpdate(context.Background(), sid, updates, nil)
		require.NoError(t, err)
		all = append(all, results...)
		updates = deferred
	}
	return all
}

func TestConditionalHappyPath(t *testing.T) {
	ts, tablet, sid := newServer(t)
	extentRow := tablet.Extent().MetaRow()

	muts := make([]data.ConditionalMutation, 0, 1000)
	for i := 0; i < 1000; i++ {
		muts = append(muts, condPut(int64(i), fmt.Sprintf("row%04d", i), "v", absent()))
	}
	results := runRounds(t, ts, sid, map[string][]data.ConditionalMutation{extentRow: muts})

	require.Len(t, results, 1000)
	for _, r := range results {
		assert.Equal(t, data.ConditionalAccepted, r.Status)
	}
	// All rows visible, no duplicates.
	for i := 0; i < 1000; i++ {
		cells := tablet.readRow([]byte(fmt.Sprintf("row%04d", i)))
		require.Len(t, cells, 1)
		assert.Equal(t, []byte("v"), cells[0].Value)
	}
}

func TestConditionalRejectedOnValueMismatch(t *testing.T) {
	ts, tablet, sid := newServer(t)
	extentRow := tablet.Extent().MetaRow()

	results := runRounds(t, ts, sid, map[string][]data.ConditionalMutation{
		extentRow: {condPut(1, "r1", "v1", absent())},
	})
	require.Equal(t, data.ConditionalAccepted, results[0].Status)

	// CAS with wrong expected value loses; with right value wins.
	results = runRounds(t, ts, sid, map[string][]data.ConditionalMutation{
		extentRow: {condPut(2, "r1", "v2", equals("wrong"))},
	})
	assert.Equal(t, data.ConditionalRejected, results[0].Status)

	results = runRounds(t, ts, sid, map[string][]data.ConditionalMutation{
		extentRow: {condPut(3, "r1", "v2", equals("v1"))},
	})
	assert.Equal(t, data.ConditionalAccepted, results[0].Status)
	cells := tablet.readRow([]byte("r1"))
	var latest data.ColumnUpdate
	for _, c := range cells {
		if c.Timestamp >= latest.Timestamp {
			latest = c
		}
	}
	assert.Equal(t, []byte("v2"), latest.Value)
}

func TestConditionalNoConditionsIsArgumentError(t *testing.T) {
	ts, tablet, sid := newServer(t)
	_, _, err := ts.ConditionalUpdate(context.Background(), sid,
		map[string][]data.ConditionalMutation{
			tablet.Extent().MetaRow(): {condPut(1, "r1", "v")},
		}, nil)
	assert.Equal(t, ErrNoConditions, err)
}

func TestConditionalInvisibleVisibility(t *testing.T) {
	ts, tablet, sid := newServer(t)
	cm := condPut(1, "r1", "v", data.Condition{
		Family: []byte("f"), Qualifier: []byte("q"),
		Visibility: []byte("secret"), Absent: true,
	})
	results := runRounds(t, ts, sid, map[string][]data.ConditionalMutation{
		tablet.Extent().MetaRow(): {cm},
	})
	require.Len(t, results, 1)
	assert.Equal(t, data.ConditionalInvisible, results[0].Status,
		"unreadable visibility is INVISIBLE_VISIBILITY, not REJECTED")
}

func TestDuplicateRowsProcessOnePerRound(t *testing.T) {
	ts, tablet, sid := newServer(t)
	extentRow := tablet.Extent().MetaRow()

	// Two CAS increments on the same row in one request: the first
	// sees absent, the second must observe the first's write in a
	// later round.
	first := condPut(1, "r1", "v1", absent())
	second := condPut(2, "r1", "v2", equals("v1"))

	results, deferred, err := ts.ConditionalUpdate(context.Background(), sid,
		map[string][]data.ConditionalMutation{extentRow: {first, second}}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, data.ConditionalAccepted, results[0].Status)
	require.Len(t, deferred[extentRow], 1)
	assert.Equal(t, int64(2), deferred[extentRow][0].ID)

	results, deferred, err = ts.ConditionalUpdate(context.Background(), sid, deferred, nil)
	require.NoError(t, err)
	require.Empty(t, deferred)
	require.Len(t, results, 1)
	assert.Equal(t, data.ConditionalAccepted, results[0].Status)
}

func TestInvalidatedSessionAppliesNothing(t *testing.T) {
	ts, tablet, sid := newServer(t)
	ts.Sessions.Invalidate(sid)

	_, _, err := ts.ConditionalUpdate(context.Background(), sid,
		map[string][]data.ConditionalMutation{
			tablet.Extent().MetaRow(): {condPut(1, "r1", "v", absent())},
		}, nil)
	assert.Equal(t, ErrNoSuchSession, err)
	assert.Empty(t, tablet.readRow([]byte("r1")),
		"no mutation from an invalidated session is ever observed")
}

func TestTooManyFilesTabletIgnores(t *testing.T) {
	ts, tablet, sid := newServer(t)
	tablet.SetTooManyFiles(true)
	results, deferred, err := ts.ConditionalUpdate(context.Background(), sid,
		map[string][]data.ConditionalMutation{
			tablet.Extent().MetaRow(): {condPut(1, "r1", "v", absent())},
		}, nil)
	require.NoError(t, err)
	require.Empty(t, deferred)
	require.Len(t, results, 1)
	assert.Equal(t, data.ConditionalIgnored, results[0].Status)
	assert.Empty(t, tablet.readRow([]byte("r1")))
}

func TestSessionStrictlySingleThreaded(t *testing.T) {
	sessions := NewSessionManager(time.Minute)
	sid := sessions.Create("t1", nil)
	s, err := sessions.reserve(sid)
	require.NoError(t, err)
	require.NotNil(t, s)
	_, err = sessions.reserve(sid)
	assert.Equal(t, ErrSessionBusy, err)
	sessions.release(sid)
	_, err = sessions.reserve(sid)
	assert.NoError(t, err)
}

func TestConditionIterators(t *testing.T) {
	ts, tablet, sid := newServer(t)
	extentRow := tablet.Extent().MetaRow()

	// Seed a value, then condition through an iterator that hides it.
	results := runRounds(t, ts, sid, map[string][]data.ConditionalMutation{
		extentRow: {condPut(1, "r1", "v1", absent())},
	})
	require.Equal(t, data.ConditionalAccepted, results[0].Status)

	hideAll := func([]data.ColumnUpdate) []data.ColumnUpdate { return nil }
	cm := condPut(2, "r1", "v2", data.Condition{
		Family: []byte("f"), Qualifier: []byte("q"), Absent: true,
		Iterators: []string{"hide"},
	})
	res, _, err := ts.ConditionalUpdate(context.Background(), sid,
		map[string][]data.ConditionalMutation{extentRow: {cm}},
		map[string]IterFn{"hide": hideAll})
	require.NoError(t, err)
	assert.Equal(t, data.ConditionalAccepted, res[0].Status,
		"iterator-filtered view satisfies the absent condition")
}

func TestPlainUpdateViolators(t *testing.T) {
	ts, tablet, _ := newServer(t)
	env := &StaticEnv{Auths: map[string]bool{"vis1": true}}

	good := data.Mutation{Row: []byte("r1"), Updates: []data.ColumnUpdate{{
		Family: []byte("f"), Qualifier: []byte("q"), Value: []byte("v"),
	}}}
	bad := data.Mutation{Row: []byte("r2"), Updates: []data.ColumnUpdate{{
		Family: []byte("f"), Qualifier: []byte("q"), Value: []byte("v"),
		Visibility: []byte("topsecret"),
	}}}

	res, err := ts.Update(env, tablet.Extent(), []data.Mutation{good, bad}, data.DurabilityDefault)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	require.Len(t, res.Violators, 1)
	assert.Equal(t, []byte("r2"), res.Violators[0].Row)
	assert.NotEmpty(t, tablet.readRow([]byte("r1")))
	assert.Empty(t, tablet.readRow([]byte("r2")))
}

func TestDurabilityResolution(t *testing.T) {
	assert.Equal(t, data.DurabilitySync, data.DurabilityLog.Resolve(data.DurabilitySync))
	assert.Equal(t, data.DurabilitySync, data.DurabilitySync.Resolve(data.DurabilityLog))
	assert.Equal(t, data.DurabilityFlush, data.DurabilityDefault.Resolve(data.DurabilityFlush))
	assert.Equal(t, data.DurabilityNone, data.DurabilityNone.Resolve(data.DurabilityDefault))
}

func TestLogicalTimeMonotonic(t *testing.T) {
	tablet := NewTablet(key.NewKeyExtent("t1", nil, nil), 1, ample.TimeLogical, data.DurabilityNone)
	prepared := tablet.PrepareMutationsForCommit(nil, []data.Mutation{
		{Row: []byte("r"), Updates: []data.ColumnUpdate{{Family: []byte("f"), Qualifier: []byte("q"), Value: []byte("1")}}},
		{Row: []byte("r"), Updates: []data.ColumnUpdate{{Family: []byte("f"), Qualifier: []byte("q"), Value: []byte("2")}}},
	})
	prepared.Session.Commit(prepared.NonViolators)
	cells := tablet.readRow([]byte("r"))
	require.Len(t, cells, 2)
	assert.Equal(t, int64(1), cells[0].Timestamp)
	assert.Equal(t, int64(2), cells[1].Timestamp)
	assert.Equal(t, ample.TimeLogical, tablet.TabletTime().Type)
	assert.Equal(t, int64(2), tablet.TabletTime().Val)
}
