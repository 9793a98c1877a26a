// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/data"
	"github.com/cfkoehler/accumulo/go/ac/key"
	"github.com/cfkoehler/accumulo/go/ac/tabletserver"
)

// inProcServer adapts a real TabletServer into the ServerClient
// surface, with injectable failures.
type inProcServer struct {
	ts *tabletserver.TabletServer

	failNext    int   // fail this many ConditionalUpdate calls
	applyBefore bool  // apply the write before failing (true UNKNOWN)
	lockHeld    bool
	invalidated []int64
}

func (s *inProcServer) OpenConditionalSession(ctx context.Context, table key.TableID, auths map[string]bool) (int64, error) {
	return int64(s.ts.Sessions.Create(table, auths)), nil
}

func (s *inProcServer) ConditionalUpdate(ctx context.Context, session int64,
	updates map[string][]data.ConditionalMutation) ([]data.ConditionalResult, map[string][]data.ConditionalMutation, error) {
	if s.failNext > 0 {
		s.failNext--
		if s.applyBefore {
			s.ts.ConditionalUpdate(ctx, tabletserver.SessionID(session), updates, nil)
		}
		return nil, nil, errors.New("injected rpc failure")
	}
	results, deferred, err := s.ts.ConditionalUpdate(ctx, tabletserver.SessionID(session), updates, nil)
	if errors.Is(err, tabletserver.ErrNoSuchSession) {
		return nil, nil, ErrNoSuchSession
	}
	return results, deferred, err
}

func (s *inProcServer) InvalidateConditionalUpdate(ctx context.Context, session int64) error {
	s.ts.Sessions.Invalidate(tabletserver.SessionID(session))
	s.invalidated = append(s.invalidated, session)
	return nil
}

func (s *inProcServer) IsLockHeld(lockID string) (bool, error) {
	return s.lockHeld, nil
}

type staticLocator struct {
	loc         *TabletLocation
	invalidated int
}

func (sl *staticLocator) Locate(table key.TableID, row []byte) (*TabletLocation, error) {
	return sl.loc, nil
}

func (sl *staticLocator) Invalidate(table key.TableID) { sl.invalidated++ }

func newFixture(t *testing.T) (*inProcServer, *tabletserver.Tablet, *ConditionalWriter) {
	t.Helper()
	sessions := tabletserver.NewSessionManager(time.Minute)
	ts := tabletserver.NewTabletServer(nil, sessions, 4)
	tablet := tabletserver.NewTablet(key.NewKeyExtent("t1", nil, nil), 1, ample.TimeMillis, data.DurabilityNone)
	ts.LoadTablet(tablet)

	server := &inProcServer{ts: ts, lockHeld: true}
	locator := &staticLocator{loc: &TabletLocation{
		Extent: tablet.Extent(), Server: "ts1:9997", LockID: "/locks/tservers/ts1:9997#lock",
	}}
	cw := NewConditionalWriter("t1", nil, locator,
		func(string) (ServerClient, error) { return server, nil },
		Config{Timeout: 5 * time.Second})
	return server, tablet, cw
}

func cput(id int64, row, val string) data.ConditionalMutation {
	return data.ConditionalMutation{
		ID: id,
		Mutation: data.Mutation{Row: []byte(row), Updates: []data.ColumnUpdate{{
			Family: []byte("f"), Qualifier: []byte("q"), Value: []byte(val),
		}}},
		Conditions: []data.Condition{{Family: []byte("f"), Qualifier: []byte("q"), Absent: true}},
	}
}

func TestClientHappyPath(t *testing.T) {
	_, _, cw := newFixture(t)
	results := cw.Write(context.Background(), []data.ConditionalMutation{
		cput(1, "r1", "v"), cput(2, "r2", "v"),
	})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, data.ConditionalAccepted, r.Status)
		assert.NoError(t, r.Err)
	}
}

func TestClientSessionReuse(t *testing.T) {
	server, _, cw := newFixture(t)
	cw.Write(context.Background(), []data.ConditionalMutation{cput(1, "r1", "v")})
	first := cw.sessions["ts1:9997"].id
	cw.Write(context.Background(), []data.ConditionalMutation{cput(2, "r2", "v")})
	assert.Equal(t, first, cw.sessions["ts1:9997"].id, "session reused within TTL")
	assert.Empty(t, server.invalidated)
}

func TestClientUnknownAfterFence(t *testing.T) {
	server, tablet, cw := newFixture(t)
	// RPC fails after the server applied the write: truly unknown.
	server.failNext = 1
	server.applyBefore = true

	results := cw.Write(context.Background(), []data.ConditionalMutation{cput(1, "r1", "v")})
	require.Len(t, results, 1)
	assert.Equal(t, data.ConditionalUnknown, results[0].Status)
	// The fence ran: the session was invalidated before UNKNOWN was
	// reported, and UNKNOWN is final (no retry duplicated the write).
	assert.NotEmpty(t, server.invalidated)
	assert.Len(t, tablet.Cells("r1"), 1)
}

func TestClientUnknownOnDeadServer(t *testing.T) {
	server, _, cw := newFixture(t)
	server.failNext = 1
	server.lockHeld = false

	results := cw.Write(context.Background(), []data.ConditionalMutation{cput(1, "r1", "v")})
	require.Len(t, results, 1)
	assert.Equal(t, data.ConditionalUnknown, results[0].Status)
	// Dead server: no invalidate RPC needed.
	assert.Empty(t, server.invalidated)
}

func TestClientRetriesIgnored(t *testing.T) {
	server, tablet, cw := newFixture(t)
	tablet.SetTooManyFiles(true)
	done := make(chan []Result, 1)
	go func() {
		done <- cw.Write(context.Background(), []data.ConditionalMutation{cput(1, "r1", "v")})
	}()
	// Let a few IGNORED rounds happen, then clear the backpressure.
	time.Sleep(50 * time.Millisecond)
	tablet.SetTooManyFiles(false)
	results := <-done
	require.Len(t, results, 1)
	assert.Equal(t, data.ConditionalAccepted, results[0].Status)
	_ = server
}
