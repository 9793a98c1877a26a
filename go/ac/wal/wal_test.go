// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/data"
	"github.com/cfkoehler/accumulo/go/ac/key"
	"github.com/cfkoehler/accumulo/go/zk/fakezk"
)

type fakeSession struct {
	extent key.KeyExtent
	id     int32
}

func (s *fakeSession) Extent() key.KeyExtent { return s.extent }
func (s *fakeSession) TabletID() int32       { return s.id }

type recordingMeta struct {
	mu      sync.Mutex
	entries []ample.LogEntry
}

func (rm *recordingMeta) AddLogEntry(extent key.KeyExtent, le ample.LogEntry) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.entries = append(rm.entries, le)
	return nil
}

func newLogger(t *testing.T, cfg Config) (*TabletServerLogger, *recordingMeta, *fakezk.Conn) {
	t.Helper()
	fake := fakezk.New()
	conn := fake.Connect()
	cfg.Dir = t.TempDir()
	cfg.Server = "ts1:9997"
	maker := NewNextLogMaker(conn, "/accumulo/test", cfg.Server, cfg.Dir)
	maker.Start()
	t.Cleanup(maker.Stop)
	meta := &recordingMeta{}
	tsl := NewTabletServerLogger(cfg, maker, meta,
		func() bool { return true },
		func(reason string) { t.Fatalf("unexpected halt: %v", reason) })
	require.NoError(t, tsl.Open())
	t.Cleanup(func() { tsl.Close() })
	return tsl, meta, conn
}

func mut(row string) data.Mutation {
	return data.Mutation{Row: []byte(row), Updates: []data.ColumnUpdate{{
		Family: []byte("f"), Qualifier: []byte("q"), Value: []byte("v"),
	}}}
}

func TestWriteDefinesTabletOncePerLog(t *testing.T) {
	tsl, meta, _ := newLogger(t, Config{})
	session := &fakeSession{extent: key.NewKeyExtent("t1", nil, nil), id: 1}

	for i := 0; i < 3; i++ {
		err := tsl.Write([]Session{session}, data.DurabilitySync, func(l *DfsLog) error {
			return l.LogMany(session.id, []data.Mutation{mut("r")}, data.DurabilitySync)
		})
		require.NoError(t, err)
	}

	// One defined record and one metadata log entry despite three
	// writes.
	meta.mu.Lock()
	defer meta.mu.Unlock()
	require.Len(t, meta.entries, 1)
}

func TestRotationAtMaxSizeBoundary(t *testing.T) {
	tsl, _, _ := newLogger(t, Config{MaxSize: 1}) // every write crosses the boundary
	session := &fakeSession{extent: key.NewKeyExtent("t1", nil, nil), id: 1}

	firstID := tsl.CurrentLogID()
	require.NotEmpty(t, firstID)
	err := tsl.Write([]Session{session}, data.DurabilitySync, func(l *DfsLog) error {
		return l.LogMany(session.id, []data.Mutation{mut("r")}, data.DurabilitySync)
	})
	require.NoError(t, err)

	// The next write goes to a fresh log.
	require.Eventually(t, func() bool { return tsl.CurrentLogID() != firstID },
		5*time.Second, 10*time.Millisecond)
}

func TestClosedLogRejectsAppends(t *testing.T) {
	l, err := CreateLog(t.TempDir(), "log1")
	require.NoError(t, err)
	require.NoError(t, l.LogMany(1, []data.Mutation{mut("a")}, data.DurabilitySync))
	require.NoError(t, l.Close())
	assert.Equal(t, ErrLogClosed, l.LogMany(1, []data.Mutation{mut("b")}, data.DurabilitySync))
}

func TestMarkerLifecycle(t *testing.T) {
	fake := fakezk.New()
	conn := fake.Connect()
	root := "/accumulo/test"

	m := Marker{Server: "ts1:9997", LogID: "log1", Path: "/wal/log1", State: MarkerOpen}
	require.NoError(t, PutMarker(conn, root, m))

	markers, err := ListMarkers(conn, root, "ts1:9997")
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, MarkerOpen, markers[0].State)

	require.NoError(t, CloseMarkersForServer(conn, root, "ts1:9997"))
	markers, _ = ListMarkers(conn, root, "ts1:9997")
	assert.Equal(t, MarkerClosed, markers[0].State)

	// CLOSED never reopens.
	assert.Error(t, SetMarkerState(conn, root, "ts1:9997", "log1", MarkerOpen))

	require.NoError(t, SetMarkerState(conn, root, "ts1:9997", "log1", MarkerUnreferenced))
	require.NoError(t, RemoveMarker(conn, root, "ts1:9997", "log1"))
	markers, _ = ListMarkers(conn, root, "ts1:9997")
	assert.Empty(t, markers)
}

func TestLogReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := CreateLog(dir, "log1")
	require.NoError(t, err)
	extent := key.NewKeyExtent("t1", []byte("m"), nil)

	require.NoError(t, l.DefineTablet(7, extent))
	require.NoError(t, l.LogMany(7, []data.Mutation{mut("a"), mut("b")}, data.DurabilitySync))
	require.NoError(t, l.MinorCompactionStarted(7, "/t1/f1.rf"))
	require.NoError(t, l.MinorCompactionFinished(7))
	require.NoError(t, l.Close())

	var types []RecordType
	var seqs []int64
	require.NoError(t, ReadLog(l.Path, func(rec *Record) error {
		types = append(types, rec.Type)
		seqs = append(seqs, rec.Seq)
		return nil
	}))
	assert.Equal(t, []RecordType{RecDefineTablet, RecMutations, RecMincStart, RecMincFinish}, types)
	assert.Equal(t, []int64{1, 2, 3, 4}, seqs, "records are position-recoverable in order")
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
}

func (fr *fakeResolver) Resolve(le ample.LogEntry) (ResolvedSortedLog, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.calls++
	return ResolvedSortedLog{Entry: le, Dir: le.Path + ".sorted"}, nil
}

func TestCachingResolverCollapsesDuplicates(t *testing.T) {
	inner := &fakeResolver{}
	resolver := NewCachingResolver(inner)
	le := ample.LogEntry{Path: "/wal/log1", Server: "ts1:9997"}

	for i := 0; i < 5; i++ {
		_, err := resolver.Resolve(le)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, inner.calls)
}

func TestRecoverFeedsOnlyOwnTablet(t *testing.T) {
	dir := t.TempDir()
	l, err := CreateLog(dir, "log1")
	require.NoError(t, err)
	mine := key.NewKeyExtent("t1", []byte("m"), nil)
	other := key.NewKeyExtent("t1", nil, []byte("m"))

	require.NoError(t, l.DefineTablet(1, mine))
	require.NoError(t, l.DefineTablet(2, other))
	require.NoError(t, l.LogMany(1, []data.Mutation{mut("a")}, data.DurabilitySync))
	require.NoError(t, l.LogMany(2, []data.Mutation{mut("z")}, data.DurabilitySync))
	require.NoError(t, l.Close())

	le := ample.LogEntry{Path: l.Path, Server: "ts1:9997"}
	var got []string
	err = Recover(mine, []ample.LogEntry{le},
		NewCachingResolver(pathResolver{}), LogFileReader{},
		func(m data.Mutation) error {
			got = append(got, string(m.Row))
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
	assert.True(t, NeedsRecovery([]ample.LogEntry{le}))
	assert.False(t, NeedsRecovery(nil))
}

// pathResolver resolves a log entry to itself; the unsorted reader
// consumes the raw log.
type pathResolver struct{}

func (pathResolver) Resolve(le ample.LogEntry) (ResolvedSortedLog, error) {
	return ResolvedSortedLog{Entry: le, Dir: le.Path}, nil
}
