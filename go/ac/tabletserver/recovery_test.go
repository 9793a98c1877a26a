// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tabletserver

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/data"
	"github.com/cfkoehler/accumulo/go/ac/key"
	"github.com/cfkoehler/accumulo/go/ac/wal"
	"github.com/cfkoehler/accumulo/go/zk/fakezk"
)

type capturingMeta struct {
	mu      sync.Mutex
	entries []ample.LogEntry
}

func (cm *capturingMeta) AddLogEntry(extent key.KeyExtent, le ample.LogEntry) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.entries = append(cm.entries, le)
	return nil
}

type identityResolver struct{}

func (identityResolver) Resolve(le ample.LogEntry) (wal.ResolvedSortedLog, error) {
	return wal.ResolvedSortedLog{Entry: le, Dir: le.Path}, nil
}

// A server that crashes after WAL durability but before commit
// visibility must replay the mutation on recovery, and a subsequent
// read returns the value.
func TestCrashBetweenLogAndCommitReplays(t *testing.T) {
	conn := fakezk.New().Connect()
	maker := wal.NewNextLogMaker(conn, "/accumulo/test", "ts1:9997", t.TempDir())
	maker.Start()
	defer maker.Stop()
	meta := &capturingMeta{}
	logger := wal.NewTabletServerLogger(wal.Config{Server: "ts1:9997"}, maker, meta,
		func() bool { return true },
		func(reason string) { t.Fatalf("unexpected halt: %v", reason) })
	require.NoError(t, logger.Open())

	extent := key.NewKeyExtent("t1", nil, nil)
	tablet := NewTablet(extent, 1, ample.TimeMillis, data.DurabilitySync)

	m := data.Mutation{Row: []byte("r1"), Updates: []data.ColumnUpdate{{
		Family: []byte("f"), Qualifier: []byte("q"), Value: []byte("v"),
	}}}

	// The write reaches WAL durability...
	prepared := tablet.PrepareMutationsForCommit(nil, []data.Mutation{m})
	require.Empty(t, prepared.Violators)
	err := logger.Write([]wal.Session{prepared.Session}, data.DurabilitySync, func(l *wal.DfsLog) error {
		return l.LogMany(tablet.TabletID(), prepared.NonViolators, data.DurabilitySync)
	})
	require.NoError(t, err)
	// ...and the server dies before the commit becomes visible.
	prepared.Session.Abort()
	require.NoError(t, logger.Close())

	meta.mu.Lock()
	require.Len(t, meta.entries, 1, "log association was published before the crash")
	logEntry := meta.entries[0]
	meta.mu.Unlock()

	// Recovery feeds the log back through a fresh tablet's write path.
	recovered := NewTablet(extent, 1, ample.TimeMillis, data.DurabilitySync)
	err = wal.Recover(extent, []ample.LogEntry{logEntry},
		wal.NewCachingResolver(identityResolver{}), wal.LogFileReader{},
		func(rm data.Mutation) error {
			p := recovered.PrepareMutationsForCommit(nil, []data.Mutation{rm})
			p.Session.Commit(p.NonViolators)
			return nil
		})
	require.NoError(t, err)

	cells := recovered.Cells("r1")
	require.Len(t, cells, 1)
	assert.Equal(t, []byte("v"), cells[0].Value)
}
