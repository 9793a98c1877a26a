// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package servicelock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfkoehler/accumulo/go/zk/fakezk"
)

func entry(u string, seq int) string {
	return fmt.Sprintf("zlock#%s#%010d", u, seq)
}

func TestFindLowestPrevPrefix(t *testing.T) {
	uuidA := uuid.New().String()
	uuidB := uuid.New().String()
	uuidC := uuid.New().String()
	uuidD := uuid.New().String()
	uuidE := uuid.New().String()

	children := []string{
		entry(uuidA, 1), entry(uuidA, 2),
		entry(uuidB, 3), entry(uuidB, 4),
		entry(uuidC, 6), entry(uuidC, 7),
		entry(uuidD, 8),
		entry(uuidE, 10),
	}
	sorted := sortChildrenByLockPrefix(children)
	require.Len(t, sorted, 8)

	// Predecessor of seq 10 is the lone prefix at seq 8.
	prev, err := findLowestPrevPrefix(sorted, "zlock#"+uuidE+"#")
	require.NoError(t, err)
	assert.Equal(t, entry(uuidD, 8), prev)

	// Predecessor of seq 3 is the lowest entry of the prefix holding
	// seqs 1 and 2.
	prev, err = findLowestPrevPrefix(sorted, "zlock#"+uuidB+"#")
	require.NoError(t, err)
	assert.Equal(t, entry(uuidA, 1), prev)

	// The first prefix has no predecessor.
	_, err = findLowestPrevPrefix(sorted, "zlock#"+uuidA+"#")
	assert.Equal(t, ErrNoPredecessor, err)
}

func TestSortRejectsNonConformant(t *testing.T) {
	u := uuid.New().String()
	children := []string{
		entry(u, 2),
		"zlock#not-a-uuid#0000000001",
		"unrelated",
		"zlock#" + u + "#1", // sequence not 10 digits
	}
	sorted := sortChildrenByLockPrefix(children)
	require.Equal(t, []string{entry(u, 2)}, sorted)
}

func TestLockIDRoundTrip(t *testing.T) {
	u := uuid.New().String()
	lid := LockID{Path: "/locks/tservers/host:9997", UUID: u, Seq: 7}
	parsed, err := ParseLockID(lid.String())
	require.NoError(t, err)
	assert.Equal(t, lid, parsed)

	// Non-conformant uuids round-trip-reject.
	_, err = ParseLockID("/locks/x#NOT-A-UUID#0000000001")
	assert.Error(t, err)
	_, err = ParseLockID("garbage")
	assert.Error(t, err)
}

func TestLockElectionAndLoss(t *testing.T) {
	fake := fakezk.New()

	first := fake.Connect()
	second := fake.Connect()

	lock1 := New(first, "/locks/manager")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, lock1.Lock(ctx, []byte("mgr1")))
	require.True(t, lock1.Held())
	require.True(t, lock1.VerifyLockAtSource())

	lid, err := lock1.LockID()
	require.NoError(t, err)
	held, err := IsLockHeld(second, lid)
	require.NoError(t, err)
	assert.True(t, held)

	// Second contender queues behind the first.
	lock2 := New(second, "/locks/manager")
	acquired := make(chan error, 1)
	go func() { acquired <- lock2.Lock(context.Background(), []byte("mgr2")) }()

	select {
	case err := <-acquired:
		t.Fatalf("second contender acquired while first held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Killing the first session hands the lock to the second.
	first.ExpireSession()
	require.NoError(t, <-acquired)
	assert.True(t, lock2.Held())

	select {
	case <-lock1.LostChan():
	case <-time.After(time.Second):
		t.Fatal("first lock did not observe loss")
	}
	assert.False(t, lock1.VerifyLockAtSource())

	held, err = IsLockHeld(second, lid)
	require.NoError(t, err)
	assert.False(t, held, "dead acquisition must not verify as held")
}
