// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zk_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfkoehler/accumulo/go/zk"
	"github.com/cfkoehler/accumulo/go/zk/fakezk"
)

func TestCreatePolicies(t *testing.T) {
	conn := fakezk.New().Connect()

	_, err := conn.Create("/a", []byte("one"), zk.ModePersistent, zk.PolicyFailIfExists)
	require.NoError(t, err)

	_, err = conn.Create("/a", []byte("two"), zk.ModePersistent, zk.PolicyFailIfExists)
	assert.Equal(t, zk.ErrNodeExists, err)

	_, err = conn.Create("/a", []byte("two"), zk.ModePersistent, zk.PolicySkipIfExists)
	require.NoError(t, err)
	data, _, err := conn.Get("/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data, "skip-if-exists leaves the value alone")

	_, err = conn.Create("/a", []byte("three"), zk.ModePersistent, zk.PolicyOverwrite)
	require.NoError(t, err)
	data, _, _ = conn.Get("/a")
	assert.Equal(t, []byte("three"), data)
}

func TestMutateExistingVersionConflict(t *testing.T) {
	conn := fakezk.New().Connect()
	_, err := conn.Create("/a", []byte("1"), zk.ModePersistent, zk.PolicyFailIfExists)
	require.NoError(t, err)

	// A write sneaking in between read and conditional write makes
	// MutateExisting surface ErrBadVersion; retry is the caller's
	// choice.
	err = conn.MutateExisting("/a", func(data []byte) ([]byte, error) {
		require.NoError(t, conn.Set("/a", []byte("sneak"), -1))
		return []byte("mine"), nil
	})
	assert.Equal(t, zk.ErrBadVersion, err)
	data, _, _ := conn.Get("/a")
	assert.Equal(t, []byte("sneak"), data)
}

func TestRecursiveHelpers(t *testing.T) {
	conn := fakezk.New().Connect()
	_, err := zk.CreateRecursive(conn, "/deep/nested/node", []byte("v"), zk.ModePersistent, zk.PolicyFailIfExists)
	require.NoError(t, err)
	ok, err := conn.Exists("/deep/nested")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, zk.DeleteRecursive(conn, "/deep"))
	ok, _ = conn.Exists("/deep")
	assert.False(t, ok)
	// Deleting an absent tree is a no-op.
	require.NoError(t, zk.DeleteRecursive(conn, "/deep"))
}

func TestCachedConnInvalidation(t *testing.T) {
	conn := fakezk.New().Connect()
	_, err := conn.Create("/tables", nil, zk.ModePersistent, zk.PolicyFailIfExists)
	require.NoError(t, err)
	_, err = conn.Create("/tables/t1", []byte("conf1"), zk.ModePersistent, zk.PolicyFailIfExists)
	require.NoError(t, err)

	cached := zk.NewCachedConn(conn)
	data, _, err := cached.Get("/tables/t1")
	require.NoError(t, err)
	assert.Equal(t, []byte("conf1"), data)

	// An out-of-band write is hidden until invalidation.
	require.NoError(t, conn.Set("/tables/t1", []byte("conf2"), -1))
	data, _, _ = cached.Get("/tables/t1")
	assert.Equal(t, []byte("conf1"), data, "cache is authoritative until invalidated")

	cached.Invalidate(func(p string) bool { return strings.HasPrefix(p, "/tables/") })
	data, _, _ = cached.Get("/tables/t1")
	assert.Equal(t, []byte("conf2"), data)

	// Writes through the cache invalidate their own path.
	require.NoError(t, cached.Set("/tables/t1", []byte("conf3"), -1))
	data, _, _ = cached.Get("/tables/t1")
	assert.Equal(t, []byte("conf3"), data)

	// Negative entries invalidate too.
	_, _, err = cached.Get("/tables/t2")
	assert.Equal(t, zk.ErrNoNode, err)
	_, err = cached.Create("/tables/t2", []byte("x"), zk.ModePersistent, zk.PolicyFailIfExists)
	require.NoError(t, err)
	data, _, err = cached.Get("/tables/t2")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestWatchFiresOnChangeAndDelete(t *testing.T) {
	conn := fakezk.New().Connect()
	_, err := conn.Create("/w", []byte("1"), zk.ModePersistent, zk.PolicyFailIfExists)
	require.NoError(t, err)

	events := make(chan zk.Event, 4)
	require.NoError(t, conn.Watch("/w", func(ev zk.Event) { events <- ev }))

	require.NoError(t, conn.Set("/w", []byte("2"), -1))
	ev := <-events
	assert.Equal(t, zk.EventDataChanged, ev.Type)

	require.NoError(t, conn.Delete("/w", -1))
	ev = <-events
	assert.Equal(t, zk.EventDeleted, ev.Type)
}
