// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContains(t *testing.T) {
	ke := NewKeyExtent("t1", []byte("m"), []byte("g"))
	assert.False(t, ke.Contains([]byte("g")), "prev end row is exclusive")
	assert.True(t, ke.Contains([]byte("h")))
	assert.True(t, ke.Contains([]byte("m")), "end row is inclusive")
	assert.False(t, ke.Contains([]byte("n")))

	whole := NewKeyExtent("t1", nil, nil)
	assert.True(t, whole.Contains([]byte("")))
	assert.True(t, whole.Contains([]byte("zzz")))
}

func TestOverlapsAndAdjacency(t *testing.T) {
	a := NewKeyExtent("t1", []byte("g"), nil)
	b := NewKeyExtent("t1", []byte("p"), []byte("g"))
	c := NewKeyExtent("t1", nil, []byte("p"))

	// A split's children partition the parent: disjoint, adjacent.
	assert.False(t, a.Overlaps(b))
	assert.False(t, b.Overlaps(c))
	assert.True(t, a.FollowedBy(b))
	assert.True(t, b.FollowedBy(c))

	overlapping := NewKeyExtent("t1", []byte("k"), []byte("d"))
	assert.True(t, a.Overlaps(overlapping))
	assert.True(t, b.Overlaps(overlapping))

	otherTable := NewKeyExtent("t2", []byte("k"), []byte("d"))
	assert.False(t, a.Overlaps(otherTable))
}

func TestMetaRowRoundTrip(t *testing.T) {
	for _, ke := range []KeyExtent{
		NewKeyExtent("t1", []byte("m"), []byte("g")),
		NewKeyExtent("t1", nil, []byte("g")),
		NewKeyExtent(MetadataTableID, []byte{0x00, 0xff}, nil),
	} {
		table, endRow, err := ParseMetaRow(ke.MetaRow())
		require.NoError(t, err)
		assert.Equal(t, ke.Table, table)
		assert.Equal(t, ke.EndRow, endRow)
	}

	_, _, err := ParseMetaRow("nonsense")
	assert.Error(t, err)
}

func TestCompareOrdersNilEndRowLast(t *testing.T) {
	first := NewKeyExtent("t1", []byte("g"), nil)
	last := NewKeyExtent("t1", nil, []byte("g"))
	assert.Negative(t, first.Compare(last))
	assert.Positive(t, last.Compare(first))
	assert.Zero(t, first.Compare(first))
}

func TestDataLevels(t *testing.T) {
	assert.Equal(t, LevelRoot, LevelOf(RootTableID))
	assert.Equal(t, LevelMetadata, LevelOf(MetadataTableID))
	assert.Equal(t, LevelUser, LevelOf("t1"))
	assert.Equal(t, LevelMetadata, LevelUser.MetadataLevel())
	assert.Equal(t, LevelRoot, LevelMetadata.MetadataLevel())
}
