// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package servicelock

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cfkoehler/accumulo/go/zk"
)

// LockID names a specific lock acquisition so remote observers can
// verify the holder is still alive. Serialized as "path#uuid#seq".
type LockID struct {
	Path string
	UUID string
	Seq  int
}

func (lid LockID) String() string {
	return fmt.Sprintf("%s#%s#%010d", lid.Path, lid.UUID, lid.Seq)
}

// ParseLockID is the inverse of String. Non-conformant uuids are
// rejected by round-trip equality.
func ParseLockID(s string) (LockID, error) {
	last := strings.LastIndexByte(s, '#')
	if last < 0 {
		return LockID{}, errors.Errorf("bad lock id %q", s)
	}
	mid := strings.LastIndexByte(s[:last], '#')
	if mid < 0 {
		return LockID{}, errors.Errorf("bad lock id %q", s)
	}
	p, u, seqStr := s[:mid], s[mid+1:last], s[last+1:]
	if p == "" || !strings.HasPrefix(p, "/") {
		return LockID{}, errors.Errorf("bad lock id path %q", s)
	}
	parsed, err := uuid.Parse(u)
	if err != nil || parsed.String() != u {
		return LockID{}, errors.Errorf("bad lock id uuid %q", s)
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil || len(seqStr) != 10 {
		return LockID{}, errors.Errorf("bad lock id sequence %q", s)
	}
	return LockID{Path: p, UUID: u, Seq: seq}, nil
}

// node is the full path of the child this id names.
func (lid LockID) node() string {
	return fmt.Sprintf("%s/%s%s#%010d", lid.Path, lockPrefix, lid.UUID, lid.Seq)
}

// IsLockHeld checks at the source whether the identified acquisition
// still holds the lock: its node must exist and still be the lowest.
func IsLockHeld(conn zk.Conn, lid LockID) (bool, error) {
	children, err := conn.Children(lid.Path)
	if errors.Is(err, zk.ErrNoNode) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	sorted := sortChildrenByLockPrefix(children)
	if len(sorted) == 0 {
		return false, nil
	}
	return lid.Path+"/"+sorted[0] == lid.node(), nil
}
