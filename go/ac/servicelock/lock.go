// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package servicelock is the mutually exclusive, fair,
// failure-detecting lock every long-lived server process holds while
// it is allowed to act. It is built on sequential-ephemeral children
// of a lock path; the holder is the child with the lowest sequence.
package servicelock

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/zk"
)

const lockPrefix = "zlock#"

var (
	ErrNoPredecessor = errors.New("servicelock: no predecessor entry")
	ErrLockLost      = errors.New("servicelock: lock lost")
	ErrNotHeld       = errors.New("servicelock: lock not held")
)

// ServiceLock is one contender for a lock path. A process creates one
// per service it runs and calls Lock; work guarded by the lock must
// re-verify with VerifyLockAtSource before anything irreversible.
type ServiceLock struct {
	conn zk.Conn
	path string
	uuid uuid.UUID

	mu       sync.Mutex
	node     string // full path of our child, "" if none
	held     bool
	lost     chan struct{}
	lostOnce sync.Once
}

func New(conn zk.Conn, lockPath string) *ServiceLock {
	return &ServiceLock{
		conn: conn,
		path: lockPath,
		uuid: uuid.New(),
		lost: make(chan struct{}),
	}
}

// prefix is the uuid portion of our child name, used for grouping.
func (sl *ServiceLock) prefix() string {
	return lockPrefix + sl.uuid.String() + "#"
}

// parseSeq extracts the trailing sequence number of a conformant
// child name, rejecting anything whose uuid does not round-trip.
func parseSeq(child string) (int, bool) {
	if !strings.HasPrefix(child, lockPrefix) {
		return 0, false
	}
	rest := child[len(lockPrefix):]
	i := strings.IndexByte(rest, '#')
	if i < 0 {
		return 0, false
	}
	u, seqStr := rest[:i], rest[i+1:]
	parsed, err := uuid.Parse(u)
	if err != nil || parsed.String() != u {
		return 0, false
	}
	if len(seqStr) != 10 {
		return 0, false
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// sortChildrenByLockPrefix filters to conformant entries and sorts by
// trailing sequence number ascending.
func sortChildrenByLockPrefix(children []string) []string {
	var valid []string
	for _, c := range children {
		if _, ok := parseSeq(c); ok {
			valid = append(valid, c)
		} else {
			log.Warnf("servicelock: ignoring non-conformant lock entry %q", c)
		}
	}
	sort.Slice(valid, func(i, j int) bool {
		si, _ := parseSeq(valid[i])
		sj, _ := parseSeq(valid[j])
		return si < sj
	})
	return valid
}

// findLowestPrevPrefix locates the entry to watch: the lowest-sequence
// entry of whatever prefix immediately precedes ours. children must be
// sorted. Returns ErrNoPredecessor if ours is the first prefix.
func findLowestPrevPrefix(children []string, ourPrefix string) (string, error) {
	i := -1
	for idx, c := range children {
		if strings.HasPrefix(c, ourPrefix) {
			i = idx
			break
		}
	}
	if i < 0 {
		return "", errors.Errorf("servicelock: no entry with prefix %q", ourPrefix)
	}
	if i == 0 {
		return "", ErrNoPredecessor
	}
	prev := children[i-1]
	prevPrefix := prev[:strings.LastIndexByte(prev, '#')+1]
	for _, c := range children {
		if strings.HasPrefix(c, prevPrefix) {
			return c, nil
		}
	}
	return prev, nil
}

// Lock contends for the lock and blocks until it is held or ctx ends.
func (sl *ServiceLock) Lock(ctx context.Context, data []byte) error {
	sl.mu.Lock()
	if sl.node == "" {
		created, err := zk.CreateRecursive(sl.conn, sl.path+"/"+sl.prefix(), data,
			zk.ModeEphemeralSequential, zk.PolicyFailIfExists)
		if err != nil {
			sl.mu.Unlock()
			return errors.Wrap(err, "servicelock: create entry")
		}
		sl.node = created
	}
	sl.mu.Unlock()

	for {
		children, err := sl.conn.Children(sl.path)
		if err != nil {
			return errors.Wrap(err, "servicelock: list entries")
		}
		sorted := sortChildrenByLockPrefix(children)
		if len(sorted) == 0 {
			return errors.New("servicelock: own entry disappeared")
		}
		if sl.path+"/"+sorted[0] == sl.ownNode() {
			return sl.acquired()
		}
		watchTarget, err := findLowestPrevPrefix(sorted, sl.prefix())
		if err == ErrNoPredecessor {
			// Our prefix is first but our exact node was not index
			// zero: a stale sibling of our own uuid. Re-check.
			continue
		}
		if err != nil {
			return err
		}
		deleted := make(chan struct{}, 1)
		err = sl.conn.Watch(sl.path+"/"+watchTarget, func(ev zk.Event) {
			if ev.Type == zk.EventDeleted || ev.Type == zk.EventSession {
				select {
				case deleted <- struct{}{}:
				default:
				}
			}
		})
		if errors.Is(err, zk.ErrNoNode) {
			continue // predecessor gone between list and watch
		}
		if err != nil {
			return errors.Wrap(err, "servicelock: watch predecessor")
		}
		select {
		case <-deleted:
		case <-ctx.Done():
			sl.abandon()
			return ctx.Err()
		}
	}
}

func (sl *ServiceLock) acquired() error {
	sl.mu.Lock()
	sl.held = true
	node := sl.node
	sl.mu.Unlock()
	// Watch our own node; if it disappears the lock is lost and the
	// holder must stop lock-guarded work.
	err := sl.conn.Watch(node, func(ev zk.Event) {
		if ev.Type == zk.EventDeleted || ev.Type == zk.EventSession {
			sl.markLost()
		}
	})
	if errors.Is(err, zk.ErrNoNode) {
		sl.markLost()
		return ErrLockLost
	}
	return err
}

func (sl *ServiceLock) markLost() {
	sl.mu.Lock()
	sl.held = false
	sl.mu.Unlock()
	sl.lostOnce.Do(func() { close(sl.lost) })
}

func (sl *ServiceLock) abandon() {
	sl.mu.Lock()
	node := sl.node
	sl.node = ""
	sl.held = false
	sl.mu.Unlock()
	if node != "" {
		if err := sl.conn.Delete(node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
			log.WithError(err).Warnf("servicelock: delete abandoned entry %v", node)
		}
	}
}

func (sl *ServiceLock) ownNode() string {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.node
}

// Held reports the last known state; it does not go to the source.
func (sl *ServiceLock) Held() bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.held
}

// LostChan is closed when the lock is lost.
func (sl *ServiceLock) LostChan() <-chan struct{} {
	return sl.lost
}

// VerifyLockAtSource confirms against the coordination service that
// our entry still exists. Anything irreversible done under the lock
// checks this first.
func (sl *ServiceLock) VerifyLockAtSource() bool {
	node := sl.ownNode()
	if node == "" || !sl.Held() {
		return false
	}
	ok, err := sl.conn.Exists(node)
	if err != nil {
		log.WithError(err).Warn("servicelock: verify at source failed")
		return false
	}
	if !ok {
		sl.markLost()
	}
	return ok
}

// Unlock releases the lock, session-bound: only deletes our own node.
func (sl *ServiceLock) Unlock() error {
	sl.mu.Lock()
	if !sl.held {
		sl.mu.Unlock()
		return ErrNotHeld
	}
	node := sl.node
	sl.held = false
	sl.node = ""
	sl.mu.Unlock()
	return sl.conn.Delete(node, -1)
}

// LockID returns the serializable identity of the held lock.
func (sl *ServiceLock) LockID() (LockID, error) {
	node := sl.ownNode()
	if node == "" || !sl.Held() {
		return LockID{}, ErrNotHeld
	}
	child := node[strings.LastIndexByte(node, '/')+1:]
	seq, ok := parseSeq(child)
	if !ok {
		return LockID{}, fmt.Errorf("servicelock: own node %q not conformant", node)
	}
	return LockID{Path: sl.path, UUID: sl.uuid.String(), Seq: seq}, nil
}
