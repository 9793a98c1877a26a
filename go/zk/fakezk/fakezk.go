// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakezk is an in-memory coordination service for tests. It
// implements zk.Conn with real version checks, sequential nodes and
// ephemeral ownership, so lock and fate code paths run unmodified.
package fakezk

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cfkoehler/accumulo/go/zk"
)

type fakeNode struct {
	data     []byte
	version  int32
	ephemera int64 // owning session, 0 if persistent
}

// Fake holds the shared tree. Create one per test and Connect as many
// sessions as the scenario needs.
type Fake struct {
	mu          sync.Mutex
	nodes       map[string]*fakeNode
	seqCounters map[string]int
	watchers    map[string][]func(zk.Event)
	nextSession int64
}

func New() *Fake {
	return &Fake{
		nodes:       map[string]*fakeNode{"/": {}},
		seqCounters: make(map[string]int),
		watchers:    make(map[string][]func(zk.Event)),
	}
}

// Connect opens a new session against the fake tree.
func (f *Fake) Connect() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSession++
	return &Conn{fake: f, session: f.nextSession}
}

// Conn is one session. Closing it (or ExpireSession) drops its
// ephemeral nodes and fires their watches, like a real session loss.
type Conn struct {
	fake    *Fake
	session int64
	closed  bool
}

var _ zk.Conn = (*Conn)(nil)

func parent(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func (c *Conn) Create(p string, data []byte, mode zk.CreateMode, policy zk.PutPolicy) (string, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.closed {
		return "", zk.ErrDisconnected
	}
	if _, ok := f.nodes[parent(p)]; !ok {
		return "", zk.ErrNoNode
	}
	if mode == zk.ModeEphemeralSequential {
		f.seqCounters[parent(p)]++
		p = fmt.Sprintf("%s%010d", p, f.seqCounters[parent(p)])
	}
	if existing, ok := f.nodes[p]; ok {
		switch policy {
		case zk.PolicySkipIfExists:
			return p, nil
		case zk.PolicyOverwrite:
			existing.data = append([]byte(nil), data...)
			existing.version++
			f.notifyLocked(p, zk.EventDataChanged)
			return p, nil
		}
		return "", zk.ErrNodeExists
	}
	node := &fakeNode{data: append([]byte(nil), data...)}
	if mode == zk.ModeEphemeral || mode == zk.ModeEphemeralSequential {
		node.ephemera = c.session
	}
	f.nodes[p] = node
	f.notifyLocked(parent(p), zk.EventChildrenChanged)
	return p, nil
}

func (c *Conn) Get(p string) ([]byte, int32, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[p]
	if !ok {
		return nil, 0, zk.ErrNoNode
	}
	return append([]byte(nil), node.data...), node.version, nil
}

func (c *Conn) Set(p string, data []byte, version int32) error {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[p]
	if !ok {
		return zk.ErrNoNode
	}
	if version != -1 && version != node.version {
		return zk.ErrBadVersion
	}
	node.data = append([]byte(nil), data...)
	node.version++
	f.notifyLocked(p, zk.EventDataChanged)
	return nil
}

func (c *Conn) MutateExisting(p string, mutate func([]byte) ([]byte, error)) error {
	data, version, err := c.Get(p)
	if err != nil {
		return err
	}
	newData, err := mutate(data)
	if err != nil {
		return err
	}
	return c.Set(p, newData, version)
}

func (c *Conn) Children(p string) ([]string, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; !ok {
		return nil, zk.ErrNoNode
	}
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}
	var children []string
	for candidate := range f.nodes {
		if strings.HasPrefix(candidate, prefix) && candidate != p {
			rest := candidate[len(prefix):]
			if !strings.Contains(rest, "/") {
				children = append(children, rest)
			}
		}
	}
	sort.Strings(children)
	return children, nil
}

func (c *Conn) Exists(p string) (bool, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[p]
	return ok, nil
}

func (c *Conn) Delete(p string, version int32) error {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[p]
	if !ok {
		return zk.ErrNoNode
	}
	if version != -1 && version != node.version {
		return zk.ErrBadVersion
	}
	delete(f.nodes, p)
	f.notifyLocked(p, zk.EventDeleted)
	f.notifyLocked(parent(p), zk.EventChildrenChanged)
	return nil
}

func (c *Conn) Watch(p string, listener func(zk.Event)) error {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; !ok {
		return zk.ErrNoNode
	}
	f.watchers[p] = append(f.watchers[p], listener)
	return nil
}

// Close expires the session: every ephemeral owned by it goes away.
func (c *Conn) Close() {
	c.ExpireSession()
}

// ExpireSession drops the session's ephemerals and marks the conn
// unusable, simulating a session timeout.
func (c *Conn) ExpireSession() {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for p, node := range f.nodes {
		if node.ephemera == c.session {
			delete(f.nodes, p)
			f.notifyLocked(p, zk.EventDeleted)
			f.notifyLocked(parent(p), zk.EventChildrenChanged)
		}
	}
}

// notifyLocked fires watch callbacks synchronously with the tree lock
// held; fake listeners must not call back into the fake.
func (f *Fake) notifyLocked(p string, t zk.EventType) {
	listeners := f.watchers[p]
	if t == zk.EventDeleted {
		delete(f.watchers, p)
	}
	for _, listener := range listeners {
		listener(zk.Event{Type: t, Path: p})
	}
}
