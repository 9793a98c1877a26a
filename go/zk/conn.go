// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zk is the typed adapter over the coordination service.
//
// All cluster-shared state that is not in the metadata table lives
// here: service locks, WAL markers, property bundles and META fate
// transactions. Callers use the Conn interface so tests can swap in
// fakezk.
package zk

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/z-division/go-zookeeper/zk"
)

// CreateMode selects the node type for Create.
type CreateMode int

const (
	ModePersistent CreateMode = iota
	ModeEphemeral
	ModeEphemeralSequential
)

// PutPolicy selects what Create does when the node already exists.
type PutPolicy int

const (
	PolicyFailIfExists PutPolicy = iota
	PolicyOverwrite
	PolicySkipIfExists
)

// Adapter errors. Callers switch on these with errors.Is; the zk
// client errors never escape this package.
var (
	ErrNoNode       = errors.New("zk: node does not exist")
	ErrNodeExists   = errors.New("zk: node already exists")
	ErrBadVersion   = errors.New("zk: version mismatch")
	ErrDisconnected = errors.New("zk: disconnected")
)

// EventType describes what happened to a watched path.
type EventType int

const (
	EventDataChanged EventType = iota
	EventDeleted
	EventChildrenChanged
	EventSession
)

// Event is delivered to watch listeners. Listeners run on the
// adapter's event goroutine and must not block.
type Event struct {
	Type EventType
	Path string
}

// Conn is the coordination service surface the rest of the system
// uses. ZooConn does not retry: reads and mutations alike return
// ErrDisconnected when the client reports a closed connection or an
// expired session.
type Conn interface {
	Create(path string, data []byte, mode CreateMode, policy PutPolicy) (string, error)
	Get(path string) ([]byte, int32, error)
	Set(path string, data []byte, version int32) error
	// MutateExisting reads the node, applies f and writes back
	// conditional on the version read. A changed version returns
	// ErrBadVersion; retrying is the caller's choice.
	MutateExisting(path string, f func([]byte) ([]byte, error)) error
	Children(path string) ([]string, error)
	Exists(path string) (bool, error)
	Delete(path string, version int32) error
	Watch(path string, listener func(Event)) error
	Close()
}

// ZooConn is the production Conn on a live ZooKeeper ensemble.
type ZooConn struct {
	conn *zk.Conn
}

// Connect dials the ensemble and waits for the session.
func Connect(servers []string, sessionTimeout time.Duration) (*ZooConn, error) {
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, errors.Wrap(err, "zk connect")
	}
	for ev := range events {
		if ev.State == zk.StateHasSession {
			break
		}
		if ev.State == zk.StateDisconnected {
			conn.Close()
			return nil, ErrDisconnected
		}
	}
	return &ZooConn{conn: conn}, nil
}

func convertError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return ErrNoNode
	case errors.Is(err, zk.ErrNodeExists):
		return ErrNodeExists
	case errors.Is(err, zk.ErrBadVersion):
		return ErrBadVersion
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrSessionExpired):
		return ErrDisconnected
	}
	return err
}

func (zc *ZooConn) Create(p string, data []byte, mode CreateMode, policy PutPolicy) (string, error) {
	var flags int32
	switch mode {
	case ModeEphemeral:
		flags = zk.FlagEphemeral
	case ModeEphemeralSequential:
		flags = zk.FlagEphemeral | zk.FlagSequence
	}
	acl := zk.WorldACL(zk.PermAll)
	created, err := zc.conn.Create(p, data, flags, acl)
	err = convertError(err)
	if errors.Is(err, ErrNodeExists) {
		switch policy {
		case PolicySkipIfExists:
			return p, nil
		case PolicyOverwrite:
			if serr := convertError(zc.setAnyVersion(p, data)); serr != nil {
				return "", serr
			}
			return p, nil
		}
	}
	if err != nil {
		return "", err
	}
	return created, nil
}

func (zc *ZooConn) setAnyVersion(p string, data []byte) error {
	_, err := zc.conn.Set(p, data, -1)
	return err
}

func (zc *ZooConn) Get(p string) ([]byte, int32, error) {
	data, stat, err := zc.conn.Get(p)
	if err = convertError(err); err != nil {
		return nil, 0, err
	}
	return data, stat.Version, nil
}

func (zc *ZooConn) Set(p string, data []byte, version int32) error {
	_, err := zc.conn.Set(p, data, version)
	return convertError(err)
}

func (zc *ZooConn) MutateExisting(p string, f func([]byte) ([]byte, error)) error {
	data, version, err := zc.Get(p)
	if err != nil {
		return err
	}
	newData, err := f(data)
	if err != nil {
		return err
	}
	return zc.Set(p, newData, version)
}

func (zc *ZooConn) Children(p string) ([]string, error) {
	children, _, err := zc.conn.Children(p)
	if err = convertError(err); err != nil {
		return nil, err
	}
	return children, nil
}

func (zc *ZooConn) Exists(p string) (bool, error) {
	ok, _, err := zc.conn.Exists(p)
	if err = convertError(err); err != nil {
		return false, err
	}
	return ok, nil
}

func (zc *ZooConn) Delete(p string, version int32) error {
	return convertError(zc.conn.Delete(p, version))
}

// Watch registers a listener for one path. The watch is re-armed after
// every event until the node is deleted or the connection closes.
func (zc *ZooConn) Watch(p string, listener func(Event)) error {
	_, _, events, err := zc.conn.GetW(p)
	if err = convertError(err); err != nil {
		return err
	}
	go func() {
		for {
			ev, ok := <-events
			if !ok {
				return
			}
			switch ev.Type {
			case zk.EventNodeDataChanged:
				listener(Event{Type: EventDataChanged, Path: ev.Path})
			case zk.EventNodeDeleted:
				listener(Event{Type: EventDeleted, Path: ev.Path})
				return
			case zk.EventNodeChildrenChanged:
				listener(Event{Type: EventChildrenChanged, Path: ev.Path})
			default:
				if ev.State == zk.StateExpired || ev.State == zk.StateDisconnected {
					listener(Event{Type: EventSession, Path: p})
					return
				}
			}
			_, _, events, err = zc.conn.GetW(p)
			if err != nil {
				if convertError(err) != ErrNoNode {
					log.WithError(err).Warnf("zk: lost watch on %v", p)
				}
				listener(Event{Type: EventDeleted, Path: p})
				return
			}
		}
	}()
	return nil
}

func (zc *ZooConn) Close() {
	zc.conn.Close()
}

// CreateRecursive creates the node and any missing parents.
func CreateRecursive(conn Conn, p string, data []byte, mode CreateMode, policy PutPolicy) (string, error) {
	created, err := conn.Create(p, data, mode, policy)
	if errors.Is(err, ErrNoNode) {
		parent := p[:strings.LastIndexByte(p, '/')]
		if parent != "" {
			if _, perr := CreateRecursive(conn, parent, nil, ModePersistent, PolicySkipIfExists); perr != nil {
				return "", perr
			}
		}
		created, err = conn.Create(p, data, mode, policy)
	}
	return created, err
}

// DeleteRecursive deletes the node and everything under it.
func DeleteRecursive(conn Conn, p string) error {
	children, err := conn.Children(p)
	if errors.Is(err, ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := DeleteRecursive(conn, p+"/"+child); err != nil {
			return err
		}
	}
	err = conn.Delete(p, -1)
	if errors.Is(err, ErrNoNode) {
		return nil
	}
	return err
}
