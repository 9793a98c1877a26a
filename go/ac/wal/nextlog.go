// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wal

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/zk"
)

// nextLogResult is what the maker offers through the rendezvous: a
// ready log or the error that prevented one.
type nextLogResult struct {
	log *DfsLog
	err error
}

// NextLogMaker continuously prepares the next WAL on a dedicated
// goroutine: create the file, publish the "log exists" marker, then
// offer it through a single-slot rendezvous. A rotation consumes one.
type NextLogMaker struct {
	conn   zk.Conn
	root   string
	server string
	dir    string

	ch   chan nextLogResult
	stop chan struct{}
	done chan struct{}
}

func NewNextLogMaker(conn zk.Conn, root, server, dir string) *NextLogMaker {
	return &NextLogMaker{
		conn:   conn,
		root:   root,
		server: server,
		dir:    dir,
		ch:     make(chan nextLogResult),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (m *NextLogMaker) Start() {
	go m.run()
}

func (m *NextLogMaker) Stop() {
	close(m.stop)
	<-m.done
	// Drain an already-offered log so its file does not leak.
	select {
	case res := <-m.ch:
		if res.log != nil {
			m.cleanup(res.log, true)
		}
	default:
	}
}

func (m *NextLogMaker) run() {
	defer close(m.done)
	for {
		res := m.makeOne()
		select {
		case m.ch <- res:
		case <-m.stop:
			if res.log != nil {
				m.cleanup(res.log, true)
			}
			return
		}
	}
}

func (m *NextLogMaker) makeOne() nextLogResult {
	id := uuid.New().String()
	newLog, err := CreateLog(m.dir, id)
	if err != nil {
		return nextLogResult{err: errors.Wrap(err, "wal: next log create")}
	}
	marker := Marker{Server: m.server, LogID: id, Path: newLog.Path, State: MarkerOpen}
	if err := PutMarker(m.conn, m.root, marker); err != nil {
		// The marker may or may not have been advertised; err on the
		// side of closing before removing.
		m.cleanup(newLog, true)
		return nextLogResult{err: errors.Wrap(err, "wal: next log marker")}
	}
	return nextLogResult{log: newLog}
}

func (m *NextLogMaker) cleanup(l *DfsLog, markerMayExist bool) {
	if err := l.Remove(); err != nil {
		log.WithError(err).Warnf("wal: removing unused log %v", l.ID)
	}
	if markerMayExist {
		if err := SetMarkerState(m.conn, m.root, m.server, l.ID, MarkerClosed); err != nil && !errors.Is(err, zk.ErrNoNode) {
			log.WithError(err).Warnf("wal: closing marker of unused log %v", l.ID)
		}
		if err := RemoveMarker(m.conn, m.root, m.server, l.ID); err != nil {
			log.WithError(err).Warnf("wal: removing marker of unused log %v", l.ID)
		}
	}
}

// Next blocks until the maker offers a log or an error, or timeout.
func (m *NextLogMaker) Next(timeout time.Duration) (*DfsLog, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-m.ch:
		return res.log, res.err
	case <-timer.C:
		return nil, errors.New("wal: timed out waiting for next log")
	}
}
