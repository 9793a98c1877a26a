// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tabletserver

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cfkoehler/accumulo/go/ac/key"
)

// SessionID names one conditional-update session.
type SessionID int64

var (
	// ErrNoSuchSession means the id is unknown or expired; clients
	// reopen and resubmit.
	ErrNoSuchSession = errors.New("tabletserver: no such session")
	// ErrSessionBusy enforces strictly single-threaded sessions: a
	// second concurrent update on one session is refused.
	ErrSessionBusy = errors.New("tabletserver: session busy")
)

type conditionalSession struct {
	id      SessionID
	tableID key.TableID
	auths   map[string]bool

	lastUse     time.Time
	inFlight    bool
	invalidated bool
	idle        *sync.Cond
}

// SessionManager tracks conditional sessions and their TTL.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[SessionID]*conditionalSession
	nextID   SessionID
	ttl      time.Duration
}

func NewSessionManager(ttl time.Duration) *SessionManager {
	return &SessionManager{sessions: make(map[SessionID]*conditionalSession), ttl: ttl}
}

// Create opens a session for one table with the submitter's
// authorizations.
func (sm *SessionManager) Create(tableID key.TableID, auths map[string]bool) SessionID {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.nextID++
	s := &conditionalSession{
		id:      sm.nextID,
		tableID: tableID,
		auths:   auths,
		lastUse: time.Now(),
	}
	s.idle = sync.NewCond(&sm.mu)
	sm.sessions[s.id] = s
	return s.id
}

// reserve claims the session for one update. Sessions are strictly
// single-threaded on the server.
func (sm *SessionManager) reserve(id SessionID) (*conditionalSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	if !ok || s.invalidated {
		return nil, ErrNoSuchSession
	}
	if s.inFlight {
		return nil, ErrSessionBusy
	}
	s.inFlight = true
	s.lastUse = time.Now()
	return s, nil
}

func (sm *SessionManager) release(id SessionID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[id]; ok {
		s.inFlight = false
		s.lastUse = time.Now()
		s.idle.Broadcast()
	}
}

// isValid is checked immediately before commit, under row locks.
func (sm *SessionManager) isValid(id SessionID) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	return ok && !s.invalidated
}

// Invalidate fences a session. After it returns, the server
// guarantees no further mutation from the session will be applied:
// the invalidated flag stops new work and the wait drains an update
// already in flight.
func (sm *SessionManager) Invalidate(id SessionID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	if !ok {
		return
	}
	s.invalidated = true
	for s.inFlight {
		s.idle.Wait()
	}
	delete(sm.sessions, id)
}

// ExpireIdle removes sessions idle past the TTL.
func (sm *SessionManager) ExpireIdle() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	cutoff := time.Now().Add(-sm.ttl)
	for id, s := range sm.sessions {
		if !s.inFlight && s.lastUse.Before(cutoff) {
			delete(sm.sessions, id)
		}
	}
}
