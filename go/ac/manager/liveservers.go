// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manager

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/naming"
	"github.com/cfkoehler/accumulo/go/zk"
)

// ZooLiveTServers derives the live server set from the tablet server
// lock path: a server is alive while it holds its lock.
type ZooLiveTServers struct {
	conn zk.Conn
	root string
}

func NewZooLiveTServers(conn zk.Conn, root string) *ZooLiveTServers {
	return &ZooLiveTServers{conn: conn, root: root}
}

func (z *ZooLiveTServers) Snapshot() map[naming.TServerInstance]bool {
	out := make(map[naming.TServerInstance]bool)
	base := zk.ServiceLockPath(z.root, zk.TabletServerLockService)
	servers, err := z.conn.Children(base)
	if errors.Is(err, zk.ErrNoNode) {
		return out
	}
	if err != nil {
		log.WithError(err).Warn("manager: listing tablet server locks")
		return out
	}
	for _, server := range servers {
		entries, err := z.conn.Children(base + "/" + server)
		if err != nil || len(entries) == 0 {
			continue
		}
		// The lock holder's entry carries the session identity.
		out[naming.TServerInstance{HostPort: server, Session: entries[0]}] = true
	}
	return out
}

// StaticLiveTServers is the settable variant used by tests and by
// single-process deployments.
type StaticLiveTServers struct {
	mu      sync.Mutex
	servers map[naming.TServerInstance]bool
}

func NewStaticLiveTServers(servers ...naming.TServerInstance) *StaticLiveTServers {
	s := &StaticLiveTServers{servers: make(map[naming.TServerInstance]bool)}
	for _, srv := range servers {
		s.servers[srv] = true
	}
	return s
}

func (s *StaticLiveTServers) Snapshot() map[naming.TServerInstance]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[naming.TServerInstance]bool, len(s.servers))
	for k, v := range s.servers {
		out[k] = v
	}
	return out
}

func (s *StaticLiveTServers) Add(server naming.TServerInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[server] = true
}

func (s *StaticLiveTServers) Remove(server naming.TServerInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.servers, server)
}
