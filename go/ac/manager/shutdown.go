// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manager

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/fate"
	"github.com/cfkoehler/accumulo/go/ac/naming"
	"github.com/cfkoehler/accumulo/go/ac/wal"
	"github.com/cfkoehler/accumulo/go/zk"
)

// FateContext is the manager-side environment handed to fate steps
// through Environment.App.
type FateContext struct {
	Store  ample.Ample
	Client TServerClient
	Live   LiveTServers
	Conn   zk.Conn
	Root   string
	// LockPathOf maps a server to its service lock path for release.
	LockPathOf func(server naming.TServerInstance) string
}

// FateContextProvider lets a composite fate environment serve these
// steps alongside other packages' steps.
type FateContextProvider interface {
	FateContext() *FateContext
}

func fctx(env *fate.Environment) *FateContext {
	if c, ok := env.App.(*FateContext); ok {
		return c
	}
	return env.App.(FateContextProvider).FateContext()
}

const (
	stepShutdownUnload = "manager.shutdown.unload"
	stepShutdownWait   = "manager.shutdown.wait"
	stepShutdownLock   = "manager.shutdown.releaseLock"
)

func init() {
	fate.RegisterStep(stepShutdownUnload, func() fate.Repo { return &shutdownUnloadStep{} })
	fate.RegisterStep(stepShutdownWait, func() fate.Repo { return &shutdownWaitStep{} })
	fate.RegisterStep(stepShutdownLock, func() fate.Repo { return &shutdownReleaseLockStep{} })
}

// ServerShutdown seeds the fate transaction that drains a server,
// unloads its tablets and releases its lock. Without force, an
// unreachable server refuses the shutdown.
func ServerShutdown(f *fate.Fate, ping func(naming.TServerInstance) error,
	server naming.TServerInstance, force bool) (naming.FateID, error) {
	if !force {
		if err := ping(server); err != nil {
			return naming.FateID{}, errors.Wrapf(err, "manager: %v unreachable, use force to shut down anyway", server)
		}
	}
	id, err := f.Create()
	if err != nil {
		return naming.FateID{}, err
	}
	first := &shutdownUnloadStep{Server: server.HostPort, Session: server.Session, Force: force}
	if err := f.Seed(id, "ShutdownTServer", first, true, "shutdown "+server.String()); err != nil {
		return naming.FateID{}, err
	}
	return id, nil
}

type shutdownUnloadStep struct {
	Server  string `json:"server"`
	Session string `json:"session"`
	Force   bool   `json:"force"`
}

func (s *shutdownUnloadStep) Name() string { return stepShutdownUnload }

func (s *shutdownUnloadStep) server() naming.TServerInstance {
	return naming.TServerInstance{HostPort: s.Server, Session: s.Session}
}

func (s *shutdownUnloadStep) IsReady(ctx context.Context, id naming.FateID, env *fate.Environment) (time.Duration, error) {
	return 0, nil
}

// Call requests unload of every tablet the server hosts. Idempotent:
// re-requesting an unload of an already-unloaded tablet is a no-op on
// the server.
func (s *shutdownUnloadStep) Call(ctx context.Context, id naming.FateID, env *fate.Environment) (fate.Repo, error) {
	c := fctx(env)
	server := s.server()
	iter := c.Store.ReadTablets().Fetch(ample.ColLocation).Build()
	for tm := iter.Next(); tm != nil; tm = iter.Next() {
		if tm.Location == nil || tm.Location.Server != server {
			continue
		}
		if err := c.Client.UnloadTablet(server, tm.Extent, "unload"); err != nil {
			if s.Force {
				log.WithError(err).Warnf("manager: forced shutdown ignoring unload error for %v", tm.Extent)
				continue
			}
			return nil, err
		}
	}
	return &shutdownWaitStep{Server: s.Server, Session: s.Session, Force: s.Force}, nil
}

func (s *shutdownUnloadStep) Undo(ctx context.Context, id naming.FateID, env *fate.Environment) error {
	return nil // unload requests are harmless to leave behind
}

type shutdownWaitStep struct {
	Server  string `json:"server"`
	Session string `json:"session"`
	Force   bool   `json:"force"`
}

func (s *shutdownWaitStep) Name() string { return stepShutdownWait }

// IsReady defers until the server hosts nothing.
func (s *shutdownWaitStep) IsReady(ctx context.Context, id naming.FateID, env *fate.Environment) (time.Duration, error) {
	c := fctx(env)
	server := naming.TServerInstance{HostPort: s.Server, Session: s.Session}
	iter := c.Store.ReadTablets().Fetch(ample.ColLocation).Build()
	for tm := iter.Next(); tm != nil; tm = iter.Next() {
		if tm.Location != nil && tm.Location.Server == server {
			if s.Force {
				return 0, nil // forced shutdown proceeds regardless
			}
			return time.Second, nil
		}
	}
	return 0, nil
}

func (s *shutdownWaitStep) Call(ctx context.Context, id naming.FateID, env *fate.Environment) (fate.Repo, error) {
	return &shutdownReleaseLockStep{Server: s.Server, Session: s.Session}, nil
}

func (s *shutdownWaitStep) Undo(ctx context.Context, id naming.FateID, env *fate.Environment) error {
	return nil
}

type shutdownReleaseLockStep struct {
	Server  string `json:"server"`
	Session string `json:"session"`
}

func (s *shutdownReleaseLockStep) Name() string { return stepShutdownLock }

func (s *shutdownReleaseLockStep) IsReady(ctx context.Context, id naming.FateID, env *fate.Environment) (time.Duration, error) {
	return 0, nil
}

// Call releases the server's lock and closes its logs. Idempotent:
// deleting an absent lock node and closing closed markers are no-ops.
func (s *shutdownReleaseLockStep) Call(ctx context.Context, id naming.FateID, env *fate.Environment) (fate.Repo, error) {
	c := fctx(env)
	server := naming.TServerInstance{HostPort: s.Server, Session: s.Session}
	if c.LockPathOf != nil && c.Conn != nil {
		if err := zk.DeleteRecursive(c.Conn, c.LockPathOf(server)); err != nil {
			return nil, errors.Wrapf(err, "manager: releasing lock of %v", server)
		}
	}
	if c.Conn != nil {
		if err := wal.CloseMarkersForServer(c.Conn, c.Root, s.Server); err != nil {
			return nil, err
		}
	}
	log.Infof("manager: shutdown of %v complete", server)
	return nil, nil
}

func (s *shutdownReleaseLockStep) Undo(ctx context.Context, id naming.FateID, env *fate.Environment) error {
	return nil
}
