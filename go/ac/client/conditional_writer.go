// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package client holds the client side of the conditional write
// pipeline: per-server session management, batching by tablet
// location, and the unknown-status fencing protocol.
package client

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/data"
	"github.com/cfkoehler/accumulo/go/ac/key"
)

// ErrTimedOut is reported per mutation when the aggregate elapsed
// time exceeds the configured timeout.
var ErrTimedOut = errors.New("client: conditional write timed out")

// ErrNoSuchSession mirrors the server's session-expired error across
// the RPC boundary.
var ErrNoSuchSession = errors.New("client: no such session")

// TabletLocation is where a row's tablet is currently hosted.
type TabletLocation struct {
	Extent key.KeyExtent
	Server string
	LockID string // serialized service lock of the server
}

// TabletLocator resolves rows to tablet locations, with a cache the
// client invalidates on IGNORED results.
type TabletLocator interface {
	Locate(table key.TableID, row []byte) (*TabletLocation, error)
	Invalidate(table key.TableID)
}

// ServerClient is the narrow RPC surface to one tablet server. The
// wire IDL is out of scope; in-process deployments wire the tablet
// server directly.
type ServerClient interface {
	OpenConditionalSession(ctx context.Context, table key.TableID, auths map[string]bool) (int64, error)
	ConditionalUpdate(ctx context.Context, session int64,
		updates map[string][]data.ConditionalMutation) (results []data.ConditionalResult,
		deferred map[string][]data.ConditionalMutation, err error)
	// InvalidateConditionalUpdate is the correctness hinge: once it
	// returns, the server will not apply any further mutation from
	// the session.
	InvalidateConditionalUpdate(ctx context.Context, session int64) error
	// IsLockHeld checks the server's service lock at the source.
	IsLockHeld(lockID string) (bool, error)
}

// Dialer opens a ServerClient for an address.
type Dialer func(server string) (ServerClient, error)

// Result is the final outcome of one conditional mutation.
type Result struct {
	ID     int64
	Status data.ConditionalStatus
	Err    error
}

type session struct {
	id      int64
	lastUse time.Time
}

// Config tunes the writer.
type Config struct {
	Timeout    time.Duration
	SessionTTL time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Timeout <= 0 {
		out.Timeout = 2 * time.Minute
	}
	if out.SessionTTL <= 0 {
		out.SessionTTL = time.Minute
	}
	return out
}

// ConditionalWriter submits conditional mutations for one table.
// It is not safe for concurrent use; sessions are strictly
// single-threaded on both sides.
type ConditionalWriter struct {
	table   key.TableID
	auths   map[string]bool
	locator TabletLocator
	dial    Dialer
	cfg     Config

	clients  map[string]ServerClient
	sessions map[string]*session
}

func NewConditionalWriter(table key.TableID, auths map[string]bool, locator TabletLocator, dial Dialer, cfg Config) *ConditionalWriter {
	return &ConditionalWriter{
		table:    table,
		auths:    auths,
		locator:  locator,
		dial:     dial,
		cfg:      cfg.withDefaults(),
		clients:  make(map[string]ServerClient),
		sessions: make(map[string]*session),
	}
}

func (cw *ConditionalWriter) client(server string) (ServerClient, error) {
	if c, ok := cw.clients[server]; ok {
		return c, nil
	}
	c, err := cw.dial(server)
	if err != nil {
		return nil, err
	}
	cw.clients[server] = c
	return c, nil
}

// sessionFor lazily opens a session, reusing an existing one until
// 95% of the TTL has elapsed since last use.
func (cw *ConditionalWriter) sessionFor(ctx context.Context, server string) (int64, error) {
	if s, ok := cw.sessions[server]; ok {
		if time.Since(s.lastUse) < cw.cfg.SessionTTL*95/100 {
			s.lastUse = time.Now()
			return s.id, nil
		}
		delete(cw.sessions, server)
	}
	c, err := cw.client(server)
	if err != nil {
		return 0, err
	}
	id, err := c.OpenConditionalSession(ctx, cw.table, cw.auths)
	if err != nil {
		return 0, err
	}
	cw.sessions[server] = &session{id: id, lastUse: time.Now()}
	return id, nil
}

type binnedBatch struct {
	server  string
	lockID  string
	updates map[string][]data.ConditionalMutation
}

// bin groups mutations by current tablet location.
func (cw *ConditionalWriter) bin(muts []data.ConditionalMutation) (map[string]*binnedBatch, []Result, error) {
	batches := make(map[string]*binnedBatch)
	var failed []Result
	for _, cm := range muts {
		// Conditions travel sorted for evaluation locality.
		data.SortConditions(cm.Conditions)
		loc, err := cw.locator.Locate(cw.table, cm.Row)
		if err != nil {
			failed = append(failed, Result{ID: cm.ID, Status: data.ConditionalIgnored, Err: err})
			continue
		}
		b := batches[loc.Server]
		if b == nil {
			b = &binnedBatch{server: loc.Server, lockID: loc.LockID,
				updates: make(map[string][]data.ConditionalMutation)}
			batches[loc.Server] = b
		}
		row := loc.Extent.MetaRow()
		b.updates[row] = append(b.updates[row], cm)
	}
	return batches, failed, nil
}

// Write submits the batch and blocks until every mutation has a final
// status. IGNORED results are retried after locator invalidation;
// UNKNOWN is final only after the session-invalidate fence.
func (cw *ConditionalWriter) Write(ctx context.Context, muts []data.ConditionalMutation) []Result {
	deadline := time.Now().Add(cw.cfg.Timeout)
	final := make(map[int64]Result, len(muts))
	pending := muts

	for len(pending) > 0 {
		if time.Now().After(deadline) {
			for _, cm := range pending {
				final[cm.ID] = Result{ID: cm.ID, Status: data.ConditionalIgnored, Err: ErrTimedOut}
			}
			break
		}
		batches, failedBin, err := cw.bin(pending)
		if err != nil {
			break
		}
		pending = pending[:0]
		for _, r := range failedBin {
			// Location failures retry like IGNORED until deadline.
			pending = append(pending, findMutation(muts, r.ID))
		}
		for _, b := range batches {
			results, retry := cw.writeBatch(ctx, b)
			for _, r := range results {
				if r.Status == data.ConditionalIgnored && r.Err == nil {
					retry = append(retry, findMutation(muts, r.ID))
					continue
				}
				final[r.ID] = r
			}
			if len(retry) > 0 {
				// Locations may be stale; refresh before rebinning.
				cw.locator.Invalidate(cw.table)
				pending = append(pending, retry...)
			}
		}
	}

	out := make([]Result, 0, len(muts))
	for _, cm := range muts {
		if r, ok := final[cm.ID]; ok {
			out = append(out, r)
		} else {
			out = append(out, Result{ID: cm.ID, Status: data.ConditionalIgnored, Err: ErrTimedOut})
		}
	}
	return out
}

// writeBatch runs the rounds against one server. It returns final
// results plus mutations to retry on fresh locations.
func (cw *ConditionalWriter) writeBatch(ctx context.Context, b *binnedBatch) ([]Result, []data.ConditionalMutation) {
	c, err := cw.client(b.server)
	if err != nil {
		return nil, cw.allOf(b) // retry elsewhere
	}
	sid, err := cw.sessionFor(ctx, b.server)
	if err != nil {
		return nil, cw.allOf(b)
	}

	var out []Result
	updates := b.updates
	for len(updates) > 0 {
		results, deferred, err := c.ConditionalUpdate(ctx, sid, updates)
		if errors.Is(err, ErrNoSuchSession) {
			// The server dropped the session; nothing from it was
			// applied. Reopen and resubmit.
			delete(cw.sessions, b.server)
			return out, flatten(updates)
		}
		if err != nil {
			return append(out, cw.handleUnknown(ctx, b, sid, updates)...), nil
		}
		for _, r := range results {
			out = append(out, Result{ID: r.ID, Status: r.Status})
		}
		updates = deferred
	}
	return out, nil
}

// handleUnknown converts an indeterminate RPC outcome into a definite
// UNKNOWN, but only after fencing: either the server is dead (its
// lock is gone), or the session is invalidated so the server will
// never apply the mutations later.
func (cw *ConditionalWriter) handleUnknown(ctx context.Context, b *binnedBatch, sid int64,
	updates map[string][]data.ConditionalMutation) []Result {
	delete(cw.sessions, b.server)
	held, err := cw.clientIsLockHeld(b)
	if err == nil && !held {
		// Server is dead; it can never apply the session's mutations.
		return unknownAll(updates)
	}
	c, cerr := cw.client(b.server)
	if cerr == nil {
		if ierr := c.InvalidateConditionalUpdate(ctx, sid); ierr == nil {
			return unknownAll(updates)
		}
	}
	// Could not fence; keep polling the lock until the server dies or
	// the invalidate goes through.
	for {
		select {
		case <-ctx.Done():
			return unknownAll(updates)
		case <-time.After(time.Second):
		}
		held, err = cw.clientIsLockHeld(b)
		if err == nil && !held {
			return unknownAll(updates)
		}
		if c, cerr := cw.client(b.server); cerr == nil {
			if ierr := c.InvalidateConditionalUpdate(ctx, sid); ierr == nil {
				return unknownAll(updates)
			}
		}
	}
}

func (cw *ConditionalWriter) clientIsLockHeld(b *binnedBatch) (bool, error) {
	c, err := cw.client(b.server)
	if err != nil {
		return false, err
	}
	return c.IsLockHeld(b.lockID)
}

// Close invalidates open sessions best-effort.
func (cw *ConditionalWriter) Close(ctx context.Context) {
	for server, s := range cw.sessions {
		if c, err := cw.client(server); err == nil {
			if err := c.InvalidateConditionalUpdate(ctx, s.id); err != nil {
				log.WithError(err).Debugf("client: closing session on %v", server)
			}
		}
		delete(cw.sessions, server)
	}
}

func (cw *ConditionalWriter) allOf(b *binnedBatch) []data.ConditionalMutation {
	return flatten(b.updates)
}

func flatten(updates map[string][]data.ConditionalMutation) []data.ConditionalMutation {
	var out []data.ConditionalMutation
	for _, muts := range updates {
		out = append(out, muts...)
	}
	return out
}

func unknownAll(updates map[string][]data.ConditionalMutation) []Result {
	var out []Result
	for _, muts := range updates {
		for _, cm := range muts {
			out = append(out, Result{ID: cm.ID, Status: data.ConditionalUnknown})
		}
	}
	return out
}

func findMutation(muts []data.ConditionalMutation, id int64) data.ConditionalMutation {
	for _, cm := range muts {
		if cm.ID == id {
			return cm
		}
	}
	return data.ConditionalMutation{ID: id}
}
