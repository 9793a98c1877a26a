// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bulk

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/fate"
	"github.com/cfkoehler/accumulo/go/ac/key"
	"github.com/cfkoehler/accumulo/go/ac/naming"
)

// Context is what bulk fate steps need from their environment.
type Context struct {
	Store ample.Ample
	Cfg   Config
	// Refresh tells a hosted tablet to observe its new files; nil is
	// allowed when nothing is hosted (tests, offline tables).
	Refresh func(server naming.TServerInstance, extent key.KeyExtent) error
}

// ContextProvider lets a composite fate environment serve bulk steps.
type ContextProvider interface {
	BulkContext() *Context
}

func bctx(env *fate.Environment) *Context {
	if c, ok := env.App.(*Context); ok {
		return c
	}
	return env.App.(ContextProvider).BulkContext()
}

const (
	stepLoadFiles      = "bulk.loadFiles"
	stepRefreshTablets = "bulk.refreshTablets"
)

func init() {
	fate.RegisterStep(stepLoadFiles, func() fate.Repo { return &loadFilesStep{} })
	fate.RegisterStep(stepRefreshTablets, func() fate.Repo { return &refreshTabletsStep{} })
}

// SubmitImport validates, computes the mapping and seeds the fate
// transaction that performs the import.
func SubmitImport(f *fate.Fate, store ample.Ample, table key.TableID, dirFiles []string,
	plan *LoadPlan, cfg Config) (naming.FateID, error) {
	mapping, err := ComputeMapping(store, table, dirFiles, plan, cfg)
	if err != nil {
		return naming.FateID{}, err
	}
	id, err := f.Create()
	if err != nil {
		return naming.FateID{}, err
	}
	step := &loadFilesStep{Table: table, Mapping: mapping.Tablets}
	if err := f.Seed(id, "BulkImport", step, true, "bulk import into "+string(table)); err != nil {
		return naming.FateID{}, err
	}
	return id, nil
}

// loadFilesStep appends the files and loaded markers per tablet. Call
// is idempotent: a replay detects loaded[file]=fateID and no-ops.
type loadFilesStep struct {
	Table   key.TableID                   `json:"table"`
	Mapping map[string][]ample.StoredFile `json:"mapping"`
}

func (s *loadFilesStep) Name() string { return stepLoadFiles }

// IsReady defers while a target tablet is paused by an earlier bulk
// load that pushed it past the pause threshold. User writes are
// unaffected; only bulk work queues behind the pause.
func (s *loadFilesStep) IsReady(ctx context.Context, id naming.FateID, env *fate.Environment) (time.Duration, error) {
	c := bctx(env)
	if c.Cfg.FilePause <= 0 {
		return 0, nil
	}
	for row := range s.Mapping {
		table, endRow, err := key.ParseMetaRow(row)
		if err != nil {
			return 0, err
		}
		tm, err := readByRow(c.Store, table, endRow)
		if err != nil {
			return 0, err
		}
		if len(tm.Files) > c.Cfg.FilePause && !hasOwnMarker(tm, id) {
			log.Debugf("bulk: %v paused on tablet %v with %d files", id, tm.Extent, len(tm.Files))
			return 30 * time.Second, nil
		}
	}
	return 0, nil
}

func hasOwnMarker(tm *ample.TabletMetadata, id naming.FateID) bool {
	for _, fid := range tm.Loaded {
		if fid == id {
			return true
		}
	}
	return false
}

func readByRow(store ample.Ample, table key.TableID, endRow []byte) (*ample.TabletMetadata, error) {
	iter := store.ReadTablets().ForTable(table).Build()
	for tm := iter.Next(); tm != nil; tm = iter.Next() {
		if tm.Extent.MetaRow() == key.NewKeyExtent(table, endRow, nil).MetaRow() {
			return tm, nil
		}
	}
	return nil, ample.ErrTabletNotFound
}

func (s *loadFilesStep) Call(ctx context.Context, id naming.FateID, env *fate.Environment) (fate.Repo, error) {
	c := bctx(env)
	mutator := c.Store.ConditionallyMutateTablets()
	submitted := 0
	for row, files := range s.Mapping {
		table, endRow, err := key.ParseMetaRow(row)
		if err != nil {
			return nil, err
		}
		tm, err := readByRow(c.Store, table, endRow)
		if err != nil {
			return nil, errors.Wrapf(err, "bulk: tablet %v vanished mid-import", row)
		}
		m := mutator.MutateTablet(tm.Extent).RequireAbsentOperation()
		pending := 0
		for _, f := range files {
			if fid, ok := tm.Loaded[f.Path]; ok {
				if fid == id {
					continue // replay; already applied
				}
				return nil, errors.Errorf("bulk: file %v already loaded into %v by %v", f.Path, tm.Extent, fid)
			}
			m.PutFile(f)
			m.PutBulkFile(f.Path, id)
			pending++
		}
		if pending == 0 {
			m.Submit(nil, "bulk load (replay no-op)")
			continue
		}
		m.Submit(func(r *ample.TabletMetadata) bool { return hasOwnMarker(r, id) }, "bulk load files")
		submitted++
	}
	for row, res := range mutator.Process() {
		if res.Status == ample.StatusRejected {
			return nil, errors.Errorf("bulk: load of tablet %v rejected", row)
		}
	}
	log.Infof("bulk: %v loaded files into %d tablets", id, submitted)
	return &refreshTabletsStep{Table: s.Table, Rows: rowsOf(s.Mapping)}, nil
}

func rowsOf(mapping map[string][]ample.StoredFile) []string {
	out := make([]string, 0, len(mapping))
	for row := range mapping {
		out = append(out, row)
	}
	return out
}

// Undo removes the loaded markers and files this transaction placed.
func (s *loadFilesStep) Undo(ctx context.Context, id naming.FateID, env *fate.Environment) error {
	c := bctx(env)
	mutator := c.Store.ConditionallyMutateTablets()
	for row, files := range s.Mapping {
		table, endRow, err := key.ParseMetaRow(row)
		if err != nil {
			continue
		}
		tm, err := readByRow(c.Store, table, endRow)
		if err != nil {
			continue
		}
		m := mutator.MutateTablet(tm.Extent).RequireAbsentOperation()
		changed := false
		for _, f := range files {
			if fid, ok := tm.Loaded[f.Path]; ok && fid == id {
				m.DeleteFile(f.Path)
				m.DeleteBulkFile(f.Path)
				changed = true
			}
		}
		if changed {
			m.Submit(nil, "bulk load undo")
		} else {
			m.Submit(nil, "bulk load undo (no-op)")
		}
	}
	mutator.Process()
	return nil
}

// refreshTabletsStep makes hosted tablets observe their new files.
type refreshTabletsStep struct {
	Table key.TableID `json:"table"`
	Rows  []string    `json:"rows"`
}

func (s *refreshTabletsStep) Name() string { return stepRefreshTablets }

func (s *refreshTabletsStep) IsReady(ctx context.Context, id naming.FateID, env *fate.Environment) (time.Duration, error) {
	return 0, nil
}

func (s *refreshTabletsStep) Call(ctx context.Context, id naming.FateID, env *fate.Environment) (fate.Repo, error) {
	c := bctx(env)
	if c.Refresh == nil {
		return nil, nil
	}
	for _, row := range s.Rows {
		table, endRow, err := key.ParseMetaRow(row)
		if err != nil {
			continue
		}
		tm, err := readByRow(c.Store, table, endRow)
		if err != nil {
			continue
		}
		if tm.HasCurrent() {
			if err := c.Refresh(tm.Location.Server, tm.Extent); err != nil {
				return nil, errors.Wrapf(err, "bulk: refresh of %v", tm.Extent)
			}
		}
	}
	return nil, nil
}

func (s *refreshTabletsStep) Undo(ctx context.Context, id naming.FateID, env *fate.Environment) error {
	return nil // refresh has no durable effect to roll back
}
