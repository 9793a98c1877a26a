// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wal

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/data"
	"github.com/cfkoehler/accumulo/go/ac/key"
)

// ResolvedSortedLog maps a WAL reference to the externally sorted
// recovery artifact produced by the (out of scope) sorting step.
type ResolvedSortedLog struct {
	Entry ample.LogEntry
	// Dir holds the sorted output for this log.
	Dir string
}

// SortedLogResolver locates the sorted artifact for a log entry. The
// production resolver talks to the DFS; tests fake it.
type SortedLogResolver interface {
	Resolve(le ample.LogEntry) (ResolvedSortedLog, error)
}

// resolvedCacheTTL collapses duplicate resolution inside a recovery
// batch.
const resolvedCacheTTL = 3 * time.Second

// CachingResolver wraps a resolver with the short-lived cache.
type CachingResolver struct {
	inner SortedLogResolver
	cache *gocache.Cache
}

func NewCachingResolver(inner SortedLogResolver) *CachingResolver {
	return &CachingResolver{
		inner: inner,
		cache: gocache.New(resolvedCacheTTL, time.Minute),
	}
}

func (cr *CachingResolver) Resolve(le ample.LogEntry) (ResolvedSortedLog, error) {
	cacheKey := le.Server + "|" + le.Path
	if v, ok := cr.cache.Get(cacheKey); ok {
		return v.(ResolvedSortedLog), nil
	}
	rsl, err := cr.inner.Resolve(le)
	if err != nil {
		return ResolvedSortedLog{}, err
	}
	cr.cache.SetDefault(cacheKey, rsl)
	return rsl, nil
}

// RecoveryReader feeds the mutations of a sorted log that fall inside
// an extent, in log order.
type RecoveryReader interface {
	ReadMutations(rsl ResolvedSortedLog, extent key.KeyExtent, sink func(data.Mutation) error) error
}

// NeedsRecovery reports whether a tablet has any logs to replay.
func NeedsRecovery(walogs []ample.LogEntry) bool {
	return len(walogs) > 0
}

// Recover replays the tablet's logs into the mutation sink. Each run
// feeds every matching mutation again; neither Recover nor Tablet's
// commit path deduplicates, so replaying an already-recovered log
// applies its mutations a second time.
func Recover(extent key.KeyExtent, walogs []ample.LogEntry, resolver SortedLogResolver,
	reader RecoveryReader, sink func(data.Mutation) error) error {
	for _, le := range walogs {
		rsl, err := resolver.Resolve(le)
		if err != nil {
			return errors.Wrapf(err, "wal: resolving %v", le.Path)
		}
		if err := reader.ReadMutations(rsl, extent, sink); err != nil {
			return errors.Wrapf(err, "wal: recovering %v into %v", le.Path, extent)
		}
		log.Infof("wal: recovered %v into %v", le.Path, extent)
	}
	return nil
}

// LogFileReader recovers from an unsorted log file directly, used
// when the sorted artifact is the log itself (single-server layouts).
type LogFileReader struct{}

func (LogFileReader) ReadMutations(rsl ResolvedSortedLog, extent key.KeyExtent, sink func(data.Mutation) error) error {
	// Determine the tablet id assigned within this log, then feed
	// matching mutation records.
	var tabletID int32 = -1
	return ReadLog(rsl.Entry.Path, func(rec *Record) error {
		switch rec.Type {
		case RecDefineTablet:
			if rec.Extent == extent.String() {
				tabletID = rec.TabletID
			}
		case RecMutations:
			if tabletID >= 0 && rec.TabletID == tabletID {
				for _, m := range rec.Mutations {
					if err := sink(m); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}
