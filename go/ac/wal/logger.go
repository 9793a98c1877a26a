// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wal

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/data"
	"github.com/cfkoehler/accumulo/go/ac/key"
)

var (
	walRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wal_rotations_total",
		Help: "WAL rotations performed.",
	})
	walWriteRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wal_write_retries_total",
		Help: "WAL write attempts that had to retry.",
	})
)

// Session is what the logger needs to know about a commit session:
// which tablet its mutations belong to.
type Session interface {
	Extent() key.KeyExtent
	TabletID() int32
}

// MetadataWriter publishes the log -> tablet association so recovery
// can find the logs a tablet needs.
type MetadataWriter interface {
	AddLogEntry(extent key.KeyExtent, le ample.LogEntry) error
}

// Config sizes the logger.
type Config struct {
	Dir           string
	Server        string
	MaxSize       int64
	MaxAge        time.Duration
	RetryAttempts int
	RetryPause    time.Duration
	NextLogWait   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxSize <= 0 {
		out.MaxSize = 1 << 30
	}
	if out.MaxAge <= 0 {
		out.MaxAge = 24 * time.Hour
	}
	if out.RetryAttempts <= 0 {
		out.RetryAttempts = 5
	}
	if out.RetryPause <= 0 {
		out.RetryPause = 100 * time.Millisecond
	}
	if out.NextLogWait <= 0 {
		out.NextLogWait = 10 * time.Second
	}
	return out
}

// TabletServerLogger owns the server's single current log. Writers
// share it under the read side of a lock; rotation takes the write
// side. After exhausted retries the logger verifies the server still
// holds its service lock and halts the process if not, because a
// server that lost its lock must not acknowledge durable writes.
type TabletServerLogger struct {
	cfg   Config
	maker *NextLogMaker
	meta  MetadataWriter

	verifyLock func() bool
	halt       func(reason string)

	rw      sync.RWMutex
	current *DfsLog

	defmu   sync.Mutex
	defined map[string]map[string]bool // logID -> extent meta row
}

func NewTabletServerLogger(cfg Config, maker *NextLogMaker, meta MetadataWriter,
	verifyLock func() bool, halt func(string)) *TabletServerLogger {
	return &TabletServerLogger{
		cfg:        cfg.withDefaults(),
		maker:      maker,
		meta:       meta,
		verifyLock: verifyLock,
		halt:       halt,
		defined:    make(map[string]map[string]bool),
	}
}

// CurrentLogID returns the id of the log writers are appending to.
func (tsl *TabletServerLogger) CurrentLogID() string {
	tsl.rw.RLock()
	defer tsl.rw.RUnlock()
	if tsl.current == nil {
		return ""
	}
	return tsl.current.ID
}

// Write runs writerFn against the current log, defining any session's
// tablet in the log first, and establishes durability before
// returning. It retries through rotation and I/O failure per the
// bounded retry policy.
func (tsl *TabletServerLogger) Write(sessions []Session, durability data.Durability,
	writerFn func(l *DfsLog) error) error {
	if durability == data.DurabilityNone {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < tsl.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			walWriteRetries.Inc()
			time.Sleep(tsl.cfg.RetryPause * time.Duration(attempt))
		}
		err := tsl.writeOnce(sessions, durability, writerFn)
		if err == nil {
			tsl.rotateIfNeeded()
			return nil
		}
		lastErr = err
		log.WithError(err).Warnf("wal: write attempt %d failed", attempt+1)
		// A failed attempt abandons the current log and opens a new
		// one before retrying.
		if rerr := tsl.rotate(); rerr != nil {
			log.WithError(rerr).Warn("wal: rotation after failed write")
		}
	}
	if !tsl.verifyLock() {
		tsl.halt("wal: write retries exhausted and service lock not held")
		return errors.New("wal: halted")
	}
	return errors.Wrap(lastErr, "wal: write retries exhausted")
}

func (tsl *TabletServerLogger) writeOnce(sessions []Session, durability data.Durability,
	writerFn func(l *DfsLog) error) error {
	tsl.rw.RLock()
	defer tsl.rw.RUnlock()
	if tsl.current == nil {
		return errors.New("wal: no current log")
	}
	l := tsl.current
	startID := l.ID

	for _, s := range sessions {
		if err := tsl.defineSession(l, s); err != nil {
			return err
		}
	}
	if err := writerFn(l); err != nil {
		return err
	}
	if err := l.Sync(durability); err != nil {
		return err
	}
	// The log must not have changed under the write; the read lock
	// prevents it, but verify against the pointer anyway.
	if tsl.current == nil || tsl.current.ID != startID {
		return errors.New("wal: log rotated during write")
	}
	return nil
}

// defineSession writes the tablet-defined record and publishes the
// log association in metadata, once per (log, tablet).
func (tsl *TabletServerLogger) defineSession(l *DfsLog, s Session) error {
	row := s.Extent().MetaRow()
	tsl.defmu.Lock()
	perLog := tsl.defined[l.ID]
	if perLog == nil {
		perLog = make(map[string]bool)
		tsl.defined[l.ID] = perLog
	}
	already := perLog[row]
	tsl.defmu.Unlock()
	if already {
		return nil
	}
	if err := l.DefineTablet(s.TabletID(), s.Extent()); err != nil {
		return err
	}
	if err := tsl.meta.AddLogEntry(s.Extent(), ample.LogEntry{Path: l.Path, Server: tsl.cfg.Server}); err != nil {
		return errors.Wrap(err, "wal: publish log entry")
	}
	tsl.defmu.Lock()
	perLog[row] = true
	tsl.defmu.Unlock()
	return nil
}

// Open installs the first log; call once at server start, after the
// maker is running.
func (tsl *TabletServerLogger) Open() error {
	return tsl.rotate()
}

func (tsl *TabletServerLogger) rotateIfNeeded() {
	tsl.rw.RLock()
	l := tsl.current
	needed := l != nil && (l.Size() >= tsl.cfg.MaxSize || l.Age() >= tsl.cfg.MaxAge)
	tsl.rw.RUnlock()
	if !needed {
		return
	}
	if err := tsl.rotate(); err != nil {
		log.WithError(err).Warn("wal: rotation")
	}
}

// rotate swaps in the pre-created next log and closes the old one.
func (tsl *TabletServerLogger) rotate() error {
	next, err := tsl.maker.Next(tsl.cfg.NextLogWait)
	if err != nil {
		return err
	}
	tsl.rw.Lock()
	old := tsl.current
	tsl.current = next
	tsl.rw.Unlock()

	if old != nil {
		walRotations.Inc()
		log.Infof("wal: rotated %v (%v) -> %v", old.ID, humanize.Bytes(uint64(old.Size())), next.ID)
		if err := old.Close(); err != nil {
			log.WithError(err).Warnf("wal: closing %v", old.ID)
		}
		if err := SetMarkerState(tsl.maker.conn, tsl.maker.root, tsl.cfg.Server, old.ID, MarkerClosed); err != nil {
			log.WithError(err).Warnf("wal: closing marker %v", old.ID)
		}
		tsl.defmu.Lock()
		delete(tsl.defined, old.ID)
		tsl.defmu.Unlock()
	}
	return nil
}

// Close shuts the current log down.
func (tsl *TabletServerLogger) Close() error {
	tsl.rw.Lock()
	defer tsl.rw.Unlock()
	if tsl.current == nil {
		return nil
	}
	err := tsl.current.Close()
	tsl.current = nil
	return err
}
