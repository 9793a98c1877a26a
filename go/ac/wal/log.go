// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cfkoehler/accumulo/go/ac/data"
	"github.com/cfkoehler/accumulo/go/ac/key"
)

// RecordType tags a framed log record.
type RecordType byte

const (
	RecDefineTablet RecordType = iota + 1
	RecMutations
	RecMincStart
	RecMincFinish
)

// Record is one framed entry. Every record is position-recoverable:
// frames are length-prefixed and a torn tail frame is dropped.
type Record struct {
	Type RecordType `json:"type"`
	Seq  int64      `json:"seq"`

	// RecDefineTablet
	TabletID int32  `json:"tabletId,omitempty"`
	Extent   string `json:"extent,omitempty"`

	// RecMutations
	Mutations  []data.Mutation `json:"mutations,omitempty"`
	Durability data.Durability `json:"durability,omitempty"`

	// RecMincStart / RecMincFinish
	File string `json:"file,omitempty"`
}

// ErrLogClosed is returned for appends to a closed log.
var ErrLogClosed = errors.New("wal: log closed")

// DfsLog is one append-only log file. Appends are serialized
// internally; durability is established by Sync before commit
// visibility.
type DfsLog struct {
	ID      string
	Path    string
	Created time.Time

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	size   int64
	seq    int64
	closed bool
}

// CreateLog creates the backing file. The caller publishes the marker.
func CreateLog(dir, id string) (*DfsLog, error) {
	p := filepath.Join(dir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "wal: create log %v", p)
	}
	return &DfsLog{
		ID:      id,
		Path:    p,
		Created: time.Now(),
		file:    f,
		writer:  bufio.NewWriter(f),
	}, nil
}

func (l *DfsLog) append(rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	l.seq++
	rec.Seq = l.seq
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(payload)))
	if _, err := l.writer.Write(frame[:]); err != nil {
		return err
	}
	if _, err := l.writer.Write(payload); err != nil {
		return err
	}
	l.size += int64(len(frame) + len(payload))
	return nil
}

// DefineTablet writes the "tablet defined" record tying a tablet id
// to an extent within this log.
func (l *DfsLog) DefineTablet(tabletID int32, extent key.KeyExtent) error {
	return l.append(&Record{Type: RecDefineTablet, TabletID: tabletID, Extent: extent.String()})
}

// LogMany appends a batch of mutations for one tablet.
func (l *DfsLog) LogMany(tabletID int32, mutations []data.Mutation, durability data.Durability) error {
	return l.append(&Record{Type: RecMutations, TabletID: tabletID, Mutations: mutations, Durability: durability})
}

// MinorCompactionStarted / Finished bracket a flush so recovery knows
// which mutations are already in files.
func (l *DfsLog) MinorCompactionStarted(tabletID int32, file string) error {
	return l.append(&Record{Type: RecMincStart, TabletID: tabletID, File: file})
}

func (l *DfsLog) MinorCompactionFinished(tabletID int32) error {
	return l.append(&Record{Type: RecMincFinish, TabletID: tabletID})
}

// Sync establishes durability for everything appended so far.
func (l *DfsLog) Sync(durability data.Durability) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	switch durability {
	case data.DurabilityNone, data.DurabilityDefault:
		return nil
	case data.DurabilityLog:
		return nil // buffered append is enough
	case data.DurabilityFlush:
		return l.writer.Flush()
	case data.DurabilitySync:
		if err := l.writer.Flush(); err != nil {
			return err
		}
		return l.file.Sync()
	}
	return nil
}

// Size returns the bytes appended so far.
func (l *DfsLog) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Age returns time since creation.
func (l *DfsLog) Age() time.Duration {
	return time.Since(l.Created)
}

// Close flushes and closes the file. Further appends fail.
func (l *DfsLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// Remove deletes the backing file, for cleanup of never-used logs.
func (l *DfsLog) Remove() error {
	_ = l.Close()
	return os.Remove(l.Path)
}

// ReadLog replays a log file, invoking f per record. A torn final
// frame is tolerated; corruption elsewhere is an error.
func ReadLog(path string, f func(*Record) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	r := bufio.NewReader(file)
	for {
		var frame [4]byte
		if _, err := io.ReadFull(r, frame[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF {
				return nil // torn frame header at tail
			}
			return err
		}
		payload := make([]byte, binary.BigEndian.Uint32(frame[:]))
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil // torn tail frame
			}
			return err
		}
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return errors.Wrapf(err, "wal: corrupt record in %v", path)
		}
		if err := f(&rec); err != nil {
			return err
		}
	}
}
