// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package naming holds the stable identifiers the subsystems refer to
// each other by. Cyclic references (tablet <-> server <-> lock) are
// always broken by passing these ids, never back-pointers.
package naming

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TServerInstance names one live incarnation of a tablet server: the
// address plus the session of its service lock. A restarted server on
// the same address is a different instance.
type TServerInstance struct {
	HostPort string
	Session  string
}

func (t TServerInstance) String() string {
	if t.Session == "" {
		return t.HostPort
	}
	return t.HostPort + "[" + t.Session + "]"
}

// ParseTServerInstance is the inverse of String.
func ParseTServerInstance(s string) (TServerInstance, error) {
	if i := strings.IndexByte(s, '['); i >= 0 {
		if !strings.HasSuffix(s, "]") {
			return TServerInstance{}, errors.Errorf("bad tserver instance %q", s)
		}
		return TServerInstance{HostPort: s[:i], Session: s[i+1 : len(s)-1]}, nil
	}
	return TServerInstance{HostPort: s}, nil
}

// FateInstanceType tells which store a transaction lives in.
type FateInstanceType string

const (
	FateMeta FateInstanceType = "FATE:META"
	FateUser FateInstanceType = "FATE:USER"
)

// FateID identifies a fate transaction.
type FateID struct {
	Type FateInstanceType
	UUID uuid.UUID
}

func NewFateID(t FateInstanceType) FateID {
	return FateID{Type: t, UUID: uuid.New()}
}

func (f FateID) String() string {
	return string(f.Type) + ":" + f.UUID.String()
}

func (f FateID) IsZero() bool {
	return f.UUID == uuid.UUID{}
}

// ParseFateID is the inverse of String, rejecting uuids that do not
// round-trip.
func ParseFateID(s string) (FateID, error) {
	var t FateInstanceType
	switch {
	case strings.HasPrefix(s, string(FateMeta)+":"):
		t = FateMeta
	case strings.HasPrefix(s, string(FateUser)+":"):
		t = FateUser
	default:
		return FateID{}, errors.Errorf("bad fate id %q", s)
	}
	u := s[len(t)+1:]
	parsed, err := uuid.Parse(u)
	if err != nil || parsed.String() != u {
		return FateID{}, errors.Errorf("bad fate id uuid %q", s)
	}
	return FateID{Type: t, UUID: parsed}, nil
}

// OperationType is the kind of multi-tablet operation an opid column
// records.
type OperationType string

const (
	OpSplitting OperationType = "SPLITTING"
	OpMerging   OperationType = "MERGING"
	OpDeleting  OperationType = "DELETING"
	OpBulk      OperationType = "BULK"
)

// OperationID is the opid column value: operation type plus the fate
// transaction driving it.
type OperationID struct {
	Kind OperationType
	Fate FateID
}

func (o OperationID) String() string {
	return fmt.Sprintf("%s:%s", o.Kind, o.Fate)
}

func ParseOperationID(s string) (OperationID, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return OperationID{}, errors.Errorf("bad operation id %q", s)
	}
	fid, err := ParseFateID(s[i+1:])
	if err != nil {
		return OperationID{}, err
	}
	return OperationID{Kind: OperationType(s[:i]), Fate: fid}, nil
}
