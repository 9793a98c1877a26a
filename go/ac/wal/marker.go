// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wal is the write-ahead log subsystem: one shared current
// log per tablet server with a pre-created next log, rotation by size
// or age, bounded retry, and the recovery resolver.
package wal

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/cfkoehler/accumulo/go/zk"
)

// MarkerState is the recovery-relevant lifecycle of a log. After a
// server death all its logs progress to CLOSED before readers recover
// from them; UNREFERENCED logs are garbage.
type MarkerState string

const (
	MarkerOpen         MarkerState = "OPEN"
	MarkerClosed       MarkerState = "CLOSED"
	MarkerUnreferenced MarkerState = "UNREFERENCED"
)

// Marker is the "log exists" record in the coordination service at
// /wals/<server>/<logID>.
type Marker struct {
	Server string      `json:"server"`
	LogID  string      `json:"logId"`
	Path   string      `json:"path"`
	State  MarkerState `json:"state"`
}

// PutMarker publishes a marker, overwriting any prior state.
func PutMarker(conn zk.Conn, root string, m Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = zk.CreateRecursive(conn, zk.WalMarkerPath(root, m.Server, m.LogID), data,
		zk.ModePersistent, zk.PolicyOverwrite)
	return errors.Wrapf(err, "wal: put marker %v", m.LogID)
}

// RemoveMarker deletes the marker outright.
func RemoveMarker(conn zk.Conn, root, server, logID string) error {
	err := conn.Delete(zk.WalMarkerPath(root, server, logID), -1)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return err
}

// SetMarkerState transitions a marker. A CLOSED log is never moved
// back to OPEN.
func SetMarkerState(conn zk.Conn, root, server, logID string, state MarkerState) error {
	p := zk.WalMarkerPath(root, server, logID)
	return conn.MutateExisting(p, func(data []byte) ([]byte, error) {
		var m Marker
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.State == MarkerClosed && state == MarkerOpen {
			return nil, errors.Errorf("wal: refusing CLOSED -> OPEN for %v", logID)
		}
		m.State = state
		return json.Marshal(m)
	})
}

// ListMarkers returns all markers for one server.
func ListMarkers(conn zk.Conn, root, server string) ([]Marker, error) {
	children, err := conn.Children(zk.WalServerPath(root, server))
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Marker, 0, len(children))
	for _, c := range children {
		data, _, err := conn.Get(zk.WalMarkerPath(root, server, c))
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var m Marker
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// CloseMarkersForServer moves every OPEN marker of a dead server to
// CLOSED so recovery may read them.
func CloseMarkersForServer(conn zk.Conn, root, server string) error {
	markers, err := ListMarkers(conn, root, server)
	if err != nil {
		return err
	}
	for _, m := range markers {
		if m.State != MarkerOpen {
			continue
		}
		if err := SetMarkerState(conn, root, server, m.LogID, MarkerClosed); err != nil {
			return err
		}
	}
	return nil
}
