// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zk

import "path"

// Well-known paths under the instance root. Everything the cluster
// shares through the coordination service hangs off these.
const (
	TablesPath     = "/tables"
	NamespacesPath = "/namespaces"
	ConfigPath     = "/config"
	UsersPath      = "/users"
	FatePath       = "/fate"
	LocksPath      = "/locks"
	WalsPath       = "/wals"
	TableLocksPath = "/table-locks"

	PrepareForUpgradePath = "/prepare-for-upgrade"

	ManagerLockService      = "manager"
	TabletServerLockService = "tservers"
)

func TableConfPath(root, tableID string) string {
	return path.Join(root, TablesPath, tableID, "conf")
}

func NamespaceConfPath(root, nsID string) string {
	return path.Join(root, NamespacesPath, nsID, "conf")
}

func ServiceLockPath(root, service string, more ...string) string {
	parts := append([]string{root, LocksPath, service}, more...)
	return path.Join(parts...)
}

func WalMarkerPath(root, server, logID string) string {
	return path.Join(root, WalsPath, server, logID)
}

func WalServerPath(root, server string) string {
	return path.Join(root, WalsPath, server)
}

func FateTxPath(root, fateID string) string {
	return path.Join(root, FatePath, fateID)
}

func TableLockPath(root, tableID string) string {
	return path.Join(root, TableLocksPath, tableID)
}
