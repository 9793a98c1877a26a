// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package upgrade holds the pre-upgrade safety check: the singleton
// marker may only be placed on a quiesced instance.
package upgrade

import (
	"github.com/pkg/errors"

	"github.com/cfkoehler/accumulo/go/ac/fate"
	"github.com/cfkoehler/accumulo/go/zk"
)

// Prepare places the prepare-for-upgrade marker. It refuses while a
// manager is running or any fate transaction exists, because an
// upgrade must not race in-flight metadata operations.
func Prepare(conn zk.Conn, root string, stores []fate.TStore) error {
	managerLocks, err := conn.Children(zk.ServiceLockPath(root, zk.ManagerLockService))
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return err
	}
	if len(managerLocks) > 0 {
		return errors.New("upgrade: manager appears to be running, stop it first")
	}
	for _, store := range stores {
		ids, err := store.List()
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			return errors.Errorf("upgrade: %d %v transaction(s) exist, resolve them first",
				len(ids), store.InstanceType())
		}
	}
	_, err = zk.CreateRecursive(conn, root+zk.PrepareForUpgradePath, []byte("{}"),
		zk.ModePersistent, zk.PolicySkipIfExists)
	return err
}
