// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fate

import (
	"sync"
	"time"

	"github.com/cfkoehler/accumulo/go/ac/naming"
)

// MemStore is an in-process USER transaction store. It serializes rows
// through one mutex, which gives the per-row conditional guarantee the
// engine relies on, and doubles as the unit-test store. Its
// transactions do not outlive the process.
type MemStore struct {
	instanceType naming.FateInstanceType

	mu  sync.Mutex
	txs map[naming.FateID]*TxInfo
}

var _ TStore = (*MemStore)(nil)

func NewMemStore(t naming.FateInstanceType) *MemStore {
	return &MemStore{instanceType: t, txs: make(map[naming.FateID]*TxInfo)}
}

func (ms *MemStore) InstanceType() naming.FateInstanceType { return ms.instanceType }

func (ms *MemStore) Create() (naming.FateID, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	id := naming.NewFateID(ms.instanceType)
	ms.txs[id] = &TxInfo{ID: id, Status: StatusNew, Created: time.Now()}
	return id, nil
}

func (ms *MemStore) Seed(id naming.FateID, opName string, first StackFrame, autoCleanup bool, description string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	tx, ok := ms.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	if tx.Status != StatusNew {
		return ErrBadStatus
	}
	tx.OpName = opName
	tx.AutoCleanup = autoCleanup
	tx.Description = description
	tx.Stack = append(tx.Stack, first)
	tx.Status = StatusSubmitted
	return nil
}

func (ms *MemStore) TryReserve(id naming.FateID, res Reservation) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	tx, ok := ms.txs[id]
	if !ok {
		return false, ErrTxNotFound
	}
	if tx.Reservation == nil {
		r := res
		tx.Reservation = &r
		return true, nil
	}
	return *tx.Reservation == res, nil
}

func (ms *MemStore) Unreserve(id naming.FateID, res Reservation) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	tx, ok := ms.txs[id]
	if !ok {
		return nil
	}
	if tx.Reservation == nil {
		return nil
	}
	if *tx.Reservation != res {
		return ErrReserved
	}
	tx.Reservation = nil
	return nil
}

func (ms *MemStore) Read(id naming.FateID) (*TxInfo, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	tx, ok := ms.txs[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	cp := *tx
	cp.Stack = append([]StackFrame(nil), tx.Stack...)
	if tx.Reservation != nil {
		r := *tx.Reservation
		cp.Reservation = &r
	}
	return &cp, nil
}

func (ms *MemStore) List() ([]naming.FateID, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ids := make([]naming.FateID, 0, len(ms.txs))
	for id := range ms.txs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (ms *MemStore) Reservations() (map[naming.FateID]Reservation, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make(map[naming.FateID]Reservation)
	for id, tx := range ms.txs {
		if tx.Reservation != nil {
			out[id] = *tx.Reservation
		}
	}
	return out, nil
}

func (ms *MemStore) SetStatus(id naming.FateID, status TxStatus) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	tx, ok := ms.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	tx.Status = status
	return nil
}

func (ms *MemStore) Push(id naming.FateID, frame StackFrame) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	tx, ok := ms.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	tx.Stack = append(tx.Stack, frame)
	return nil
}

func (ms *MemStore) Pop(id naming.FateID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	tx, ok := ms.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	if len(tx.Stack) == 0 {
		return ErrBadStatus
	}
	tx.Stack = tx.Stack[:len(tx.Stack)-1]
	return nil
}

func (ms *MemStore) Delete(id naming.FateID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.txs, id)
	return nil
}
