// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fate

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/naming"
)

// ErrBusy is returned when an admin operation could not get a
// transaction unreserved within its bounded wait.
var ErrBusy = errors.New("fate: transaction stayed reserved")

const adminRetryPause = 100 * time.Millisecond

// reserveForAdmin spins until the transaction is free or deadline.
func reserveForAdmin(store TStore, id naming.FateID, adminLockID string, wait time.Duration) (Reservation, error) {
	res := Reservation{LockID: adminLockID, UUID: uuid.New()}
	deadline := time.Now().Add(wait)
	for {
		ok, err := store.TryReserve(id, res)
		if err != nil {
			return Reservation{}, err
		}
		if ok {
			return res, nil
		}
		if time.Now().After(deadline) {
			return Reservation{}, ErrBusy
		}
		time.Sleep(adminRetryPause)
	}
}

// Fail forces a submitted or in-progress transaction onto the undo
// path. The transaction must be unreserved; if it stays busy past
// wait, ErrBusy is returned and nothing changed.
func Fail(store TStore, id naming.FateID, adminLockID string, wait time.Duration) error {
	res, err := reserveForAdmin(store, id, adminLockID, wait)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := store.Unreserve(id, res); uerr != nil {
			log.WithError(uerr).Warnf("fate: admin unreserve %v", id)
		}
	}()
	tx, err := store.Read(id)
	if err != nil {
		return err
	}
	switch tx.Status {
	case StatusNew:
		return store.SetStatus(id, StatusFailed)
	case StatusSubmitted, StatusInProgress:
		return store.SetStatus(id, StatusFailedInProgress)
	case StatusFailedInProgress:
		return nil
	}
	return errors.Wrapf(ErrBadStatus, "fail of %v in status %v", id, tx.Status)
}

// Delete removes a transaction. It must be unreserved and in a
// terminal status.
func Delete(store TStore, id naming.FateID, adminLockID string, wait time.Duration) error {
	res, err := reserveForAdmin(store, id, adminLockID, wait)
	if err != nil {
		return err
	}
	tx, err := store.Read(id)
	if err != nil {
		store.Unreserve(id, res)
		return err
	}
	if !tx.Status.Terminal() {
		store.Unreserve(id, res)
		return errors.Wrapf(ErrBadStatus, "delete of %v in status %v", id, tx.Status)
	}
	return store.Delete(id)
}

// TxSummary is one line of admin output.
type TxSummary struct {
	ID          string    `json:"id"`
	Status      TxStatus  `json:"status"`
	Created     time.Time `json:"created"`
	OpName      string    `json:"op,omitempty"`
	Description string    `json:"description,omitempty"`
	Reserved    bool      `json:"reserved"`
	Top         string    `json:"top,omitempty"`
}

// SummaryFilter narrows Summaries output.
type SummaryFilter struct {
	Statuses []TxStatus
	Types    []naming.FateInstanceType
	IDs      []naming.FateID
}

func (sf *SummaryFilter) wantStatus(s TxStatus) bool {
	if len(sf.Statuses) == 0 {
		return true
	}
	for _, want := range sf.Statuses {
		if want == s {
			return true
		}
	}
	return false
}

func (sf *SummaryFilter) wantType(t naming.FateInstanceType) bool {
	if len(sf.Types) == 0 {
		return true
	}
	for _, want := range sf.Types {
		if want == t {
			return true
		}
	}
	return false
}

func (sf *SummaryFilter) wantID(id naming.FateID) bool {
	if len(sf.IDs) == 0 {
		return true
	}
	for _, want := range sf.IDs {
		if want == id {
			return true
		}
	}
	return false
}

// Summaries lists transactions across stores. A transaction that
// disappears between listing and probing is reported with status
// UNKNOWN and a zero creation time rather than failing the whole
// enumeration.
func Summaries(stores []TStore, filter SummaryFilter) ([]TxSummary, map[TxStatus]int, error) {
	var out []TxSummary
	counts := make(map[TxStatus]int)
	for _, store := range stores {
		if !filter.wantType(store.InstanceType()) {
			continue
		}
		ids, err := store.List()
		if err != nil {
			return nil, nil, err
		}
		for _, id := range ids {
			if !filter.wantID(id) {
				continue
			}
			tx, err := store.Read(id)
			if errors.Is(err, ErrTxNotFound) {
				if filter.wantStatus(StatusUnknown) {
					out = append(out, TxSummary{ID: id.String(), Status: StatusUnknown})
				}
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			if !filter.wantStatus(tx.Status) {
				continue
			}
			s := TxSummary{
				ID:          id.String(),
				Status:      tx.Status,
				Created:     tx.Created,
				OpName:      tx.OpName,
				Description: tx.Description,
				Reserved:    tx.Reservation != nil,
			}
			if top := tx.Top(); top != nil {
				s.Top = top.StepName
			}
			out = append(out, s)
			counts[tx.Status]++
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, counts, nil
}
