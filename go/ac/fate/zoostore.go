// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fate

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/naming"
	"github.com/cfkoehler/accumulo/go/zk"
)

// ZooStore is a transaction store kept in the coordination service
// under <base>/<fate-id> with children for status, steps and
// reservation. META transactions live under /fate; deployments
// without the metadata-table store host USER transactions under
// /fate-user with identical semantics.
type ZooStore struct {
	conn  zk.Conn
	root  string // instance root
	base  string
	itype naming.FateInstanceType
}

var _ TStore = (*ZooStore)(nil)

func NewZooStore(conn zk.Conn, instanceRoot string) *ZooStore {
	return &ZooStore{conn: conn, root: instanceRoot, base: zk.FatePath, itype: naming.FateMeta}
}

// NewUserZooStore hosts the USER store in the coordination service.
func NewUserZooStore(conn zk.Conn, instanceRoot string) *ZooStore {
	return &ZooStore{conn: conn, root: instanceRoot, base: "/fate-user", itype: naming.FateUser}
}

type txEnvelope struct {
	OpName      string `json:"op"`
	Description string `json:"description"`
	AutoCleanup bool   `json:"autoCleanup"`
	CreatedMs   int64  `json:"created"`
}

func (zs *ZooStore) InstanceType() naming.FateInstanceType { return zs.itype }

func (zs *ZooStore) txPath(id naming.FateID) string {
	return zs.root + zs.base + "/" + id.String()
}

func (zs *ZooStore) Create() (naming.FateID, error) {
	id := naming.NewFateID(zs.itype)
	env, _ := json.Marshal(txEnvelope{CreatedMs: time.Now().UnixMilli()})
	p := zs.txPath(id)
	if _, err := zk.CreateRecursive(zs.conn, p, env, zk.ModePersistent, zk.PolicyFailIfExists); err != nil {
		return naming.FateID{}, errors.Wrap(err, "fate: create tx")
	}
	if _, err := zs.conn.Create(p+"/status", []byte(StatusNew), zk.ModePersistent, zk.PolicyFailIfExists); err != nil {
		return naming.FateID{}, err
	}
	if _, err := zs.conn.Create(p+"/steps", []byte("[]"), zk.ModePersistent, zk.PolicyFailIfExists); err != nil {
		return naming.FateID{}, err
	}
	return id, nil
}

func (zs *ZooStore) Seed(id naming.FateID, opName string, first StackFrame, autoCleanup bool, description string) error {
	p := zs.txPath(id)
	err := zs.conn.MutateExisting(p, func(data []byte) ([]byte, error) {
		var env txEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, err
		}
		if env.OpName != "" {
			return nil, errors.Errorf("fate: %v already seeded with %v", id, env.OpName)
		}
		env.OpName = opName
		env.AutoCleanup = autoCleanup
		env.Description = description
		return json.Marshal(env)
	})
	if errors.Is(err, zk.ErrNoNode) {
		return ErrTxNotFound
	}
	if err != nil {
		return err
	}
	if err := zs.Push(id, first); err != nil {
		return err
	}
	return zs.setStatusFrom(id, StatusNew, StatusSubmitted)
}

func (zs *ZooStore) TryReserve(id naming.FateID, res Reservation) (bool, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return false, err
	}
	p := zs.txPath(id) + "/reservation"
	_, err = zs.conn.Create(p, data, zk.ModePersistent, zk.PolicyFailIfExists)
	if errors.Is(err, zk.ErrNodeExists) {
		existing, _, gerr := zs.conn.Get(p)
		if gerr != nil {
			return false, gerr
		}
		var held Reservation
		if jerr := json.Unmarshal(existing, &held); jerr != nil {
			return false, jerr
		}
		return held == res, nil
	}
	if errors.Is(err, zk.ErrNoNode) {
		return false, ErrTxNotFound
	}
	return err == nil, err
}

func (zs *ZooStore) Unreserve(id naming.FateID, res Reservation) error {
	p := zs.txPath(id) + "/reservation"
	data, version, err := zs.conn.Get(p)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	var held Reservation
	if err := json.Unmarshal(data, &held); err != nil {
		return err
	}
	if held != res {
		return ErrReserved
	}
	err = zs.conn.Delete(p, version)
	if errors.Is(err, zk.ErrNoNode) || errors.Is(err, zk.ErrBadVersion) {
		// Somebody else already acted on the reservation.
		return nil
	}
	return err
}

func (zs *ZooStore) Read(id naming.FateID) (*TxInfo, error) {
	p := zs.txPath(id)
	data, _, err := zs.conn.Get(p)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, err
	}
	var env txEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	info := &TxInfo{
		ID:          id,
		OpName:      env.OpName,
		Description: env.Description,
		AutoCleanup: env.AutoCleanup,
		Created:     time.UnixMilli(env.CreatedMs),
	}

	statusData, _, err := zs.conn.Get(p + "/status")
	if errors.Is(err, zk.ErrNoNode) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, err
	}
	info.Status = TxStatus(statusData)

	stepsData, _, err := zs.conn.Get(p + "/steps")
	if errors.Is(err, zk.ErrNoNode) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stepsData, &info.Stack); err != nil {
		return nil, err
	}

	resData, _, err := zs.conn.Get(p + "/reservation")
	if err == nil {
		var res Reservation
		if jerr := json.Unmarshal(resData, &res); jerr == nil {
			info.Reservation = &res
		}
	} else if !errors.Is(err, zk.ErrNoNode) {
		return nil, err
	}
	return info, nil
}

func (zs *ZooStore) List() ([]naming.FateID, error) {
	children, err := zs.conn.Children(zs.root + zs.base)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]naming.FateID, 0, len(children))
	for _, c := range children {
		id, err := naming.ParseFateID(c)
		if err != nil {
			log.Warnf("fate: ignoring malformed tx node %q", c)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (zs *ZooStore) Reservations() (map[naming.FateID]Reservation, error) {
	ids, err := zs.List()
	if err != nil {
		return nil, err
	}
	out := make(map[naming.FateID]Reservation)
	for _, id := range ids {
		data, _, err := zs.conn.Get(zs.txPath(id) + "/reservation")
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var res Reservation
		if err := json.Unmarshal(data, &res); err != nil {
			continue
		}
		out[id] = res
	}
	return out, nil
}

func (zs *ZooStore) SetStatus(id naming.FateID, status TxStatus) error {
	err := zs.conn.Set(zs.txPath(id)+"/status", []byte(status), -1)
	if errors.Is(err, zk.ErrNoNode) {
		return ErrTxNotFound
	}
	return err
}

// setStatusFrom only transitions when the current status matches.
func (zs *ZooStore) setStatusFrom(id naming.FateID, from, to TxStatus) error {
	p := zs.txPath(id) + "/status"
	err := zs.conn.MutateExisting(p, func(data []byte) ([]byte, error) {
		if TxStatus(data) != from {
			return nil, errors.Wrapf(ErrBadStatus, "%v -> %v from %v", from, to, TxStatus(data))
		}
		return []byte(to), nil
	})
	if errors.Is(err, zk.ErrNoNode) {
		return ErrTxNotFound
	}
	return err
}

func (zs *ZooStore) Push(id naming.FateID, frame StackFrame) error {
	return zs.mutateSteps(id, func(stack []StackFrame) ([]StackFrame, error) {
		return append(stack, frame), nil
	})
}

func (zs *ZooStore) Pop(id naming.FateID) error {
	return zs.mutateSteps(id, func(stack []StackFrame) ([]StackFrame, error) {
		if len(stack) == 0 {
			return nil, errors.Errorf("fate: pop of empty stack for %v", id)
		}
		return stack[:len(stack)-1], nil
	})
}

func (zs *ZooStore) mutateSteps(id naming.FateID, f func([]StackFrame) ([]StackFrame, error)) error {
	err := zs.conn.MutateExisting(zs.txPath(id)+"/steps", func(data []byte) ([]byte, error) {
		var stack []StackFrame
		if err := json.Unmarshal(data, &stack); err != nil {
			return nil, err
		}
		newStack, err := f(stack)
		if err != nil {
			return nil, err
		}
		if newStack == nil {
			newStack = []StackFrame{}
		}
		return json.Marshal(newStack)
	})
	if errors.Is(err, zk.ErrNoNode) {
		return ErrTxNotFound
	}
	return err
}

func (zs *ZooStore) Delete(id naming.FateID) error {
	return zk.DeleteRecursive(zs.conn, zs.txPath(id))
}
