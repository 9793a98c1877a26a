// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cfkoehler/accumulo/go/ac/naming"
)

// Repo is one durable step of a fate transaction. Call is invoked
// at-least-once, so its side effects must be idempotent. A step that
// is not ready returns a positive delay from IsReady and the worker
// requeues the transaction.
type Repo interface {
	Name() string
	IsReady(ctx context.Context, id naming.FateID, env *Environment) (time.Duration, error)
	// Call does the work and returns the next step, or nil when the
	// transaction is complete.
	Call(ctx context.Context, id naming.FateID, env *Environment) (Repo, error)
	// Undo rolls back this step's effects; invoked down the stack when
	// a later step fails.
	Undo(ctx context.Context, id naming.FateID, env *Environment) error
}

// StackFrame is the serialized form of one step on the durable stack:
// a registered tag plus the step's typed payload.
type StackFrame struct {
	StepName string          `json:"step"`
	Payload  json.RawMessage `json:"payload"`
}

var stepRegistry = struct {
	sync.Mutex
	factories map[string]func() Repo
}{factories: make(map[string]func() Repo)}

// RegisterStep installs the factory used to decode frames with this
// tag. Call from init in the package defining the step.
func RegisterStep(name string, factory func() Repo) {
	stepRegistry.Lock()
	defer stepRegistry.Unlock()
	if _, ok := stepRegistry.factories[name]; ok {
		panic("fate: step registered twice: " + name)
	}
	stepRegistry.factories[name] = factory
}

// EncodeStep serializes a step into a frame.
func EncodeStep(r Repo) (StackFrame, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return StackFrame{}, errors.Wrapf(err, "fate: encode step %v", r.Name())
	}
	return StackFrame{StepName: r.Name(), Payload: payload}, nil
}

// DecodeStep is the inverse of EncodeStep.
func DecodeStep(frame StackFrame) (Repo, error) {
	stepRegistry.Lock()
	factory, ok := stepRegistry.factories[frame.StepName]
	stepRegistry.Unlock()
	if !ok {
		return nil, errors.Errorf("fate: unregistered step %q", frame.StepName)
	}
	r := factory()
	if err := json.Unmarshal(frame.Payload, r); err != nil {
		return nil, errors.Wrapf(err, "fate: decode step %q", frame.StepName)
	}
	return r, nil
}
