// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfkoehler/accumulo/go/ac/naming"
	"github.com/cfkoehler/accumulo/go/zk/fakezk"
)

// recorder collects step side effects so tests can assert ordering
// and idempotence.
type recorder struct {
	mu     sync.Mutex
	events []string
	fail   map[string]bool
}

func (r *recorder) record(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// recordOnce records ev and reports whether it was new.
func (r *recorder) recordOnce(ev string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.events {
		if have == ev {
			return false
		}
	}
	r.events = append(r.events, ev)
	return true
}

type chainStep struct {
	Step  string `json:"stepName"`
	Next  string `json:"next,omitempty"`
	Delay bool   `json:"delay,omitempty"`
}

func (s *chainStep) Name() string { return "test.chain" }

func (s *chainStep) IsReady(ctx context.Context, id naming.FateID, env *Environment) (time.Duration, error) {
	// The frame is re-decoded on every attempt, so the one-shot delay
	// dedupes through the recorder rather than mutating the step.
	if s.Delay && env.App.(*recorder).recordOnce("delay:"+s.Step) {
		return 10 * time.Millisecond, nil
	}
	return 0, nil
}

func (s *chainStep) Call(ctx context.Context, id naming.FateID, env *Environment) (Repo, error) {
	rec := env.App.(*recorder)
	rec.record("call:" + s.Step)
	if rec.fail[s.Step] {
		return nil, errors.New("injected failure in " + s.Step)
	}
	if s.Next == "" {
		return nil, nil
	}
	return &chainStep{Step: s.Next}, nil
}

func (s *chainStep) Undo(ctx context.Context, id naming.FateID, env *Environment) error {
	env.App.(*recorder).record("undo:" + s.Step)
	return nil
}

func init() {
	RegisterStep("test.chain", func() Repo { return &chainStep{} })
}

func alwaysHeld(string) (bool, error) { return true, nil }

func startEngine(t *testing.T, rec *recorder, store TStore) *Fate {
	t.Helper()
	f := New(rec, store, "/locks/manager#"+uuid.New().String()+"#0000000001", alwaysHeld,
		Config{Workers: 2, PollInterval: 5 * time.Millisecond, ReclaimInterval: 10 * time.Millisecond})
	f.Start()
	t.Cleanup(f.Stop)
	return f
}

func awaitStatus(t *testing.T, store TStore, id naming.FateID, want TxStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		tx, err := store.Read(id)
		return err == nil && tx.Status == want
	}, 5*time.Second, 5*time.Millisecond, "waiting for %v to reach %v", id, want)
}

func TestTransactionRunsToSuccess(t *testing.T) {
	rec := &recorder{}
	store := NewMemStore(naming.FateUser)
	f := startEngine(t, rec, store)

	id, err := f.Create()
	require.NoError(t, err)
	tx, err := store.Read(id)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, tx.Status)

	require.NoError(t, f.Seed(id, "TestOp", &chainStep{Step: "a", Next: "b"}, false, "test chain"))
	awaitStatus(t, store, id, StatusSuccessful)
	assert.Equal(t, []string{"call:a", "call:b"}, rec.list())

	// The reservation is released after completion.
	tx, err = store.Read(id)
	require.NoError(t, err)
	assert.Nil(t, tx.Reservation)
}

func TestStepDelayRequeues(t *testing.T) {
	rec := &recorder{}
	store := NewMemStore(naming.FateUser)
	f := startEngine(t, rec, store)

	id, err := f.Create()
	require.NoError(t, err)
	require.NoError(t, f.Seed(id, "TestOp", &chainStep{Step: "a", Delay: true}, false, ""))
	awaitStatus(t, store, id, StatusSuccessful)
	assert.Equal(t, []string{"delay:a", "call:a"}, rec.list())
}

func TestFailureUndoOrder(t *testing.T) {
	rec := &recorder{}
	store := NewMemStore(naming.FateUser)

	registerChain3.Do(func() {
		RegisterStep("test.chain3", func() Repo { return &chainStep3{} })
	})
	f := startEngine(t, rec, store)

	id, err := f.Create()
	require.NoError(t, err)
	require.NoError(t, f.Seed(id, "TestOp", &chainStep3{Step: "a"}, false, ""))
	awaitStatus(t, store, id, StatusFailed)

	events := rec.list()
	require.Equal(t, []string{"call:a", "call:b", "call:c", "undo:c", "undo:b", "undo:a"}, events)
}

// chainStep3 walks a fixed a->b->c chain where c fails, exercising
// the undo path top-down.
type chainStep3 struct {
	Step string `json:"stepName"`
}

func (s *chainStep3) Name() string { return "test.chain3" }

func (s *chainStep3) IsReady(ctx context.Context, id naming.FateID, env *Environment) (time.Duration, error) {
	return 0, nil
}

func (s *chainStep3) Call(ctx context.Context, id naming.FateID, env *Environment) (Repo, error) {
	rec := env.App.(*recorder)
	rec.record("call:" + s.Step)
	switch s.Step {
	case "a":
		return &chainStep3{Step: "b"}, nil
	case "b":
		return &chainStep3{Step: "c"}, nil
	}
	return nil, errors.New("injected failure in c")
}

func (s *chainStep3) Undo(ctx context.Context, id naming.FateID, env *Environment) error {
	env.App.(*recorder).record("undo:" + s.Step)
	return nil
}

var registerChain3 sync.Once

func TestCancelNewMovesToFailed(t *testing.T) {
	store := NewMemStore(naming.FateUser)
	f := New(&recorder{}, store, "lock", alwaysHeld, Config{})

	id, err := f.Create()
	require.NoError(t, err)
	require.NoError(t, f.Cancel(id))
	tx, err := store.Read(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tx.Status)

	// Cancel is only for NEW.
	id2, _ := f.Create()
	require.NoError(t, f.Seed(id2, "TestOp", &chainStep{Step: "a"}, false, ""))
	assert.Error(t, f.Cancel(id2))
}

func TestReservationExclusive(t *testing.T) {
	store := NewMemStore(naming.FateUser)
	id, err := store.Create()
	require.NoError(t, err)

	res1 := Reservation{LockID: "lockA", UUID: uuid.New()}
	res2 := Reservation{LockID: "lockB", UUID: uuid.New()}

	ok, err := store.TryReserve(id, res1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.TryReserve(id, res2)
	require.NoError(t, err)
	assert.False(t, ok, "second reservation must be rejected")

	// Re-claiming the same reservation is idempotent.
	ok, err = store.TryReserve(id, res1)
	require.NoError(t, err)
	assert.True(t, ok)

	// Unreserve requires the exact reservation.
	assert.Equal(t, ErrReserved, store.Unreserve(id, res2))
	require.NoError(t, store.Unreserve(id, res1))
	ok, err = store.TryReserve(id, res2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeadReservationReclaim(t *testing.T) {
	store := NewMemStore(naming.FateUser)
	id, err := store.Create()
	require.NoError(t, err)
	require.NoError(t, store.Seed(id, "TestOp", StackFrame{StepName: "test.chain", Payload: []byte(`{"stepName":"a"}`)}, false, ""))

	deadRes := Reservation{LockID: "/locks/dead#" + uuid.New().String() + "#0000000001", UUID: uuid.New()}
	ok, err := store.TryReserve(id, deadRes)
	require.NoError(t, err)
	require.True(t, ok)

	rec := &recorder{}
	deadLock := func(lockID string) (bool, error) { return lockID != deadRes.LockID, nil }
	f := New(rec, store, "ourlock", deadLock,
		Config{Workers: 1, PollInterval: 5 * time.Millisecond, ReclaimInterval: 5 * time.Millisecond})
	f.Start()
	defer f.Stop()

	// The reclaimer frees the dead reservation and the worker then
	// runs the transaction.
	awaitStatus(t, store, id, StatusSuccessful)
}

func TestAdminFailOfReservedIsBounded(t *testing.T) {
	store := NewMemStore(naming.FateUser)
	id, err := store.Create()
	require.NoError(t, err)
	require.NoError(t, store.Seed(id, "TestOp", StackFrame{StepName: "test.chain", Payload: []byte(`{"stepName":"a"}`)}, false, ""))

	busy := Reservation{LockID: "lockA", UUID: uuid.New()}
	ok, err := store.TryReserve(id, busy)
	require.NoError(t, err)
	require.True(t, ok)

	err = Fail(store, id, "adminlock", 250*time.Millisecond)
	assert.Equal(t, ErrBusy, err)
}

func TestDeleteRequiresTerminal(t *testing.T) {
	store := NewMemStore(naming.FateUser)
	id, err := store.Create()
	require.NoError(t, err)
	require.NoError(t, store.Seed(id, "TestOp", StackFrame{StepName: "test.chain", Payload: []byte(`{"stepName":"a"}`)}, false, ""))

	err = Delete(store, id, "adminlock", time.Second)
	require.Error(t, err)

	require.NoError(t, store.SetStatus(id, StatusSuccessful))
	require.NoError(t, Delete(store, id, "adminlock", time.Second))
	_, err = store.Read(id)
	assert.Equal(t, ErrTxNotFound, errors.Cause(err))
}

// vanishingStore deletes a transaction right after listing it, to
// race the summary enumeration.
type vanishingStore struct {
	TStore
	victim naming.FateID
}

func (vs *vanishingStore) List() ([]naming.FateID, error) {
	ids, err := vs.TStore.List()
	if err == nil {
		vs.TStore.Delete(vs.victim)
	}
	return ids, err
}

func TestSummaryToleratesConcurrentCompletion(t *testing.T) {
	store := NewMemStore(naming.FateMeta)
	id, err := store.Create()
	require.NoError(t, err)
	require.NoError(t, store.Seed(id, "TestOp", StackFrame{StepName: "test.chain", Payload: []byte(`{"stepName":"a"}`)}, false, "doomed"))

	vs := &vanishingStore{TStore: store, victim: id}
	summaries, counts, err := Summaries([]TStore{vs}, SummaryFilter{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, StatusUnknown, summaries[0].Status)
	assert.True(t, summaries[0].Created.IsZero())
	assert.Zero(t, counts[StatusSubmitted], "vanished txns are elided from counts")
}

func TestZooStoreRoundTrip(t *testing.T) {
	fake := fakezk.New()
	conn := fake.Connect()
	store := NewZooStore(conn, "/accumulo/test")

	id, err := store.Create()
	require.NoError(t, err)
	tx, err := store.Read(id)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, tx.Status)
	assert.False(t, tx.Created.IsZero())

	frame, err := EncodeStep(&chainStep{Step: "a", Next: "b"})
	require.NoError(t, err)
	require.NoError(t, store.Seed(id, "TestOp", frame, true, "zoo test"))

	tx, err = store.Read(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, tx.Status)
	assert.Equal(t, "TestOp", tx.OpName)
	assert.True(t, tx.AutoCleanup)
	require.NotNil(t, tx.Top())
	assert.Equal(t, "test.chain", tx.Top().StepName)

	// Seeding twice is refused.
	assert.Error(t, store.Seed(id, "TestOp", frame, true, "again"))

	res := Reservation{LockID: "lockA", UUID: uuid.New()}
	ok, err := store.TryReserve(id, res)
	require.NoError(t, err)
	require.True(t, ok)
	reservations, err := store.Reservations()
	require.NoError(t, err)
	assert.Equal(t, res, reservations[id])

	require.NoError(t, store.Push(id, frame))
	tx, _ = store.Read(id)
	assert.Len(t, tx.Stack, 2)
	require.NoError(t, store.Pop(id))

	require.NoError(t, store.Unreserve(id, res))
	require.NoError(t, store.Delete(id))
	_, err = store.Read(id)
	assert.Equal(t, ErrTxNotFound, errors.Cause(err))
}
