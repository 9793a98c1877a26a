// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/naming"
)

var (
	txTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fate_tx_terminal_total",
		Help: "Fate transactions reaching a terminal status.",
	}, []string{"store", "status"})
	txExecuting = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fate_tx_executing",
		Help: "Fate transactions currently being executed.",
	}, []string{"store"})
)

// Environment is handed to every step. App carries the
// deployment-specific context (manager, ample, connections); steps
// type-assert it.
type Environment struct {
	App  any
	fate *Fate
}

// Defer deposits a completion action that runs once the transaction
// reaches a terminal status.
func (env *Environment) Defer(id naming.FateID, action func()) {
	env.fate.mu.Lock()
	defer env.fate.mu.Unlock()
	env.fate.deferredActions[id] = append(env.fate.deferredActions[id], action)
}

// Config sizes the engine.
type Config struct {
	Workers         int
	PollInterval    time.Duration
	ReclaimInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 100 * time.Millisecond
	}
	if out.ReclaimInterval <= 0 {
		out.ReclaimInterval = 30 * time.Second
	}
	return out
}

// Fate runs transactions from one store with a fixed worker pool. A
// transaction is claimed with a reservation naming our service lock;
// a scheduled task reclaims reservations whose lock died.
type Fate struct {
	store      TStore
	env        *Environment
	lockID     string
	isLockHeld func(lockID string) (bool, error)
	cfg        Config

	workCh chan naming.FateID
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu              sync.Mutex
	executing       map[naming.FateID]bool
	deferredUntil   map[naming.FateID]time.Time
	deferredActions map[naming.FateID][]func()
}

// New wires an engine. isLockHeld verifies a serialized service-lock
// id against the coordination service; tests inject their own.
func New(app any, store TStore, lockID string, isLockHeld func(string) (bool, error), cfg Config) *Fate {
	f := &Fate{
		store:           store,
		lockID:          lockID,
		isLockHeld:      isLockHeld,
		cfg:             cfg.withDefaults(),
		workCh:          make(chan naming.FateID, 64),
		stopCh:          make(chan struct{}),
		executing:       make(map[naming.FateID]bool),
		deferredUntil:   make(map[naming.FateID]time.Time),
		deferredActions: make(map[naming.FateID][]func()),
	}
	f.env = &Environment{App: app, fate: f}
	return f
}

// Env returns the environment handed to steps, for direct step
// invocation by admin tooling and tests.
func (f *Fate) Env() *Environment { return f.env }

// Start launches the finder, the worker pool and the reservation
// reclaimer.
func (f *Fate) Start() {
	f.wg.Add(1)
	go f.findWork()
	for i := 0; i < f.cfg.Workers; i++ {
		f.wg.Add(1)
		go f.work()
	}
	f.wg.Add(1)
	go f.reclaimDeadReservations()
}

// Stop shuts the pool down cooperatively and waits for in-flight
// steps to finish.
func (f *Fate) Stop() {
	close(f.stopCh)
	f.wg.Wait()
}

// Create allocates a transaction with status NEW.
func (f *Fate) Create() (naming.FateID, error) {
	return f.store.Create()
}

// Seed installs the first step and submits the transaction.
func (f *Fate) Seed(id naming.FateID, opName string, first Repo, autoCleanup bool, description string) error {
	frame, err := EncodeStep(first)
	if err != nil {
		return err
	}
	return f.store.Seed(id, opName, frame, autoCleanup, description)
}

// Cancel moves a NEW transaction directly to FAILED. Submitted
// transactions cannot be cancelled, only failed by an admin.
func (f *Fate) Cancel(id naming.FateID) error {
	tx, err := f.store.Read(id)
	if err != nil {
		return err
	}
	if tx.Status != StatusNew {
		return errors.Wrapf(ErrBadStatus, "cancel of %v in status %v", id, tx.Status)
	}
	if err := f.store.SetStatus(id, StatusFailed); err != nil {
		return err
	}
	txTerminal.WithLabelValues(string(f.store.InstanceType()), string(StatusFailed)).Inc()
	return nil
}

func (f *Fate) findWork() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
		}
		ids, err := f.store.List()
		if err != nil {
			log.WithError(err).Warn("fate: listing transactions")
			continue
		}
		for _, id := range ids {
			if !f.claimForQueue(id) {
				continue
			}
			tx, err := f.store.Read(id)
			if err != nil || !tx.Status.Runnable() || tx.Reservation != nil {
				f.unclaim(id)
				continue
			}
			select {
			case f.workCh <- id:
			default:
				f.unclaim(id) // queue full, next poll retries
			}
		}
	}
}

// claimForQueue marks the id as in-flight in this process so the
// finder does not queue it twice, honoring any requeue delay.
func (f *Fate) claimForQueue(id naming.FateID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.executing[id] {
		return false
	}
	if until, ok := f.deferredUntil[id]; ok {
		if time.Now().Before(until) {
			return false
		}
		delete(f.deferredUntil, id)
	}
	f.executing[id] = true
	return true
}

func (f *Fate) unclaim(id naming.FateID) {
	f.mu.Lock()
	delete(f.executing, id)
	f.mu.Unlock()
}

func (f *Fate) work() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopCh:
			return
		case id := <-f.workCh:
			f.runTx(id)
			f.unclaim(id)
		}
	}
}

func (f *Fate) runTx(id naming.FateID) {
	res := Reservation{LockID: f.lockID, UUID: uuid.New()}
	ok, err := f.store.TryReserve(id, res)
	if err != nil || !ok {
		return
	}
	store := string(f.store.InstanceType())
	txExecuting.WithLabelValues(store).Inc()
	defer txExecuting.WithLabelValues(store).Dec()
	defer func() {
		if err := f.store.Unreserve(id, res); err != nil && !errors.Is(err, ErrTxNotFound) {
			log.WithError(err).Warnf("fate: unreserve %v", id)
		}
	}()

	ctx := context.Background()
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}
		tx, err := f.store.Read(id)
		if err != nil {
			log.WithError(err).Warnf("fate: read %v", id)
			return
		}
		switch tx.Status {
		case StatusSubmitted:
			if err := f.store.SetStatus(id, StatusInProgress); err != nil {
				return
			}
		case StatusInProgress:
			done, err := f.executeStep(ctx, id, tx)
			if err != nil {
				log.WithError(err).Errorf("fate: step failed for %v (%v), undoing", id, tx.OpName)
				f.undoAll(ctx, id)
				f.finish(id, StatusFailed, tx.AutoCleanup)
				return
			}
			if done {
				f.finish(id, StatusSuccessful, tx.AutoCleanup)
				return
			}
			// deferred via IsReady delay
			if f.isDeferred(id) {
				return
			}
		case StatusFailedInProgress:
			f.undoAll(ctx, id)
			f.finish(id, StatusFailed, tx.AutoCleanup)
			return
		default:
			return
		}
	}
}

// executeStep runs the top step once. Returns done=true when the
// transaction completed (terminal SUCCESSFUL set by caller).
func (f *Fate) executeStep(ctx context.Context, id naming.FateID, tx *TxInfo) (done bool, err error) {
	frame := tx.Top()
	if frame == nil {
		return true, nil
	}
	repo, err := DecodeStep(*frame)
	if err != nil {
		return false, err
	}
	delay, err := repo.IsReady(ctx, id, f.env)
	if err != nil {
		return false, err
	}
	if delay > 0 {
		f.deferFor(id, delay)
		return false, nil
	}

	next, err := f.callStep(ctx, repo, id)
	if err != nil {
		return false, err
	}
	if next == nil {
		return true, nil
	}
	nextFrame, err := EncodeStep(next)
	if err != nil {
		return false, err
	}
	return false, f.store.Push(id, nextFrame)
}

// callStep guards against step panics, converting them to errors the
// undo chain handles.
func (f *Fate) callStep(ctx context.Context, repo Repo, id naming.FateID) (next Repo, err error) {
	defer func() {
		if x := recover(); x != nil {
			if panicErr, ok := x.(error); ok {
				err = panicErr
			} else {
				err = fmt.Errorf("fate: step panic: %v", x)
			}
		}
	}()
	return repo.Call(ctx, id, f.env)
}

func (f *Fate) undoAll(ctx context.Context, id naming.FateID) {
	if err := f.store.SetStatus(id, StatusFailedInProgress); err != nil {
		log.WithError(err).Warnf("fate: mark failed-in-progress %v", id)
	}
	for {
		tx, err := f.store.Read(id)
		if err != nil {
			return
		}
		frame := tx.Top()
		if frame == nil {
			return
		}
		if repo, derr := DecodeStep(*frame); derr == nil {
			if uerr := repo.Undo(ctx, id, f.env); uerr != nil {
				log.WithError(uerr).Errorf("fate: undo of %v step %v failed", id, frame.StepName)
			}
		} else {
			log.WithError(derr).Errorf("fate: cannot decode step %v of %v for undo", frame.StepName, id)
		}
		if err := f.store.Pop(id); err != nil {
			return
		}
	}
}

func (f *Fate) finish(id naming.FateID, status TxStatus, autoCleanup bool) {
	if err := f.store.SetStatus(id, status); err != nil {
		log.WithError(err).Warnf("fate: set %v %v", id, status)
		return
	}
	txTerminal.WithLabelValues(string(f.store.InstanceType()), string(status)).Inc()
	f.mu.Lock()
	actions := f.deferredActions[id]
	delete(f.deferredActions, id)
	delete(f.deferredUntil, id)
	f.mu.Unlock()
	for _, action := range actions {
		action()
	}
	if autoCleanup {
		if err := f.store.Delete(id); err != nil {
			log.WithError(err).Warnf("fate: auto cleanup %v", id)
		}
	}
}

func (f *Fate) deferFor(id naming.FateID, d time.Duration) {
	f.mu.Lock()
	f.deferredUntil[id] = time.Now().Add(d)
	f.mu.Unlock()
}

func (f *Fate) isDeferred(id naming.FateID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.deferredUntil[id]
	return ok && time.Now().Before(until)
}

// reclaimDeadReservations periodically clears reservations whose
// holding lock is no longer held, making their transactions free.
func (f *Fate) reclaimDeadReservations() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
		}
		reservations, err := f.store.Reservations()
		if err != nil {
			log.WithError(err).Warn("fate: listing reservations")
			continue
		}
		for id, res := range reservations {
			if res.LockID == f.lockID {
				continue
			}
			held, err := f.isLockHeld(res.LockID)
			if err != nil {
				log.WithError(err).Warnf("fate: verifying lock for %v", id)
				continue
			}
			if held {
				continue
			}
			// Clear only if still exactly the dead reservation.
			err = f.store.Unreserve(id, res)
			switch {
			case err == nil:
				log.Infof("fate: reclaimed dead reservation on %v held by %v", id, res.LockID)
			case !errors.Is(err, ErrReserved):
				log.WithError(err).Warnf("fate: reclaim %v", id)
			}
		}
	}
}
