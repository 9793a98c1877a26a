// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manager

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/concurrency"
	"github.com/cfkoehler/accumulo/go/ac/key"
	"github.com/cfkoehler/accumulo/go/ac/naming"
	"github.com/cfkoehler/accumulo/go/ac/wal"
	"github.com/cfkoehler/accumulo/go/zk"
)

var (
	watcherScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "manager_watcher_scans_total",
		Help: "Tablet group watcher scans by level and kind.",
	}, []string{"level", "kind"})
	watcherScanSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "manager_watcher_scan_seconds",
		Help: "Tablet group watcher scan durations.",
	}, []string{"level"})
)

// Config sizes one watcher.
type Config struct {
	Level               key.DataLevel
	Root                string // coordination service instance root
	SuspendDuration     time.Duration
	MaxTServerWorkChunk int
	VolumeBatchLimit    int
	ScanInterval        time.Duration
	EventQueueLimit     int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxTServerWorkChunk <= 0 {
		out.MaxTServerWorkChunk = 100
	}
	if out.VolumeBatchLimit <= 0 {
		out.VolumeBatchLimit = 1000
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = 5 * time.Second
	}
	if out.SuspendDuration <= 0 {
		out.SuspendDuration = 5 * time.Minute
	}
	return out
}

// TabletGroupWatcher drives every tablet of one data level toward its
// goal state. A full scan loop interleaves with an event-driven
// partial scan loop; flushChanges serializes the two because the
// balancer and the dead-log handling are not thread safe.
type TabletGroupWatcher struct {
	cfg         Config
	store       ample.Ample
	live        LiveTServers
	client      TServerClient
	balancer    Balancer
	tableStates TableStateSource
	conn        zk.Conn
	volumes     *VolumeReplacer // nil when no replacement configured

	events    *eventQueue
	flushLock sync.Mutex

	hostingMu       sync.Mutex
	hostingRequests map[string]bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewTabletGroupWatcher(cfg Config, store ample.Ample, live LiveTServers, client TServerClient,
	balancer Balancer, tableStates TableStateSource, conn zk.Conn, volumes *VolumeReplacer) *TabletGroupWatcher {
	c := cfg.withDefaults()
	return &TabletGroupWatcher{
		cfg:             c,
		store:           store,
		live:            live,
		client:          client,
		balancer:        balancer,
		tableStates:     tableStates,
		conn:            conn,
		volumes:         volumes,
		events:          newEventQueue(c.EventQueueLimit),
		hostingRequests: make(map[string]bool),
		stop:            make(chan struct{}),
	}
}

// Offer feeds the event-driven partial scan.
func (w *TabletGroupWatcher) Offer(ev RangeEvent) {
	w.events.Offer(ev)
}

func (w *TabletGroupWatcher) Start() {
	w.wg.Add(2)
	go w.fullScanLoop()
	go w.partialScanLoop()
}

func (w *TabletGroupWatcher) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *TabletGroupWatcher) fullScanLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}
		w.FullScan()
	}
}

func (w *TabletGroupWatcher) partialScanLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case <-w.events.Wait():
		}
		ranges, fullNeeded := w.events.Drain()
		if fullNeeded {
			w.FullScan()
			continue
		}
		if len(ranges) > 0 {
			w.ProcessRanges(ranges)
		}
	}
}

// FullScan examines every tablet of the level once.
func (w *TabletGroupWatcher) FullScan() {
	watcherScans.WithLabelValues(w.cfg.Level.String(), "full").Inc()
	start := time.Now()
	iter := w.store.ReadTablets().ForLevel(w.cfg.Level).Build()
	w.scan(iter)
	watcherScanSeconds.WithLabelValues(w.cfg.Level.String()).Observe(time.Since(start).Seconds())
}

// ProcessRanges runs the same core routine over a filtered iterator.
func (w *TabletGroupWatcher) ProcessRanges(ranges []RangeEvent) {
	watcherScans.WithLabelValues(w.cfg.Level.String(), "partial").Inc()
	for _, r := range ranges {
		iter := w.store.ReadTablets().ForTable(key.TableID(r.Table)).Overlapping(r.Start, r.End).Build()
		w.scan(iter)
	}
}

// scanBatch accumulates the actions of one scan until flushed.
type scanBatch struct {
	assignments []pendingAssignment
	reminders   []*ample.TabletMetadata
	dead        []*ample.TabletMetadata
	unsuspend   []*ample.TabletMetadata
	unloads     []unload
	volReplace  []*ample.TabletMetadata
}

type pendingAssignment struct {
	tm     *ample.TabletMetadata
	pinned *naming.TServerInstance // migration or returning suspended owner
}

type unload struct {
	tm  *ample.TabletMetadata
	how string
}

func (b *scanBatch) workCount() int {
	return len(b.assignments) + len(b.dead) + len(b.unloads) + len(b.unsuspend)
}

func (w *TabletGroupWatcher) scan(iter *ample.TabletsIter) {
	live := w.live.Snapshot()
	batch := &scanBatch{}
	for tm := iter.Next(); tm != nil; tm = iter.Next() {
		w.examineTablet(tm, &live, batch)
		if batch.workCount() > w.cfg.MaxTServerWorkChunk*max(1, len(live)) ||
			len(batch.volReplace) > w.cfg.VolumeBatchLimit {
			w.flushChanges(batch)
			batch = &scanBatch{}
		}
	}
	w.flushChanges(batch)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (w *TabletGroupWatcher) examineTablet(tm *ample.TabletMetadata, live *map[naming.TServerInstance]bool, batch *scanBatch) {
	tableState := w.tableStates.State(tm.Extent.Table)
	if tableState == TableUnknown {
		return
	}
	if tm.FutureAndCurrent {
		// Hard anomaly; diagnose, never act.
		log.Errorf("manager: tablet %v has both current and future locations, skipping", tm.Extent)
		return
	}

	state := ample.ComputeState(tm, *live)
	if state == ample.StateAssignedToDeadServer {
		// A concurrent partial scan may have hosted this tablet on a
		// server this thread has not observed yet; recompute once
		// against the freshest snapshot before declaring it dead.
		*live = w.live.Snapshot()
		state = ample.ComputeState(tm, *live)
	}

	goal := ComputeGoal(tm, state, GoalParams{
		TableState:        tableState,
		SuspendDuration:   w.cfg.SuspendDuration,
		SuspensionAllowed: w.cfg.Level != key.LevelRoot,
	})

	if w.volumes != nil && w.volumes.NeedsReplacement(tm) &&
		(state == ample.StateUnassigned || state == ample.StateSuspended) && tm.OpID == nil {
		batch.volReplace = append(batch.volReplace, tm)
	}

	if goal == GoalHosted {
		switch state {
		case ample.StateUnassigned:
			if tm.OpID != nil {
				return // never assign a tablet under an operation
			}
			batch.assignments = append(batch.assignments, pendingAssignment{tm: tm, pinned: tm.Migration})
		case ample.StateAssigned:
			batch.reminders = append(batch.reminders, tm)
		case ample.StateAssignedToDeadServer:
			batch.dead = append(batch.dead, tm)
		case ample.StateSuspended:
			if (*live)[tm.Suspend.Server] && SuspensionStillFresh(tm.Suspend, w.cfg.SuspendDuration) {
				server := tm.Suspend.Server
				batch.assignments = append(batch.assignments, pendingAssignment{tm: tm, pinned: &server})
			} else {
				batch.unsuspend = append(batch.unsuspend, tm)
			}
		case ample.StateHosted:
			// no-op
		}
		return
	}

	switch state {
	case ample.StateHosted:
		batch.unloads = append(batch.unloads, unload{tm: tm, how: goal.HowUnload()})
	case ample.StateSuspended:
		batch.unsuspend = append(batch.unsuspend, tm)
	case ample.StateAssignedToDeadServer:
		batch.dead = append(batch.dead, tm)
	}
}

// flushChanges applies a batch under the single-instance lock.
func (w *TabletGroupWatcher) flushChanges(batch *scanBatch) {
	if batch.workCount() == 0 && len(batch.reminders) == 0 && len(batch.volReplace) == 0 {
		return
	}
	w.flushLock.Lock()
	defer w.flushLock.Unlock()

	// One bad tablet must not stall the scan: errors aggregate and the
	// flush keeps going.
	rec := &concurrency.AllErrorRecorder{}
	w.handleDead(batch.dead)
	w.handleUnsuspend(batch.unsuspend)
	w.handleAssignments(batch.assignments)
	for _, tm := range batch.reminders {
		rec.RecordError(w.client.AssignTablet(tm.Location.Server, tm.Extent))
	}
	for _, u := range batch.unloads {
		rec.RecordError(w.client.UnloadTablet(u.tm.Location.Server, u.tm.Extent, u.how))
	}
	if w.volumes != nil {
		for _, tm := range batch.volReplace {
			rec.RecordError(w.volumes.Replace(w.store, tm))
		}
	}
	if rec.HasErrors() {
		log.WithError(rec.Error()).Warn("manager: errors while flushing changes")
	}
}

// handleDead unassigns or suspends tablets whose server died and
// closes the dead servers' logs so recovery can proceed.
func (w *TabletGroupWatcher) handleDead(dead []*ample.TabletMetadata) {
	if len(dead) == 0 {
		return
	}
	suspendable := w.cfg.Level != key.LevelRoot
	mutator := w.store.ConditionallyMutateTablets()
	deadServers := make(map[string]bool)
	for _, tm := range dead {
		if tm.Location == nil {
			continue
		}
		deadServers[tm.Location.Server.HostPort] = true
		m := mutator.MutateTablet(tm.Extent).
			RequireAbsentOperation().
			RequireLocation(*tm.Location).
			DeleteLocation(tm.Location.Type).
			PutLocation(ample.Location{Type: ample.LocationLast, Server: tm.Location.Server})
		if suspendable && tm.Location.Type == ample.LocationCurrent {
			m.PutSuspension(ample.Suspension{Server: tm.Location.Server, Time: time.Now()})
		}
		m.Submit(func(r *ample.TabletMetadata) bool { return r.Location == nil }, "dead server unassign")
	}
	for row, res := range mutator.Process() {
		if res.Status != ample.StatusAccepted {
			log.Warnf("manager: dead-server unassign of %v: %v", row, res.Status)
		}
	}
	// One bad server must not stop log closure for the rest.
	for server := range deadServers {
		if w.conn == nil {
			continue
		}
		if err := wal.CloseMarkersForServer(w.conn, w.cfg.Root, server); err != nil {
			log.WithError(err).Warnf("manager: closing wals of dead server %v", server)
		}
	}
}

func (w *TabletGroupWatcher) handleUnsuspend(tms []*ample.TabletMetadata) {
	if len(tms) == 0 {
		return
	}
	mutator := w.store.ConditionallyMutateTablets()
	for _, tm := range tms {
		mutator.MutateTablet(tm.Extent).
			RequireAbsentOperation().
			RequireSame(tm, ample.ColSuspend).
			DeleteSuspension().
			Submit(func(r *ample.TabletMetadata) bool { return r.Suspend == nil }, "clear suspension")
	}
	for row, res := range mutator.Process() {
		if res.Status != ample.StatusAccepted {
			log.Debugf("manager: clear suspension of %v: %v", row, res.Status)
		}
	}
}

// handleAssignments consults the balancer, writes future locations
// and sends assignment RPCs.
func (w *TabletGroupWatcher) handleAssignments(assignments []pendingAssignment) {
	if len(assignments) == 0 {
		return
	}
	candidates := w.sortedLive()
	if len(candidates) == 0 {
		log.Warn("manager: no live tablet servers for assignment")
		return
	}

	type chosen struct {
		tm   *ample.TabletMetadata
		dest naming.TServerInstance
	}
	var picks []chosen
	mutator := w.store.ConditionallyMutateTablets()
	for _, a := range assignments {
		dest, ok := w.pick(a, candidates)
		if !ok {
			continue
		}
		loc := ample.Location{Type: ample.LocationFuture, Server: dest}
		mutator.MutateTablet(a.tm.Extent).
			RequireAbsentOperation().
			RequireAbsentLocation().
			PutLocation(loc).
			DeleteSuspension().
			Submit(func(r *ample.TabletMetadata) bool {
				return r.Location != nil && *r.Location == loc
			}, "set future location")
		picks = append(picks, chosen{tm: a.tm, dest: dest})
	}
	results := mutator.Process()
	for _, p := range picks {
		res := results[p.tm.Extent.MetaRow()]
		if res == nil || res.Status != ample.StatusAccepted {
			continue // somebody else acted on the tablet
		}
		if err := w.client.AssignTablet(p.dest, p.tm.Extent); err != nil {
			log.WithError(err).Warnf("manager: assign rpc for %v to %v", p.tm.Extent, p.dest)
		}
	}
}

func (w *TabletGroupWatcher) pick(a pendingAssignment, candidates []naming.TServerInstance) (naming.TServerInstance, bool) {
	if a.pinned != nil {
		for _, c := range candidates {
			if c == *a.pinned {
				return c, true
			}
		}
	}
	return w.balancer.Assign(a.tm.Extent, candidates, a.tm.Last)
}

func (w *TabletGroupWatcher) sortedLive() []naming.TServerInstance {
	snap := w.live.Snapshot()
	out := make([]naming.TServerInstance, 0, len(snap))
	for s := range snap {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
