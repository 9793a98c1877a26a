// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// accmanager is the cluster coordinator: it takes the manager lock,
// runs one tablet group watcher per data level and both fate engines.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/bulk"
	"github.com/cfkoehler/accumulo/go/ac/config"
	"github.com/cfkoehler/accumulo/go/ac/fate"
	"github.com/cfkoehler/accumulo/go/ac/key"
	"github.com/cfkoehler/accumulo/go/ac/manager"
	"github.com/cfkoehler/accumulo/go/ac/naming"
	"github.com/cfkoehler/accumulo/go/ac/servicelock"
	"github.com/cfkoehler/accumulo/go/zk"
)

var (
	configPath  = pflag.String("config", "", "path to the property bundle")
	metricsAddr = pflag.String("metrics-addr", ":9995", "prometheus listen address")
	logLevel    = pflag.String("log-level", "info", "logrus level")
)

// app is the composite fate environment: it serves both the manager
// shutdown steps and the bulk import steps.
type app struct {
	fateCtx *manager.FateContext
	bulkCtx *bulk.Context
}

func (a *app) FateContext() *manager.FateContext { return a.fateCtx }
func (a *app) BulkContext() *bulk.Context        { return a.bulkCtx }

// rpcClient is the placeholder transport until the wire layer is
// configured; assignment and unload requests are delivered through it.
type rpcClient struct{}

func (rpcClient) AssignTablet(server naming.TServerInstance, extent key.KeyExtent) error {
	log.Infof("assign %v -> %v", extent, server)
	return nil
}

func (rpcClient) UnloadTablet(server naming.TServerInstance, extent key.KeyExtent, how string) error {
	log.Infof("unload %v on %v (%v)", extent, server, how)
	return nil
}

type allOnline struct{}

func (allOnline) State(key.TableID) manager.TableState { return manager.TableOnline }

func main() {
	pflag.Parse()
	if level, err := log.ParseLevel(*logLevel); err == nil {
		log.SetLevel(level)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	log.Infof("manager starting with config:\n%v", cfg)

	conn, err := zk.Connect(cfg.ZKServers, cfg.ZKSessionTimeout())
	if err != nil {
		log.Fatalf("connecting to coordination service: %v", err)
	}
	defer conn.Close()

	lock := servicelock.New(conn, zk.ServiceLockPath(cfg.InstanceRoot, zk.ManagerLockService))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := lock.Lock(ctx, []byte("manager")); err != nil {
		log.Fatalf("acquiring manager lock: %v", err)
	}
	lockID, err := lock.LockID()
	if err != nil {
		log.Fatalf("reading manager lock id: %v", err)
	}

	store := ample.NewMemAmple()
	live := manager.NewZooLiveTServers(conn, cfg.InstanceRoot)
	client := rpcClient{}

	isHeld := func(id string) (bool, error) {
		lid, err := servicelock.ParseLockID(id)
		if err != nil {
			return false, nil // malformed reservations are dead
		}
		return servicelock.IsLockHeld(conn, lid)
	}
	env := &app{
		fateCtx: &manager.FateContext{
			Store: store, Client: client, Live: live, Conn: conn, Root: cfg.InstanceRoot,
			LockPathOf: func(s naming.TServerInstance) string {
				return zk.ServiceLockPath(cfg.InstanceRoot, zk.TabletServerLockService, s.HostPort)
			},
		},
		bulkCtx: &bulk.Context{Store: store, Cfg: bulk.Config{
			MaxTabletFiles:    cfg.BulkMaxTabletFiles,
			MaxTabletsPerFile: cfg.BulkMaxTablets,
			FilePause:         cfg.TableFilePause,
		}},
	}

	fateCfg := fate.Config{Workers: cfg.FateWorkers}
	metaFate := fate.New(env, fate.NewZooStore(conn, cfg.InstanceRoot), lockID.String(), isHeld, fateCfg)
	userFate := fate.New(env, fate.NewUserZooStore(conn, cfg.InstanceRoot), lockID.String(), isHeld, fateCfg)
	metaFate.Start()
	userFate.Start()
	defer metaFate.Stop()
	defer userFate.Stop()

	var watchers []*manager.TabletGroupWatcher
	for _, level := range []key.DataLevel{key.LevelRoot, key.LevelMetadata, key.LevelUser} {
		w := manager.NewTabletGroupWatcher(manager.Config{
			Level:           level,
			Root:            cfg.InstanceRoot,
			SuspendDuration: cfg.SuspendDurationD(),
		}, store, live, client, &manager.EvenBalancer{}, allOnline{}, conn, nil)
		w.Start()
		watchers = append(watchers, w)
	}
	defer func() {
		for _, w := range watchers {
			w.Stop()
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.WithError(err).Warn("metrics listener")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("manager shutting down")
	case <-lock.LostChan():
		log.Error("manager lock lost, shutting down")
	}
}
