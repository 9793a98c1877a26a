// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// acctablet is the tablet server: it takes its service lock, runs the
// WAL pipeline and serves the write paths.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/cfkoehler/accumulo/go/ac/ample"
	"github.com/cfkoehler/accumulo/go/ac/config"
	"github.com/cfkoehler/accumulo/go/ac/key"
	"github.com/cfkoehler/accumulo/go/ac/servicelock"
	"github.com/cfkoehler/accumulo/go/ac/tabletserver"
	"github.com/cfkoehler/accumulo/go/ac/wal"
	"github.com/cfkoehler/accumulo/go/zk"
)

var (
	configPath  = pflag.String("config", "", "path to the property bundle")
	hostPort    = pflag.String("address", "localhost:9997", "advertised address")
	metricsAddr = pflag.String("metrics-addr", ":9996", "prometheus listen address")
	logLevel    = pflag.String("log-level", "info", "logrus level")
)

// metadataWriter publishes log -> tablet associations through ample.
type metadataWriter struct {
	store ample.Ample
}

func (mw *metadataWriter) AddLogEntry(extent key.KeyExtent, le ample.LogEntry) error {
	mutator := mw.store.ConditionallyMutateTablets()
	mutator.MutateTablet(extent).
		RequireAbsentOperation().
		PutWal(le).
		Submit(nil, "add log entry")
	res := mutator.Process()[extent.MetaRow()]
	if res.Status == ample.StatusRejected {
		log.Warnf("log entry for %v rejected", extent)
	}
	return nil
}

func main() {
	pflag.Parse()
	if level, err := log.ParseLevel(*logLevel); err == nil {
		log.SetLevel(level)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	conn, err := zk.Connect(cfg.ZKServers, cfg.ZKSessionTimeout())
	if err != nil {
		log.Fatalf("connecting to coordination service: %v", err)
	}
	defer conn.Close()

	lockPath := zk.ServiceLockPath(cfg.InstanceRoot, zk.TabletServerLockService, *hostPort)
	lock := servicelock.New(conn, lockPath)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := lock.Lock(ctx, []byte(*hostPort)); err != nil {
		log.Fatalf("acquiring tablet server lock: %v", err)
	}

	maker := wal.NewNextLogMaker(conn, cfg.InstanceRoot, *hostPort, cfg.WalDir)
	maker.Start()
	defer maker.Stop()

	store := ample.NewMemAmple()
	logger := wal.NewTabletServerLogger(wal.Config{
		Dir:     cfg.WalDir,
		Server:  *hostPort,
		MaxSize: cfg.WalMaxSize,
		MaxAge:  cfg.WalMaxAgeDuration(),
	}, maker, &metadataWriter{store: store},
		lock.VerifyLockAtSource,
		func(reason string) {
			// A server that lost its lock must not acknowledge writes.
			log.Errorf("halting: %v", reason)
			os.Exit(3)
		})
	if err := logger.Open(); err != nil {
		log.Fatalf("opening first wal: %v", err)
	}
	defer logger.Close()

	sessions := tabletserver.NewSessionManager(cfg.SessionTTLDuration())
	server := tabletserver.NewTabletServer(logger, sessions, 4)
	_ = server // no RPC surface is served here, so no tablet is loaded

	go func() {
		for {
			time.Sleep(cfg.SessionTTLDuration() / 4)
			sessions.ExpireIdle()
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.WithError(err).Warn("metrics listener")
		}
	}()

	log.Infof("tablet server %v serving", *hostPort)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("tablet server shutting down")
	case <-lock.LostChan():
		log.Error("tablet server lock lost, halting")
		os.Exit(3)
	}
}
