// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// accadmin is the administrative command line: fate transaction
// inspection and repair, and the pre-upgrade check.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cfkoehler/accumulo/go/ac/config"
	"github.com/cfkoehler/accumulo/go/ac/fate"
	"github.com/cfkoehler/accumulo/go/ac/naming"
	"github.com/cfkoehler/accumulo/go/ac/upgrade"
	"github.com/cfkoehler/accumulo/go/zk"
)

const adminWait = 30 * time.Second

var (
	configPath string

	flagSummary  bool
	flagPrint    bool
	flagJSON     bool
	flagStatuses []string
	flagType     string
	flagCancel   bool
	flagFail     bool
	flagDelete   bool
)

type adminContext struct {
	conn   zk.Conn
	cfg    config.Config
	stores []fate.TStore
	lockID string
}

func connect() (*adminContext, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	conn, err := zk.Connect(cfg.ZKServers, cfg.ZKSessionTimeout())
	if err != nil {
		return nil, err
	}
	return &adminContext{
		conn: conn,
		cfg:  cfg,
		stores: []fate.TStore{
			fate.NewZooStore(conn, cfg.InstanceRoot),
			fate.NewUserZooStore(conn, cfg.InstanceRoot),
		},
		lockID: fmt.Sprintf("%s/locks/admin#%d", cfg.InstanceRoot, os.Getpid()),
	}, nil
}

func buildFilter(args []string) (fate.SummaryFilter, error) {
	var filter fate.SummaryFilter
	for _, s := range flagStatuses {
		filter.Statuses = append(filter.Statuses, fate.TxStatus(s))
	}
	switch flagType {
	case "":
	case "META":
		filter.Types = []naming.FateInstanceType{naming.FateMeta}
	case "USER":
		filter.Types = []naming.FateInstanceType{naming.FateUser}
	default:
		return filter, errors.Errorf("unknown store type %q, want META or USER", flagType)
	}
	for _, a := range args {
		id, err := naming.ParseFateID(a)
		if err != nil {
			return filter, err
		}
		filter.IDs = append(filter.IDs, id)
	}
	return filter, nil
}

func storeFor(ctx *adminContext, id naming.FateID) fate.TStore {
	for _, s := range ctx.stores {
		if s.InstanceType() == id.Type {
			return s
		}
	}
	return nil
}

func runFate(cmd *cobra.Command, args []string) error {
	ctx, err := connect()
	if err != nil {
		return err
	}
	defer ctx.conn.Close()

	if flagCancel || flagFail || flagDelete {
		return runFateRepair(ctx, args)
	}

	filter, err := buildFilter(args)
	if err != nil {
		return err
	}
	summaries, counts, err := fate.Summaries(ctx.stores, filter)
	if err != nil {
		return err
	}
	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(summaries)
	}
	table := tablewriter.NewWriter(os.Stdout)
	if flagPrint {
		table.SetHeader([]string{"ID", "Status", "Op", "Created", "Reserved", "Top Step", "Description"})
		for _, s := range summaries {
			created := ""
			if !s.Created.IsZero() {
				created = s.Created.Format(time.RFC3339)
			}
			table.Append([]string{s.ID, string(s.Status), s.OpName, created,
				fmt.Sprintf("%v", s.Reserved), s.Top, s.Description})
		}
		table.Render()
		return nil
	}
	table.SetHeader([]string{"Status", "Count"})
	for _, status := range []fate.TxStatus{fate.StatusNew, fate.StatusSubmitted, fate.StatusInProgress,
		fate.StatusFailedInProgress, fate.StatusFailed, fate.StatusSuccessful} {
		table.Append([]string{string(status), fmt.Sprintf("%d", counts[status])})
	}
	table.Render()
	return nil
}

func runFateRepair(ctx *adminContext, args []string) error {
	if len(args) == 0 {
		return errors.New("no fate ids given")
	}
	for _, a := range args {
		id, err := naming.ParseFateID(a)
		if err != nil {
			return err
		}
		store := storeFor(ctx, id)
		if store == nil {
			return errors.Errorf("no store for %v", id)
		}
		switch {
		case flagCancel:
			f := fate.New(nil, store, ctx.lockID, func(string) (bool, error) { return true, nil }, fate.Config{})
			err = f.Cancel(id)
		case flagFail:
			err = fate.Fail(store, id, ctx.lockID, adminWait)
		case flagDelete:
			err = fate.Delete(store, id, ctx.lockID, adminWait)
		}
		if errors.Is(err, fate.ErrBusy) {
			// Busy transactions are left alone; this is not a failure.
			fmt.Printf("could not modify %v in a reasonable time, it stayed reserved\n", id)
			continue
		}
		if err != nil {
			return err
		}
		fmt.Printf("%v done\n", id)
	}
	return nil
}

func runUpgradePrepare(cmd *cobra.Command, args []string) error {
	ctx, err := connect()
	if err != nil {
		return err
	}
	defer ctx.conn.Close()
	if err := upgrade.Prepare(ctx.conn, ctx.cfg.InstanceRoot, ctx.stores); err != nil {
		return err
	}
	fmt.Println("instance prepared for upgrade")
	return nil
}

func main() {
	root := &cobra.Command{Use: "accadmin", SilenceUsage: true}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the property bundle")

	fateCmd := &cobra.Command{
		Use:   "fate [fateId ...]",
		Short: "inspect and repair fate transactions",
		RunE:  runFate,
	}
	fateCmd.Flags().BoolVar(&flagSummary, "summary", false, "print per-status counts")
	fateCmd.Flags().BoolVar(&flagPrint, "print", false, "print one line per transaction")
	fateCmd.Flags().BoolVarP(&flagJSON, "json", "j", false, "emit json")
	fateCmd.Flags().StringSliceVarP(&flagStatuses, "status", "s", nil, "filter by status")
	fateCmd.Flags().StringVarP(&flagType, "type", "t", "", "filter by store: META or USER")
	fateCmd.Flags().BoolVar(&flagCancel, "cancel", false, "cancel NEW transactions")
	fateCmd.Flags().BoolVar(&flagFail, "fail", false, "force transactions onto the undo path")
	fateCmd.Flags().BoolVar(&flagDelete, "delete", false, "delete terminal transactions")
	root.AddCommand(fateCmd)

	upgradeCmd := &cobra.Command{Use: "upgrade", Short: "upgrade helpers"}
	upgradeCmd.Flags().Bool("prepare", false, "mark the instance ready for upgrade")
	upgradeCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if ok, _ := cmd.Flags().GetBool("prepare"); ok {
			return runUpgradePrepare(cmd, args)
		}
		return cmd.Help()
	}
	root.AddCommand(upgradeCmd)

	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
