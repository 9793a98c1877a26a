// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the server property bundle. Values mirror the
// per-table and system properties stored under /config and
// /tables/<tid>/conf; the file is the bootstrap copy a process reads
// before it can reach the coordination service.
package config

import (
	"encoding/json"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	InstanceRoot string   `mapstructure:"instance_root" json:"instance_root"`
	ZKServers    []string `mapstructure:"zk_servers" json:"zk_servers"`
	ZKTimeout    float64  `mapstructure:"zk_timeout_secs" json:"zk_timeout_secs"`

	WalDir     string  `mapstructure:"wal_dir" json:"wal_dir"`
	WalMaxSize int64   `mapstructure:"wal_max_size" json:"wal_max_size"`
	WalMaxAge  float64 `mapstructure:"wal_max_age_secs" json:"wal_max_age_secs"`

	BulkMaxTabletFiles int `mapstructure:"table_bulk_max_tablet_files" json:"table_bulk_max_tablet_files"`
	BulkMaxTablets     int `mapstructure:"table_bulk_max_tablets" json:"table_bulk_max_tablets"`
	TableFilePause     int `mapstructure:"table_file_pause" json:"table_file_pause"`

	SuspendDuration float64 `mapstructure:"table_suspend_duration_secs" json:"table_suspend_duration_secs"`

	FateWorkers        int     `mapstructure:"fate_workers" json:"fate_workers"`
	SessionTTL         float64 `mapstructure:"session_ttl_secs" json:"session_ttl_secs"`
	ConditionalTimeout float64 `mapstructure:"conditional_timeout_secs" json:"conditional_timeout_secs"`
}

func secs(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func (c Config) ZKSessionTimeout() time.Duration { return secs(c.ZKTimeout) }
func (c Config) WalMaxAgeDuration() time.Duration {
	return secs(c.WalMaxAge)
}
func (c Config) SuspendDurationD() time.Duration   { return secs(c.SuspendDuration) }
func (c Config) SessionTTLDuration() time.Duration { return secs(c.SessionTTL) }

func (c Config) String() string {
	data, err := json.MarshalIndent(c, "", " ")
	if err != nil {
		return err.Error()
	}
	return string(data)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instance_root", "/accumulo/default")
	v.SetDefault("zk_servers", []string{"localhost:2181"})
	v.SetDefault("zk_timeout_secs", 30.0)
	v.SetDefault("wal_dir", "/var/lib/accumulo/wal")
	v.SetDefault("wal_max_size", int64(1<<30))
	v.SetDefault("wal_max_age_secs", 86400.0)
	v.SetDefault("table_bulk_max_tablet_files", 100)
	v.SetDefault("table_bulk_max_tablets", 100)
	v.SetDefault("table_file_pause", 30)
	v.SetDefault("table_suspend_duration_secs", 300.0)
	v.SetDefault("fate_workers", 4)
	v.SetDefault("session_ttl_secs", 60.0)
	v.SetDefault("conditional_timeout_secs", 120.0)
}

// Load reads the bundle from path; an empty path yields defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}
