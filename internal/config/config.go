// Package config loads the RAC_* environment variables (spec §6) and the
// tunable constants of spec §4 into a single Config, in the spirit of the
// teacher's package-level tunable var blocks (consensus/scope.go) but
// collected into one struct that is loaded once and threaded explicitly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable named in spec.md, with the defaults it names.
type Config struct {
	NodeID    uint32
	BindAddr  string
	AdminAddr string
	Peers     []string
	DataDir   string

	HeartbeatInterval time.Duration // T_hb, default 1s
	SuspectAfter      time.Duration // T_suspect, default 3*T_hb
	FailAfter         time.Duration // T_fail, default 5*T_hb

	RemasterEnabled bool
	RemasterPeriod  time.Duration // T_remaster, default 30s
	SkewThreshold   float64       // R_skew, default 0.7
	SkewMinRate     float64       // R_min, default 100/s

	DeadlockDetectPeriod time.Duration // T_dd, default 1s
	MaxSharedBatch       int           // max_shared_batch, default 8

	MultiShardMax   int // S_multi, default 5
	BroadcastMaxRows int // B_broadcast, default 1000
	TaskMaxRetries  int // R_task, default 3
	YieldEveryRows  int // Y_rows, default 10000

	RecoveryPiTimeout time.Duration // time a recoverer waits for survivors' replies to one PI query, default 2s
}

// Default returns a Config with every spec-named default applied.
func Default() *Config {
	hb := 1 * time.Second
	return &Config{
		NodeID:               0,
		BindAddr:             "127.0.0.1:7700",
		AdminAddr:            "127.0.0.1:7701",
		Peers:                nil,
		DataDir:              "./data",
		HeartbeatInterval:    hb,
		SuspectAfter:         3 * hb,
		FailAfter:            5 * hb,
		RemasterEnabled:      true,
		RemasterPeriod:       30 * time.Second,
		SkewThreshold:        0.7,
		SkewMinRate:          100,
		DeadlockDetectPeriod: 1 * time.Second,
		MaxSharedBatch:       8,
		MultiShardMax:        5,
		BroadcastMaxRows:     1000,
		TaskMaxRetries:       3,
		YieldEveryRows:       10000,
		RecoveryPiTimeout:    2 * time.Second,
	}
}

// FromEnv loads Config from the process environment, falling back to
// Default() for anything unset. RAC_NODE_ID is required.
func FromEnv() (*Config, error) {
	cfg := Default()

	nodeID, ok := os.LookupEnv("RAC_NODE_ID")
	if !ok {
		return nil, fmt.Errorf("RAC_NODE_ID is required")
	}
	n, err := strconv.ParseUint(nodeID, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("RAC_NODE_ID: %w", err)
	}
	cfg.NodeID = uint32(n)

	if v, ok := os.LookupEnv("RAC_BIND_ADDR"); ok {
		cfg.BindAddr = v
	}
	if v, ok := os.LookupEnv("RAC_ADMIN_ADDR"); ok {
		cfg.AdminAddr = v
	}
	if v, ok := os.LookupEnv("RAC_PEERS"); ok && v != "" {
		cfg.Peers = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv("RAC_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("RAC_HB_INTERVAL_MS"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("RAC_HB_INTERVAL_MS: %w", err)
		}
		cfg.HeartbeatInterval = time.Duration(ms) * time.Millisecond
		cfg.SuspectAfter = 3 * cfg.HeartbeatInterval
		cfg.FailAfter = 5 * cfg.HeartbeatInterval
	}
	if v, ok := os.LookupEnv("RAC_T_FAIL_MS"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("RAC_T_FAIL_MS: %w", err)
		}
		cfg.FailAfter = time.Duration(ms) * time.Millisecond
	}
	if v, ok := os.LookupEnv("RAC_REMASTER_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("RAC_REMASTER_ENABLED: %w", err)
		}
		cfg.RemasterEnabled = b
	}

	return cfg, nil
}
