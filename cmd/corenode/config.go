package main

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the TOML configuration for one corenode process: its own
// identity, its peers' locator-resolvable addresses, and the Raft timing
// knobs (spec §5 "Resource budgets", exposed here instead of hardcoded so
// an operator can tune them per deployment).
type Config struct {
	NodeID   string         `toml:"node_id"`
	Listen   string         `toml:"listen"`
	LogLevel string         `toml:"log_level"`
	Peers    []PeerConfig   `toml:"peer"`
	Raft     RaftTuning     `toml:"raft"`
}

type PeerConfig struct {
	ID   string `toml:"id"`
	Host string `toml:"host"`
	Port uint16 `toml:"port"`
}

type RaftTuning struct {
	ElectionTimeoutMS   int    `toml:"election_timeout_ms"`
	HeartbeatTimeoutMS  int    `toml:"heartbeat_timeout_ms"`
	MessageSize         int    `toml:"message_size"`
	SnapshotThreshold   uint64 `toml:"snapshot_threshold"`
	ReconnectIntervalMS int    `toml:"reconnect_interval_ms"`
}

func (r RaftTuning) electionTimeout() time.Duration {
	if r.ElectionTimeoutMS == 0 {
		return 0
	}
	return time.Duration(r.ElectionTimeoutMS) * time.Millisecond
}

func (r RaftTuning) heartbeatTimeout() time.Duration {
	if r.HeartbeatTimeoutMS == 0 {
		return 0
	}
	return time.Duration(r.HeartbeatTimeoutMS) * time.Millisecond
}

func (r RaftTuning) reconnectInterval() time.Duration {
	if r.ReconnectIntervalMS == 0 {
		return 0
	}
	return time.Duration(r.ReconnectIntervalMS) * time.Millisecond
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if cfg.NodeID == "" {
		return Config{}, errors.New("config: node_id is required")
	}
	if cfg.Listen == "" {
		return Config{}, errors.New("config: listen is required")
	}
	return cfg, nil
}
