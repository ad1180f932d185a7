/*
Licensed to the Apache Software Foundation (ASF) under one
or more contributor license agreements.  See the NOTICE file
distributed with this work for additional information
regarding copyright ownership.  The ASF licenses this file
to you under the Apache License, Version 2.0 (the
"License"); you may not use this file except in compliance
with the License.  You may obtain a copy of the License at

  http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing,
software distributed under the License is distributed on an
"AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
KIND, either express or implied.  See the License for the
specific language governing permissions and limitations
under the License.
*/

// Package config loads broker and client configuration. The broker side
// loads TOML with a default-overlay pattern: decode onto a raw struct, then
// only overwrite defaults for keys the file actually set (toml.MetaData.IsDefined),
// so an absent key means "keep the compiled-in default" rather than "zero value".
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/domcleal/qpid/connection"
)

// BrokerConfig is the broker-wide runtime configuration: listener address,
// negotiated tunables and SASL mechanism policy.
type BrokerConfig struct {
	ListenAddr    string
	VirtualHost   string
	Tunables      connection.Tunables
	SASLMechanism []string
	LogLevel      string
}

// DefaultBrokerConfig returns the compiled-in baseline every TOML file
// overlays.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		ListenAddr:    "0.0.0.0:5672",
		VirtualHost:   "/",
		Tunables:      connection.DefaultTunables,
		SASLMechanism: []string{"ANONYMOUS", "PLAIN"},
		LogLevel:      "info",
	}
}

// brokerFileConfig maps config.toml keys onto BrokerConfig fields.
type brokerFileConfig struct {
	ListenAddr    string   `toml:"listen_addr"`
	VirtualHost   string   `toml:"virtual_host"`
	ChannelMax    int      `toml:"channel_max"`
	FrameMax      int      `toml:"frame_max"`
	HeartbeatSecs int      `toml:"heartbeat_secs"`
	SASLMechanism []string `toml:"sasl_mechanisms"`
	LogLevel      string   `toml:"log_level"`
}

// LoadBrokerConfig reads path as TOML and overlays it onto
// DefaultBrokerConfig, following the toml.DecodeFile + MetaData.IsDefined
// idiom above.
func LoadBrokerConfig(path string) (BrokerConfig, error) {
	cfg := DefaultBrokerConfig()

	var raw brokerFileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return BrokerConfig{}, fmt.Errorf("load broker config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("virtual_host") {
		cfg.VirtualHost = strings.TrimSpace(raw.VirtualHost)
	}
	if meta.IsDefined("channel_max") {
		cfg.Tunables.ChannelMax = uint16(raw.ChannelMax)
	}
	if meta.IsDefined("frame_max") {
		cfg.Tunables.FrameMax = uint32(raw.FrameMax)
	}
	if meta.IsDefined("heartbeat_secs") {
		cfg.Tunables.HeartbeatSec = uint16(raw.HeartbeatSecs)
	}
	if meta.IsDefined("sasl_mechanisms") {
		cfg.SASLMechanism = raw.SASLMechanism
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		return BrokerConfig{}, err
	}
	return cfg, nil
}

// Validate checks the loaded config for values the broker cannot start
// with, as a step separate from parsing.
func (c BrokerConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.Tunables.ChannelMax == 0 {
		return fmt.Errorf("channel_max must be positive")
	}
	if len(c.SASLMechanism) == 0 {
		return fmt.Errorf("at least one sasl mechanism must be configured")
	}
	return nil
}

// IdleSessionTimeout is always reported as 0 to clients regardless of
// configuration; kept here as a named constant rather than a config field
// so nothing can accidentally make it configurable.
const IdleSessionTimeout = 0 * time.Second
