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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/domcleal/qpid/amqperr"
	"github.com/domcleal/qpid/reconnect"
)

func writeClientConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadClientConfigAppliesFullOptionSet(t *testing.T) {
	path := writeClientConfig(t, `
brokers:
  - scheme: amqp
    host: broker1.example
    port: 5672
username: alice
password: secret
sasl_mechanisms: [PLAIN, ANONYMOUS]
sasl_service: qpid
sasl_min_ssf: 1
sasl_max_ssf: 256
heartbeat_secs: 30
tcp_nodelay: true
locale: en_US
max_channels: 128
max_frame_size: 32768
bounds: 4
transport: websocket
ssl_cert_name: broker.example
reconnect:
  backoff_base: 2s
  backoff_max: 1m
  max_attempts: 5
  timeout_secs: 10
  urls_replace: true
  on_limit_exceeded: true
`)

	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if len(cfg.Warnings) != 0 {
		t.Fatalf("expected no warnings for a fully recognised config, got %v", cfg.Warnings)
	}
	if cfg.Username != "alice" || cfg.Password != "secret" {
		t.Fatalf("expected username/password to be loaded, got %+v", cfg)
	}
	if len(cfg.SASLMechanism) != 2 || cfg.SASLMechanism[0] != "PLAIN" {
		t.Fatalf("expected sasl_mechanisms loaded, got %v", cfg.SASLMechanism)
	}
	if cfg.SASLMinSSF != 1 || cfg.SASLMaxSSF != 256 {
		t.Fatalf("expected sasl ssf bounds loaded, got %+v", cfg)
	}
	if cfg.HeartbeatSecs != 30 || !cfg.TCPNoDelay || cfg.Locale != "en_US" {
		t.Fatalf("expected tunables loaded, got %+v", cfg)
	}
	if cfg.MaxChannels != 128 || cfg.MaxFrameSize != 32768 || cfg.Bounds != 4 {
		t.Fatalf("expected channel/frame/bounds tunables loaded, got %+v", cfg)
	}
	if cfg.Transport != "websocket" || cfg.SSLCertName != "broker.example" {
		t.Fatalf("expected transport options loaded, got %+v", cfg)
	}
	if !cfg.Reconnect.URLsReplace || !cfg.Reconnect.OnLimitExceeded || cfg.Reconnect.TimeoutSecs != 10 {
		t.Fatalf("expected reconnect options loaded, got %+v", cfg.Reconnect)
	}
}

func TestLoadClientConfigWarnsOnUnknownOptionButSucceeds(t *testing.T) {
	path := writeClientConfig(t, `
brokers:
  - scheme: amqp
    host: broker1.example
    port: 5672
totally_made_up_option: true
`)

	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("expected LoadClientConfig to fail open on an unknown option, got error: %v", err)
	}
	if len(cfg.Warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %v", cfg.Warnings)
	}
	var invalid *amqperr.InvalidOption
	if !errors.As(cfg.Warnings[0], &invalid) {
		t.Fatalf("expected an *amqperr.InvalidOption warning, got %T", cfg.Warnings[0])
	}
	if invalid.Option != "totally_made_up_option" {
		t.Fatalf("expected the warning to name the unknown option, got %q", invalid.Option)
	}
	// The rest of the file should still load onto the defaults.
	if len(cfg.Brokers) != 1 || cfg.Brokers[0].Host != "broker1.example" {
		t.Fatalf("expected brokers to load despite the unknown option, got %+v", cfg.Brokers)
	}
	if cfg.Transport != "tcp" {
		t.Fatalf("expected the compiled-in default transport to survive, got %q", cfg.Transport)
	}
}

func TestDialTransportRejectsUnknownTransport(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.Transport = "carrier-pigeon"

	url := reconnect.URL{Scheme: "amqp", Host: "broker1.example", Port: 5672}
	_, err := cfg.DialTransport(nil, url, nil, nil)
	var invalid *amqperr.InvalidOption
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *amqperr.InvalidOption for an unrecognised transport, got %v", err)
	}
}
