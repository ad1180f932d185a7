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
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/domcleal/qpid/amqperr"
	"github.com/domcleal/qpid/connection"
	"github.com/domcleal/qpid/reconnect"
	"github.com/domcleal/qpid/transport"
)

// ClientConfig describes a client's broker URL set, authentication,
// negotiated tunables, reconnect policy and wire transport, laid out as
// one nested struct per concern.
type ClientConfig struct {
	Brokers []struct {
		Scheme string `yaml:"scheme"`
		Host   string `yaml:"host"`
		Port   int    `yaml:"port"`
	} `yaml:"brokers"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	SASLMechanism []string `yaml:"sasl_mechanisms"`
	SASLService   string   `yaml:"sasl_service"`
	SASLMinSSF    int      `yaml:"sasl_min_ssf"`
	SASLMaxSSF    int      `yaml:"sasl_max_ssf"`

	HeartbeatSecs int    `yaml:"heartbeat_secs"`
	TCPNoDelay    bool   `yaml:"tcp_nodelay"`
	Locale        string `yaml:"locale"`
	MaxChannels   int    `yaml:"max_channels"`
	MaxFrameSize  int    `yaml:"max_frame_size"`
	Bounds        int    `yaml:"bounds"`

	// Transport selects the wire carrier: "tcp" (default) or "websocket".
	Transport   string `yaml:"transport"`
	SSLCertName string `yaml:"ssl_cert_name"`

	Reconnect struct {
		BackoffBase     string `yaml:"backoff_base"`
		BackoffMax      string `yaml:"backoff_max"`
		MaxAttempts     int    `yaml:"max_attempts"`
		TimeoutSecs     int    `yaml:"timeout_secs"`
		URLsReplace     bool   `yaml:"urls_replace"`
		OnLimitExceeded bool   `yaml:"on_limit_exceeded"`
	} `yaml:"reconnect"`

	// Warnings collects an *amqperr.InvalidOption per unrecognised
	// top-level key found while loading. Loading still succeeds: an
	// unknown option fails open rather than aborting the client.
	Warnings []error `yaml:"-"`
}

// knownClientOptions is the top-level key set LoadClientConfig accepts
// without warning; everything else becomes an amqperr.InvalidOption.
var knownClientOptions = map[string]bool{
	"brokers":         true,
	"username":        true,
	"password":        true,
	"sasl_mechanisms": true,
	"sasl_service":    true,
	"sasl_min_ssf":    true,
	"sasl_max_ssf":    true,
	"heartbeat_secs":  true,
	"tcp_nodelay":     true,
	"locale":          true,
	"max_channels":    true,
	"max_frame_size":  true,
	"bounds":          true,
	"transport":       true,
	"ssl_cert_name":   true,
	"reconnect":       true,
}

// DefaultClientConfig returns the compiled-in baseline every YAML file
// overlays.
func DefaultClientConfig() *ClientConfig {
	c := &ClientConfig{}
	c.SASLMechanism = []string{"ANONYMOUS"}
	c.HeartbeatSecs = 60
	c.MaxChannels = 256
	c.MaxFrameSize = 65536
	c.Transport = "tcp"
	c.Reconnect.BackoffBase = "1s"
	c.Reconnect.BackoffMax = "30s"
	c.Reconnect.MaxAttempts = 0
	return c
}

// LoadClientConfig reads path as YAML onto DefaultClientConfig. An
// unrecognised top-level key is recorded on cfg.Warnings rather than
// failing the load.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client config: %w", err)
	}

	var keys map[string]yaml.Node
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parse client config: %w", err)
	}
	for key := range keys {
		if !knownClientOptions[key] {
			cfg.Warnings = append(cfg.Warnings, amqperr.NewInvalidOption(key))
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse client config: %w", err)
	}
	return cfg, nil
}

// URLs converts the configured broker list into reconnect.URL values.
func (c *ClientConfig) URLs() []reconnect.URL {
	out := make([]reconnect.URL, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		out = append(out, reconnect.URL{Scheme: b.Scheme, Host: b.Host, Port: b.Port})
	}
	return out
}

// ReconnectConfig converts the YAML durations into reconnect.Config.
func (c *ClientConfig) ReconnectConfig() (reconnect.Config, error) {
	base, err := time.ParseDuration(c.Reconnect.BackoffBase)
	if err != nil {
		return reconnect.Config{}, fmt.Errorf("parse backoff_base: %w", err)
	}
	max, err := time.ParseDuration(c.Reconnect.BackoffMax)
	if err != nil {
		return reconnect.Config{}, fmt.Errorf("parse backoff_max: %w", err)
	}
	return reconnect.Config{
		BackoffBase:              base,
		BackoffMax:               max,
		MaxAttempts:              c.Reconnect.MaxAttempts,
		ReconnectOnLimitExceeded: c.Reconnect.OnLimitExceeded,
	}, nil
}

// DialTransport opens a connection to url over the wire carrier the
// transport option names: a plain TCP stream by default, or a WebSocket
// carrying one AMQP frame per WebSocket message when transport is
// "websocket".
func (c *ClientConfig) DialTransport(ctx context.Context, url reconnect.URL, codec transport.Codec, wsCodec transport.MessageCodec) (connection.Transport, error) {
	addr := fmt.Sprintf("%s:%d", url.Host, url.Port)
	switch c.Transport {
	case "", "tcp":
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(c.TCPNoDelay)
		}
		return transport.NewStreamTransport(conn, codec), nil
	case "websocket":
		scheme := "ws"
		if url.Scheme == "amqps" {
			scheme = "wss"
		}
		wsURL := fmt.Sprintf("%s://%s/", scheme, addr)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", wsURL, err)
		}
		return transport.NewWebSocketTransport(conn, wsCodec), nil
	default:
		return nil, amqperr.NewInvalidOption("transport")
	}
}
