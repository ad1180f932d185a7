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

// Command brokerd runs the connection/session protocol engine as a
// standalone daemon, with a root command plus serve/version subcommands.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/domcleal/qpid/config"
	"github.com/domcleal/qpid/connection"
	"github.com/domcleal/qpid/handshake"
	"github.com/domcleal/qpid/sasl"
	"github.com/domcleal/qpid/transport"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "brokerd",
		Short:         "AMQP connection/session protocol engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("brokerd %s (%s)\n", version, commit)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept connections and run the protocol engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "brokerd.toml", "path to broker TOML config")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.LoadBrokerConfig(configPath)
	if err != nil {
		return err
	}

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("component", "brokerd").Logger()
	log = log.Level(parseLevel(cfg.LogLevel))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	defer ln.Close()
	log.Info().Str("addr", cfg.ListenAddr).Msg("listening")

	mechs := make(map[string]func() sasl.Mechanism)
	for _, name := range cfg.SASLMechanism {
		switch name {
		case "ANONYMOUS":
			mechs[name] = sasl.NewAnonymous()
		case "PLAIN":
			mechs[name] = sasl.NewPlain(func(user, password string) error { return nil })
		}
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error().Err(err).Msg("accept failed")
			continue
		}
		connLog := log.With().Str("remote", conn.RemoteAddr().String()).Logger()
		go serveConn(conn, cfg, mechs, connLog)
	}
}

func serveConn(conn net.Conn, cfg config.BrokerConfig, mechs map[string]func() sasl.Mechanism, log zerolog.Logger) {
	defer conn.Close()
	saslSrv := sasl.NewServer(mechs)
	tp := transport.NewStreamTransport(conn, unimplementedCodec{})
	eng := connection.NewEngine(tp, handshake.DefaultSupported, saslSrv, log, newSessionFactory(cfg, log))
	eng.OnOpen = func(e *connection.Engine) {
		log.Info().Msg("connection open")
	}
	eng.OnClosed = func(e *connection.Engine, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("connection closed with error")
		} else {
			log.Info().Msg("connection closed")
		}
	}
	if err := eng.Run(); err != nil {
		log.Error().Err(err).Msg("engine run failed")
	}
}

func parseLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
