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

package main

import (
	"github.com/rs/zerolog"

	"github.com/domcleal/qpid/channel"
	"github.com/domcleal/qpid/config"
	"github.com/domcleal/qpid/flowctl"
	"github.com/domcleal/qpid/session"
	"github.com/domcleal/qpid/sink"
	"github.com/domcleal/qpid/wireproto"
)

// discardSink is the MessageSink brokerd wires in until a real queue
// backend is linked in: every message completes immediately without being
// routed or stored anywhere.
type discardSink struct{}

func (discardSink) Enqueue(msg sink.Message, complete func()) error {
	complete()
	return nil
}

// unimplementedAdapter reports every session command as unhandled, which
// HandleCommand turns into execution.exception(command-unsupported). A
// deployment links in an Adapter that understands queue/exchange semantics
// in its place; brokerd exists here to prove the engine wires up end to
// end without one.
type unimplementedAdapter struct{}

func (unimplementedAdapter) Dispatch(ssn *session.State, m wireproto.Method, id uint32) (interface{}, bool, error) {
	return nil, false, nil
}

// newSessionFactory returns the builder connection.NewEngine calls with its
// own Inject to produce the channel.SessionFactory that connection's Mux
// uses to create a session.State the first time a session.attach names a
// session it hasn't seen before.
func newSessionFactory(cfg config.BrokerConfig, log zerolog.Logger) func(inject func(func())) channel.SessionFactory {
	return func(inject func(func())) channel.SessionFactory {
		return func(name []byte, wire session.Wire) *session.State {
			id := session.NewID()
			sessLog := log.With().Str("session", id.String()).Bytes("name", name).Logger()
			listener := session.Listener{
				Exception: func(ssn *session.State, err error) {
					sessLog.Warn().Err(err).Msg("session exception")
				},
				Detached: func(ssn *session.State) {
					sessLog.Debug().Msg("session detached")
				},
			}
			flow := flowctl.New(flowctl.Config{})
			return session.New(id, unimplementedAdapter{}, discardSink{}, wire, inject, session.Config{
				IdleTimeoutSecs: uint32(config.IdleSessionTimeout.Seconds()),
			}, listener, flow)
		}
	}
}
