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

package connection

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/domcleal/qpid/amqperr"
	"github.com/domcleal/qpid/channel"
	"github.com/domcleal/qpid/handshake"
	"github.com/domcleal/qpid/sasl"
	"github.com/domcleal/qpid/wireproto"
)

// Transport is the decoded frame stream the connection engine drives. The
// byte-level codec that produces/consumes these lives outside this
// package; Transport is the seam a real codec, or a test fake, plugs into.
type Transport interface {
	ReadFrame() (wireproto.Frame, error)
	ReadHeader() ([handshake.HeaderLen]byte, error)
	WriteFrame(f wireproto.Frame) error
	WriteHeader(h handshake.Header) error
	Close() error
}

// Tunables are the negotiated connection parameters from the tune step.
type Tunables struct {
	ChannelMax   uint16
	FrameMax     uint32
	HeartbeatSec uint16
}

// DefaultTunables mirrors the values a qpid broker offers by default.
var DefaultTunables = Tunables{ChannelMax: 256, FrameMax: 65536, HeartbeatSec: 60}

// Engine is the protocol-handshake and connection state machine, driving
// one I/O goroutine that also serves as the single goroutine a session's
// completion scheduler injects work into. Run() coordinates three
// goroutines (one read, one write, one dispatch-and-inject loop) over
// channels rather than shared-memory locking.
type Engine struct {
	transport Transport
	log       zerolog.Logger

	saslServer *sasl.Server
	mux        *channel.Mux

	offered  handshake.Supported
	tunables Tunables

	mu    sync.Mutex
	state State

	inject  chan func()
	running chan struct{}
	errs    amqperr.Holder

	dispatch   *dispatchTable
	newSession channel.SessionFactory

	// OnOpen fires once the connection reaches Open, e.g. to let the caller
	// start accepting session.attach; OnClosed fires once when Run returns.
	OnOpen   func(eng *Engine)
	OnClosed func(eng *Engine, err error)
}

// NewEngine constructs an unstarted server-side Engine. newSession, if
// non-nil, is handed this engine's own Inject and must return the
// channel.SessionFactory the Mux consults whenever a session.attach names
// a session it hasn't bound before — the extra indirection exists because
// the factory needs to close over this specific connection's Inject,
// which doesn't exist until the Engine itself does.
func NewEngine(t Transport, offered handshake.Supported, saslSrv *sasl.Server, log zerolog.Logger, newSession func(inject func(func())) channel.SessionFactory) *Engine {
	eng := &Engine{
		transport:  t,
		log:        log,
		saslServer: saslSrv,
		offered:    offered,
		tunables:   DefaultTunables,
		state:      Initial,
		inject:     make(chan func(), 16),
		running:    make(chan struct{}),
	}
	if newSession != nil {
		eng.newSession = newSession(func(f func()) { _ = eng.Inject(f) })
	}
	eng.mux = channel.NewMux(t, eng.tunables.ChannelMax, eng.newSession)
	eng.dispatch = eng.buildDispatchTable()
	return eng
}

// State returns the current connection state.
func (eng *Engine) State() State {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.state
}

func (eng *Engine) setState(s State) {
	eng.mu.Lock()
	eng.state = s
	eng.mu.Unlock()
	eng.log.Debug().Stringer("state", s).Msg("connection state transition")
}

// Mux exposes the channel demultiplexer so callers can bind sessions once
// the connection reaches Open.
func (eng *Engine) Mux() *channel.Mux { return eng.mux }

// Error returns the first fault recorded against this connection, if any.
func (eng *Engine) Error() error { return eng.errs.Get() }

// Inject hands f to the I/O goroutine, mirroring proton.Engine.Inject:
// SessionState's completionScheduler and any external caller wanting to
// touch mux/session state safely both go through this.
func (eng *Engine) Inject(f func()) error {
	select {
	case eng.inject <- f:
		return nil
	case <-eng.running:
		return eng.Error()
	}
}

// Close requests an orderly shutdown by transitioning to Closing and
// closing the transport; Run() unwinds from there.
func (eng *Engine) Close(cause error) {
	eng.errs.Set(cause)
	eng.setState(Closing)
	_ = eng.Inject(func() { _ = eng.transport.Close() })
}

// Run performs the protocol header handshake, then drives the connection
// until the transport closes or a fatal error occurs. It returns the first
// recorded error, if any.
func (eng *Engine) Run() error {
	if err := eng.handshakeLoop(); err != nil {
		eng.errs.Set(err)
		eng.setState(Closed)
		if eng.OnClosed != nil {
			eng.OnClosed(eng, err)
		}
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)

	frames := make(chan wireproto.Frame, 32)
	readErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		for {
			f, err := eng.transport.ReadFrame()
			if err != nil {
				readErr <- err
				close(readErr)
				close(frames)
				return
			}
			frames <- f
		}
	}()

	writeQueue := make(chan wireproto.Frame, 32)
	writeErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		for f := range writeQueue {
			if err := eng.transport.WriteFrame(f); err != nil {
				writeErr <- err
				close(writeErr)
				return
			}
		}
	}()

	var heartbeat *time.Ticker
	if eng.tunables.HeartbeatSec > 0 {
		heartbeat = time.NewTicker(time.Duration(eng.tunables.HeartbeatSec) * time.Second / 2)
		defer heartbeat.Stop()
	}

loop:
	for {
		var hbC <-chan time.Time
		if heartbeat != nil {
			hbC = heartbeat.C
		}
		select {
		case f, ok := <-frames:
			if !ok {
				break loop
			}
			if err := eng.handleFrame(f); err != nil {
				eng.errs.Set(err)
				break loop
			}
		case f := <-eng.inject:
			f()
		case err := <-readErr:
			eng.errs.Set(amqperr.NewTransportFailure(err))
			break loop
		case err := <-writeErr:
			eng.errs.Set(amqperr.NewTransportFailure(err))
			break loop
		case <-hbC:
			writeQueue <- wireproto.Frame{Type: wireproto.FrameHeartbeat}
		}
		if eng.State() == Closed {
			break loop
		}
	}

	close(writeQueue)
	_ = eng.transport.Close()
	wg.Wait()
	close(eng.running)

	eng.setState(Closed)
	err := eng.Error()
	if eng.OnClosed != nil {
		eng.OnClosed(eng, err)
	}
	return err
}

// handshakeLoop performs the AMQP protocol header exchange before the
// frame-oriented loop starts.
func (eng *Engine) handshakeLoop() error {
	raw, err := eng.transport.ReadHeader()
	if err != nil {
		return amqperr.NewTransportFailure(err)
	}
	result := handshake.Check(eng.offered, raw)
	if !result.Matched {
		_ = eng.transport.WriteHeader(result.Reply)
		return result.Err
	}
	if err := eng.transport.WriteHeader(result.Reply); err != nil {
		return amqperr.NewTransportFailure(err)
	}
	eng.setState(AwaitStartOk)
	return eng.sendConnMethod(ConnectionStartMethod{Mechanisms: eng.offeredMechanisms()})
}

// offeredMechanisms lists the SASL mechanisms this engine will accept in
// connection.start, or nil if no SASL server is configured.
func (eng *Engine) offeredMechanisms() []string {
	if eng.saslServer == nil {
		return nil
	}
	return eng.saslServer.Mechanisms()
}

// handleFrame routes one frame through the dispatch table when it targets
// channel 0 (connection-scoped), through the channel-lifecycle handlers
// when it is channel.open/close/close-ok on the channel it names, or
// through the channel mux otherwise. channel.open/close travel on the
// channel they concern rather than on channel 0, so they need the frame's
// own Channel field, which the (state, method) dispatch table alone can't
// see.
func (eng *Engine) handleFrame(f wireproto.Frame) error {
	if f.Channel != 0 {
		if f.Type == wireproto.FrameMethod {
			switch f.Method.(type) {
			case ChannelOpenMethod, ChannelCloseMethod, ChannelCloseOkMethod:
				return eng.handleChannelFrame(f)
			}
		}
		return eng.mux.Dispatch(f)
	}
	if f.Type != wireproto.FrameMethod || f.Method == nil {
		return nil
	}
	h, ok := eng.dispatch.lookup(eng.State(), f.Method.Code())
	if !ok {
		return amqperr.NewSessionException(amqperr.CommandUnsupported, "method %s illegal in state %s", f.Method.Code(), eng.State())
	}
	return h(eng, f.Method)
}
