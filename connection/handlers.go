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
	"github.com/domcleal/qpid/amqperr"
	"github.com/domcleal/qpid/channel"
	"github.com/domcleal/qpid/wireproto"
)

// ConnectionStartMethod offers the SASL mechanisms this engine accepts and
// opens the handshake once the protocol header has matched.
type ConnectionStartMethod struct {
	Mechanisms []string
	Locale     string
}

func (ConnectionStartMethod) Code() wireproto.MethodCode { return wireproto.ConnectionStart }
func (ConnectionStartMethod) HasPayload() bool           { return false }
func (ConnectionStartMethod) Sync() bool                 { return false }

// ConnectionStartOkMethod carries the client's chosen SASL mechanism and
// initial response.
type ConnectionStartOkMethod struct {
	Mechanism string
	Response  []byte
}

func (ConnectionStartOkMethod) Code() wireproto.MethodCode { return wireproto.ConnectionStartOk }
func (ConnectionStartOkMethod) HasPayload() bool           { return false }
func (ConnectionStartOkMethod) Sync() bool                 { return false }

// ConnectionSecureMethod carries the next round's SASL challenge, sent when
// the exchange doesn't complete in one round-trip.
type ConnectionSecureMethod struct{ Challenge []byte }

func (ConnectionSecureMethod) Code() wireproto.MethodCode { return wireproto.ConnectionSecure }
func (ConnectionSecureMethod) HasPayload() bool           { return false }
func (ConnectionSecureMethod) Sync() bool                 { return false }

// ConnectionSecureOkMethod carries a SASL challenge response.
type ConnectionSecureOkMethod struct{ Response []byte }

func (ConnectionSecureOkMethod) Code() wireproto.MethodCode { return wireproto.ConnectionSecureOk }
func (ConnectionSecureOkMethod) HasPayload() bool           { return false }
func (ConnectionSecureOkMethod) Sync() bool                 { return false }

// ConnectionTuneMethod proposes tunables once SASL is satisfied, before the
// client answers with its own connection.tune-ok.
type ConnectionTuneMethod struct {
	ChannelMax   uint16
	FrameMax     uint32
	HeartbeatSec uint16
}

func (ConnectionTuneMethod) Code() wireproto.MethodCode { return wireproto.ConnectionTune }
func (ConnectionTuneMethod) HasPayload() bool           { return false }
func (ConnectionTuneMethod) Sync() bool                 { return false }

// ConnectionTuneOkMethod carries the client's accepted tunables.
type ConnectionTuneOkMethod struct {
	ChannelMax   uint16
	FrameMax     uint32
	HeartbeatSec uint16
}

func (ConnectionTuneOkMethod) Code() wireproto.MethodCode { return wireproto.ConnectionTuneOk }
func (ConnectionTuneOkMethod) HasPayload() bool           { return false }
func (ConnectionTuneOkMethod) Sync() bool                 { return false }

// ConnectionOpenMethod requests the virtual host to open on.
type ConnectionOpenMethod struct{ VirtualHost string }

func (ConnectionOpenMethod) Code() wireproto.MethodCode { return wireproto.ConnectionOpen }
func (ConnectionOpenMethod) HasPayload() bool           { return false }
func (ConnectionOpenMethod) Sync() bool                 { return false }

// ConnectionOpenOkMethod confirms the connection is ready for channel.open.
type ConnectionOpenOkMethod struct{}

func (ConnectionOpenOkMethod) Code() wireproto.MethodCode { return wireproto.ConnectionOpenOk }
func (ConnectionOpenOkMethod) HasPayload() bool           { return false }
func (ConnectionOpenOkMethod) Sync() bool                 { return false }

// ConnectionCloseMethod requests connection shutdown, legal in every state
// (registered on the wildcard dispatch table rather than any single
// per-state map).
type ConnectionCloseMethod struct {
	Condition amqperr.Condition
	Text      string
}

func (ConnectionCloseMethod) Code() wireproto.MethodCode { return wireproto.ConnectionClose }
func (ConnectionCloseMethod) HasPayload() bool           { return false }
func (ConnectionCloseMethod) Sync() bool                 { return false }

// ConnectionCloseOkMethod confirms connection shutdown.
type ConnectionCloseOkMethod struct{}

func (ConnectionCloseOkMethod) Code() wireproto.MethodCode { return wireproto.ConnectionCloseOk }
func (ConnectionCloseOkMethod) HasPayload() bool           { return false }
func (ConnectionCloseOkMethod) Sync() bool                 { return false }

// ChannelOpenMethod requests a new channel.
type ChannelOpenMethod struct{}

func (ChannelOpenMethod) Code() wireproto.MethodCode { return wireproto.ChannelOpen }
func (ChannelOpenMethod) HasPayload() bool           { return false }
func (ChannelOpenMethod) Sync() bool                 { return false }

// ChannelOpenOkMethod confirms a new channel is ready for a session.attach.
type ChannelOpenOkMethod struct{}

func (ChannelOpenOkMethod) Code() wireproto.MethodCode { return wireproto.ChannelOpenOk }
func (ChannelOpenOkMethod) HasPayload() bool           { return false }
func (ChannelOpenOkMethod) Sync() bool                 { return false }

// ChannelCloseMethod requests a channel be torn down.
type ChannelCloseMethod struct {
	Condition amqperr.Condition
	Text      string
}

func (ChannelCloseMethod) Code() wireproto.MethodCode { return wireproto.ChannelClose }
func (ChannelCloseMethod) HasPayload() bool           { return false }
func (ChannelCloseMethod) Sync() bool                 { return false }

// ChannelCloseOkMethod confirms a channel teardown.
type ChannelCloseOkMethod struct{}

func (ChannelCloseOkMethod) Code() wireproto.MethodCode { return wireproto.ChannelCloseOk }
func (ChannelCloseOkMethod) HasPayload() bool           { return false }
func (ChannelCloseOkMethod) Sync() bool                 { return false }

// buildDispatchTable wires the connection state machine's per-state method
// handlers plus a wildcard entry for methods legal in every state.
func (eng *Engine) buildDispatchTable() *dispatchTable {
	t := newDispatchTable()

	t.on(AwaitStartOk, wireproto.ConnectionStartOk, (*Engine).handleStartOk)
	t.on(AwaitSecureOk, wireproto.ConnectionSecureOk, (*Engine).handleSecureOk)
	t.on(AwaitTuneOk, wireproto.ConnectionTuneOk, (*Engine).handleTuneOk)
	t.on(AwaitOpen, wireproto.ConnectionOpen, (*Engine).handleOpen)

	t.onAny(wireproto.ConnectionClose, (*Engine).handleConnectionClose)
	t.onAny(wireproto.ConnectionCloseOk, (*Engine).handleConnectionCloseOk)

	return t
}

// sendConnMethod writes m as a single-frame frameset on channel 0, the
// connection-scoped channel every non-channel method travels on.
func (eng *Engine) sendConnMethod(m wireproto.Method) error {
	return eng.mux.WriteFrameset([]wireproto.Frame{{
		Channel: 0,
		Type:    wireproto.FrameMethod,
		Flags:   wireproto.BOF | wireproto.EOF,
		Method:  m,
	}})
}

// sendTune moves to AwaitTuneOk and offers this engine's tunables, once SASL
// (if any) is satisfied.
func (eng *Engine) sendTune() error {
	eng.setState(AwaitTuneOk)
	return eng.sendConnMethod(ConnectionTuneMethod{
		ChannelMax:   eng.tunables.ChannelMax,
		FrameMax:     eng.tunables.FrameMax,
		HeartbeatSec: eng.tunables.HeartbeatSec,
	})
}

func (eng *Engine) handleStartOk(m wireproto.Method) error {
	mm, ok := m.(ConnectionStartOkMethod)
	if !ok {
		return amqperr.Errorf(amqperr.FramingError, "malformed connection.start-ok")
	}
	if eng.saslServer == nil {
		return eng.sendTune()
	}
	challenge, done, err := eng.saslServer.Start(mm.Mechanism, mm.Response)
	if err != nil {
		return amqperr.NewSessionException(amqperr.UnauthorizedAccess, "%s", err)
	}
	if done {
		return eng.sendTune()
	}
	eng.setState(AwaitSecureOk)
	return eng.sendConnMethod(ConnectionSecureMethod{Challenge: challenge})
}

func (eng *Engine) handleSecureOk(m wireproto.Method) error {
	mm, ok := m.(ConnectionSecureOkMethod)
	if !ok {
		return amqperr.Errorf(amqperr.FramingError, "malformed connection.secure-ok")
	}
	challenge, done, err := eng.saslServer.Secure(mm.Response)
	if err != nil {
		return amqperr.NewSessionException(amqperr.UnauthorizedAccess, "%s", err)
	}
	if done {
		return eng.sendTune()
	}
	eng.setState(AwaitSecureOk)
	return eng.sendConnMethod(ConnectionSecureMethod{Challenge: challenge})
}

func (eng *Engine) handleTuneOk(m wireproto.Method) error {
	mm, ok := m.(ConnectionTuneOkMethod)
	if !ok {
		return amqperr.Errorf(amqperr.FramingError, "malformed connection.tune-ok")
	}
	eng.tunables = negotiateTunables(eng.tunables, mm)
	// No channels exist yet at this point in the handshake, so it's safe to
	// rebuild the mux bound to the negotiated channel-max.
	eng.mux = channel.NewMux(eng.transport, eng.tunables.ChannelMax, eng.newSession)
	eng.setState(AwaitOpen)
	return nil
}

// negotiateTunables applies the "take the minimum of offered and
// requested, zero means unlimited on either side" rule for
// connection.tune/tune-ok.
func negotiateTunables(offered Tunables, requested ConnectionTuneOkMethod) Tunables {
	out := offered
	if requested.ChannelMax != 0 && (out.ChannelMax == 0 || requested.ChannelMax < out.ChannelMax) {
		out.ChannelMax = requested.ChannelMax
	}
	if requested.FrameMax != 0 && (out.FrameMax == 0 || requested.FrameMax < out.FrameMax) {
		out.FrameMax = requested.FrameMax
	}
	if requested.HeartbeatSec != 0 && (out.HeartbeatSec == 0 || requested.HeartbeatSec < out.HeartbeatSec) {
		out.HeartbeatSec = requested.HeartbeatSec
	}
	return out
}

func (eng *Engine) handleOpen(m wireproto.Method) error {
	if _, ok := m.(ConnectionOpenMethod); !ok {
		return amqperr.Errorf(amqperr.FramingError, "malformed connection.open")
	}
	if err := eng.sendConnMethod(ConnectionOpenOkMethod{}); err != nil {
		return err
	}
	eng.setState(Open)
	if eng.OnOpen != nil {
		eng.OnOpen(eng)
	}
	return nil
}

func (eng *Engine) handleConnectionClose(m wireproto.Method) error {
	eng.setState(Closing)
	eng.mux.Each(func(_ uint16, h *channel.Handler) {
		if ssn := h.Session(); ssn != nil {
			ssn.Detach()
		}
	})
	if err := eng.sendConnMethod(ConnectionCloseOkMethod{}); err != nil {
		return err
	}
	return eng.Inject(func() { _ = eng.transport.Close() })
}

func (eng *Engine) handleConnectionCloseOk(m wireproto.Method) error {
	eng.setState(Closed)
	return nil
}

// handleChannelFrame handles channel.open/close/close-ok, which travel on
// the channel id they concern rather than on channel 0.
func (eng *Engine) handleChannelFrame(f wireproto.Frame) error {
	switch mm := f.Method.(type) {
	case ChannelOpenMethod:
		return eng.handleChannelOpen(f.Channel, mm)
	case ChannelCloseMethod:
		return eng.handleChannelClose(f.Channel, mm)
	case ChannelCloseOkMethod:
		return eng.handleChannelCloseOk(f.Channel, mm)
	default:
		return nil
	}
}

// handleChannelOpen reserves channelID with an unattached Handler shell,
// ready for the session.attach that follows, and replies channel.open-ok.
func (eng *Engine) handleChannelOpen(channelID uint16, m ChannelOpenMethod) error {
	if err := eng.mux.Bind(channelID, channel.NewHandler(nil)); err != nil {
		return err
	}
	return eng.mux.WriteFrameset([]wireproto.Frame{{
		Channel: channelID,
		Type:    wireproto.FrameMethod,
		Flags:   wireproto.BOF | wireproto.EOF,
		Method:  ChannelOpenOkMethod{},
	}})
}

// handleChannelClose detaches whatever session is bound to channelID, if
// any, unbinds the channel and replies channel.close-ok.
func (eng *Engine) handleChannelClose(channelID uint16, m ChannelCloseMethod) error {
	if h, ok := eng.mux.Lookup(channelID); ok {
		if ssn := h.Session(); ssn != nil {
			ssn.Detach()
		}
		eng.mux.Unbind(channelID)
	}
	return eng.mux.WriteFrameset([]wireproto.Frame{{
		Channel: channelID,
		Type:    wireproto.FrameMethod,
		Flags:   wireproto.BOF | wireproto.EOF,
		Method:  ChannelCloseOkMethod{},
	}})
}

// handleChannelCloseOk confirms a channel.close this engine sent; the
// channel was already unbound when the close was sent, so there's nothing
// further to release here.
func (eng *Engine) handleChannelCloseOk(channelID uint16, m ChannelCloseOkMethod) error {
	return nil
}
