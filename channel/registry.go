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

package channel

import (
	"github.com/domcleal/qpid/amqperr"
	"github.com/domcleal/qpid/session"
	"github.com/domcleal/qpid/wireproto"
)

// SessionFactory builds a new session.State for a name a Mux has not seen
// before. wire is the Wire the session should send its outbound frames
// through, already bound to the channel the attach arrived on.
type SessionFactory func(name []byte, wire session.Wire) *session.State

// attach implements session.attach's create-or-rebind-by-name semantics.
// If name is unknown, a Handler and session are created (or, if a Handler
// already sits on channelID with a session wired in directly, that
// session is adopted into the registry under name). If name is known, the
// existing session is rebound to channelID, unbinding whatever channel it
// was previously bound to — this is what lets a peer resume a session on
// a different channel after a detach.
func (mx *Mux) attach(channelID uint16, m wireproto.SessionAttachMethod) (*Handler, error) {
	if channelID >= mx.channelMax {
		return nil, amqperr.Errorf(amqperr.FramingError, "channel %d exceeds channel-max %d", channelID, mx.channelMax)
	}
	name := string(m.Name)

	mx.mu.Lock()
	defer mx.mu.Unlock()

	h, handlerExists := mx.handlers[channelID]
	ssn, sessionKnown := mx.sessions[name]

	switch {
	case sessionKnown:
		if prevChannel, had := mx.boundChannel[name]; had && prevChannel != channelID {
			delete(mx.handlers, prevChannel)
		}
		if !handlerExists {
			h = NewHandler(nil)
			h.mux = mx
			h.channelID = channelID
		}
	case handlerExists && h.ssn != nil:
		ssn = h.ssn
		mx.sessions[name] = ssn
	default:
		if mx.newSession == nil {
			return nil, amqperr.Errorf(amqperr.NotAllowed, "no session factory configured for attach")
		}
		if !handlerExists {
			h = NewHandler(nil)
			h.mux = mx
			h.channelID = channelID
		}
		ssn = mx.newSession(m.Name, wireAdapter{h})
		mx.sessions[name] = ssn
	}

	if !handlerExists {
		mx.handlers[channelID] = h
	}
	mx.boundChannel[name] = channelID
	h.mu.Lock()
	h.ssn = ssn
	h.mu.Unlock()

	ssn.MarkAttached()
	return h, nil
}

// forgetChannel clears the name's channel binding, called on detach so a
// later attach with the same name doesn't try to unbind an already-unbound
// channel; the session itself stays in the registry so a later attach
// still resumes it.
func (mx *Mux) forgetChannel(name []byte) {
	mx.mu.Lock()
	delete(mx.boundChannel, string(name))
	mx.mu.Unlock()
}

// wireAdapter implements session.Wire by writing single-frame framesets
// through the owning Handler's Mux, tagging every frame with the
// handler's channel id.
type wireAdapter struct {
	h *Handler
}

func (w wireAdapter) SendExecutionResult(id uint32, value interface{}) {
	w.send(wireproto.NewExecutionResult(id, value))
}

func (w wireAdapter) SendExecutionException(id uint32, cond amqperr.Condition, text string) {
	w.send(wireproto.NewExecutionException(id, int(cond), text))
}

func (w wireAdapter) SendAccept(ranges []wireproto.Range) {
	w.send(wireproto.NewMessageAccept(ranges))
}

func (w wireAdapter) SendCompleted(ranges []wireproto.Range) {
	w.send(wireproto.NewSessionCompleted(ranges, true))
}

func (w wireAdapter) SendMessageFlow(credit int) {
	w.send(wireproto.NewMessageFlow("", "message", uint32(credit)))
}

func (w wireAdapter) SendMessageStop() {
	w.send(wireproto.NewMessageStop(""))
}

func (w wireAdapter) send(m wireproto.Method) {
	f := wireproto.Frame{Channel: w.h.channelID, Flags: wireproto.BOF | wireproto.EOF, Type: wireproto.FrameMethod, Method: m}
	_ = w.h.mux.WriteFrameset([]wireproto.Frame{f})
}
