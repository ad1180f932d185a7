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

// Package channel demultiplexes frames by their wire channel id to a
// per-channel session handler, and serializes each channel's own outbound
// framesets so one session's method/header/content sequence stays
// contiguous. Frames from different channels are free to interleave on the
// wire; a long-running content transfer on one channel must never stall
// another channel's frames.
package channel

import (
	"fmt"
	"sync"

	"github.com/domcleal/qpid/amqperr"
	"github.com/domcleal/qpid/session"
	"github.com/domcleal/qpid/wireproto"
)

// Sender is the outbound half a Mux writes serialized framesets to.
type Sender interface {
	WriteFrame(f wireproto.Frame) error
}

// Mux is the connection-scoped channel demultiplexer. All methods except
// Dispatch run only on the connection's I/O goroutine.
type Mux struct {
	sender     Sender
	channelMax uint16
	newSession SessionFactory

	mu           sync.Mutex // guards handlers/sessions/writeLocks; attach/detach can race external Close() calls
	handlers     map[uint16]*Handler
	sessions     map[string]*session.State // by session.attach name, survives detach for resume
	boundChannel map[string]uint16

	// writeLocks holds one mutex per channel that has ever written a
	// frameset, so a channel's own multi-frame sequence stays contiguous
	// without blocking any other channel's frames for its duration.
	writeLocks map[uint16]*sync.Mutex
}

// NewMux creates a Mux bounded by channelMax; channel ids must stay below
// the negotiated channel-max. newSession is consulted by Dispatch when a
// session.attach names a session the Mux hasn't seen before; it may be nil
// if the caller always pre-binds sessions itself (as tests do).
func NewMux(sender Sender, channelMax uint16, newSession SessionFactory) *Mux {
	return &Mux{
		sender:       sender,
		channelMax:   channelMax,
		newSession:   newSession,
		handlers:     make(map[uint16]*Handler),
		sessions:     make(map[string]*session.State),
		boundChannel: make(map[string]uint16),
		writeLocks:   make(map[uint16]*sync.Mutex),
	}
}

// Bind installs h as the handler for channel, enforcing the channel-max
// invariant.
func (mx *Mux) Bind(channelID uint16, h *Handler) error {
	if channelID >= mx.channelMax {
		return amqperr.Errorf(amqperr.FramingError, "channel %d exceeds channel-max %d", channelID, mx.channelMax)
	}
	mx.mu.Lock()
	defer mx.mu.Unlock()
	if _, exists := mx.handlers[channelID]; exists {
		return amqperr.Errorf(amqperr.ChannelError, "channel %d already bound", channelID)
	}
	h.channelID = channelID
	h.mux = mx
	mx.handlers[channelID] = h
	return nil
}

// Unbind removes the handler for channel, if any.
func (mx *Mux) Unbind(channelID uint16) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	delete(mx.handlers, channelID)
}

// Lookup returns the handler bound to channel, if any.
func (mx *Mux) Lookup(channelID uint16) (*Handler, bool) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	h, ok := mx.handlers[channelID]
	return h, ok
}

// Dispatch routes one decoded inbound frame to its channel's handler. A
// session.attach naming a channel with no bound handler is not an error:
// it is what creates or re-binds a session by name in the first place.
// Any other frame on an unbound channel is a channel.error.
func (mx *Mux) Dispatch(f wireproto.Frame) error {
	h, ok := mx.Lookup(f.Channel)
	if !ok {
		if f.Type == wireproto.FrameMethod {
			if mm, isAttach := f.Method.(wireproto.SessionAttachMethod); isAttach {
				_, err := mx.attach(f.Channel, mm)
				return err
			}
		}
		return amqperr.Errorf(amqperr.ChannelError, "frame on unbound channel %d", f.Channel)
	}
	return h.handle(f)
}

// WriteFrameset writes frames as one contiguous unit for their own channel:
// BOF..EOF stays unbroken against anything else written to that same
// channel, but channels other than theirs are never blocked by it. All
// frames in one call must share a channel id.
func (mx *Mux) WriteFrameset(frames []wireproto.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	lock := mx.channelWriteLock(frames[0].Channel)
	lock.Lock()
	defer lock.Unlock()
	for _, f := range frames {
		if err := mx.sender.WriteFrame(f); err != nil {
			return fmt.Errorf("write frameset: %w", err)
		}
	}
	return nil
}

// channelWriteLock returns the mutex serializing framesets for channelID,
// creating it on first use.
func (mx *Mux) channelWriteLock(channelID uint16) *sync.Mutex {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	lock, ok := mx.writeLocks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		mx.writeLocks[channelID] = lock
	}
	return lock
}

// Each calls f for every currently bound handler, used by the connection
// engine to fan out connection-scoped events (e.g. close) to every channel.
func (mx *Mux) Each(f func(channelID uint16, h *Handler)) {
	mx.mu.Lock()
	snapshot := make(map[uint16]*Handler, len(mx.handlers))
	for k, v := range mx.handlers {
		snapshot[k] = v
	}
	mx.mu.Unlock()
	for k, v := range snapshot {
		f(k, v)
	}
}
